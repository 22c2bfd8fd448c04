package apiresp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestWriteOKMirrorsSuccess(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	WriteOK(w, req, http.StatusOK, map[string]int{"n": 1})

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true || body["success"] != true {
		t.Fatalf("expected ok and success true, got %v", body)
	}
	if body["error"] != nil {
		t.Fatalf("unexpected error payload")
	}
}

func TestWriteErrorCode(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	WriteError(w, req, http.StatusConflict, "")

	var body Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.OK || body.Success {
		t.Fatalf("expected failure envelope")
	}
	if body.Error == nil || body.Error.Code != "conflict" || body.Error.Message != "Conflict" {
		t.Fatalf("unexpected error payload %+v", body.Error)
	}
}

func TestDecodeJSONKeepsNumbers(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"p7":150}`))
	w := httptest.NewRecorder()
	var dst map[string]interface{}
	if err := DecodeJSON(w, req, &dst); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := dst["p7"].(json.Number); !ok {
		t.Fatalf("expected json.Number, got %T", dst["p7"])
	}

	bad := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	if err := DecodeJSON(w, bad, &dst); err != ErrInvalidBody {
		t.Fatalf("expected ErrInvalidBody, got %v", err)
	}
}

func TestPositiveIntParam(t *testing.T) {
	withParam := func(v string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("id", v)
		return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	}
	if n, ok := PositiveIntParam(withParam("42"), "id"); !ok || n != 42 {
		t.Fatalf("expected 42, got %d %v", n, ok)
	}
	for _, v := range []string{"0", "-1", "x", ""} {
		if _, ok := PositiveIntParam(withParam(v), "id"); ok {
			t.Fatalf("expected %q to be rejected", v)
		}
	}
}
