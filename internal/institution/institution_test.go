package institution

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"asncorpu/internal/auth"
)

func TestNormalizeInput(t *testing.T) {
	tests := []struct {
		name    string
		in      UpsertInput
		wantErr bool
	}{
		{name: "minimal", in: UpsertInput{Name: "BPSDM Jawa Barat"}},
		{name: "full", in: UpsertInput{Name: "Pusdiklat", InstitutionType: "lembaga", PICName: "Sari", PICPhone: "+62 812-3456-7890"}},
		{name: "blank name", in: UpsertInput{Name: "   "}, wantErr: true},
		{name: "unknown type", in: UpsertInput{Name: "X", InstitutionType: "Swasta"}, wantErr: true},
		{name: "bad phone", in: UpsertInput{Name: "X", PICPhone: "08ab"}, wantErr: true},
		{name: "short phone", in: UpsertInput{Name: "X", PICPhone: "123"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := normalizeInput(tc.in)
			if tc.wantErr != errors.Is(err, ErrInvalidInput) {
				t.Fatalf("wantErr=%v got %v", tc.wantErr, err)
			}
		})
	}
}

func TestNormalizeInputCollapsesWhitespace(t *testing.T) {
	got, err := normalizeInput(UpsertInput{Name: "  BPSDM   Provinsi  Bali ", PICName: " I  Made "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "BPSDM Provinsi Bali" || got.PICName != "I Made" {
		t.Fatalf("unexpected normalization %+v", got)
	}
}

type mockService struct {
	getFn    func(ctx context.Context, userID int64) (*Profile, error)
	upsertFn func(ctx context.Context, userID int64, in UpsertInput) (*Profile, error)
	listFn   func(ctx context.Context, q string, limit, offset int) ([]ListItem, error)
}

func (m *mockService) GetProfile(ctx context.Context, userID int64) (*Profile, error) {
	return m.getFn(ctx, userID)
}

func (m *mockService) UpsertProfile(ctx context.Context, userID int64, in UpsertInput) (*Profile, error) {
	return m.upsertFn(ctx, userID, in)
}

func (m *mockService) List(ctx context.Context, q string, limit, offset int) ([]ListItem, error) {
	return m.listFn(ctx, q, limit, offset)
}

func TestUpsertMineUsesSessionUser(t *testing.T) {
	h := NewHandler(&mockService{
		upsertFn: func(ctx context.Context, userID int64, in UpsertInput) (*Profile, error) {
			if userID != 12 || in.Name != "BPSDM Bali" {
				t.Fatalf("unexpected upsert %d %+v", userID, in)
			}
			return &Profile{UserID: userID, Name: in.Name}, nil
		},
	})

	req := httptest.NewRequest(http.MethodPut, "/api/v1/institutions/me", bytes.NewBufferString(`{"name":"BPSDM Bali","user_id":99}`))
	req = req.WithContext(auth.ContextWithUser(req.Context(), &auth.User{ID: 12, Role: auth.RoleInstitusi}))
	w := httptest.NewRecorder()
	h.UpsertMine(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHandlerErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: ErrInvalidInput, want: http.StatusBadRequest},
		{err: ErrNotFound, want: http.StatusNotFound},
		{err: ErrNotAnInstitution, want: http.StatusForbidden},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		h := NewHandler(&mockService{
			getFn: func(ctx context.Context, userID int64) (*Profile, error) { return nil, tc.err },
		})
		req := httptest.NewRequest(http.MethodGet, "/api/v1/institutions/me", nil)
		req = req.WithContext(auth.ContextWithUser(req.Context(), &auth.User{ID: 1, Role: auth.RoleAdmin}))
		w := httptest.NewRecorder()
		h.GetMine(w, req)
		if w.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, w.Code)
		}
	}
}

func TestListPassesPaging(t *testing.T) {
	h := NewHandler(&mockService{
		listFn: func(ctx context.Context, q string, limit, offset int) ([]ListItem, error) {
			if q != "jabar" || limit != 20 || offset != 40 {
				t.Fatalf("unexpected paging q=%q limit=%d offset=%d", q, limit, offset)
			}
			return []ListItem{}, nil
		},
	})
	w := httptest.NewRecorder()
	h.List(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/institutions?q=jabar&limit=20&offset=40", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
