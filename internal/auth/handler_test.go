package auth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

type mockAuthService struct {
	authenticateFn   func(ctx context.Context, identifier, password string) (*User, error)
	createSessionFn  func(ctx context.Context, userID int64, ip, ua string) (string, time.Time, error)
	getSessionUserFn func(ctx context.Context, token string) (*User, error)
	bootstrapFn      func(ctx context.Context, in BootstrapInput) (*User, error)
	createUserFn     func(ctx context.Context, actorID int64, in CreateUserInput) (*User, error)
	listUsersFn      func(ctx context.Context, role, q string, limit, offset int) ([]User, error)
	deactivateFn     func(ctx context.Context, actorID, userID int64) error
	exportFn         func(ctx context.Context, role, q string) ([]byte, error)
	importFn         func(ctx context.Context, actorID int64, r io.Reader) (*UserImportReport, error)
	revoked          []string
}

func (m *mockAuthService) AuthenticatePassword(ctx context.Context, identifier, password string) (*User, error) {
	if m.authenticateFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.authenticateFn(ctx, identifier, password)
}

func (m *mockAuthService) CreateSession(ctx context.Context, userID int64, ip, ua string) (string, time.Time, error) {
	if m.createSessionFn == nil {
		return "", time.Time{}, errors.New("not implemented")
	}
	return m.createSessionFn(ctx, userID, ip, ua)
}

func (m *mockAuthService) GetSessionUser(ctx context.Context, token string) (*User, error) {
	if m.getSessionUserFn == nil {
		return nil, ErrUnauthorized
	}
	return m.getSessionUserFn(ctx, token)
}

func (m *mockAuthService) RevokeSession(ctx context.Context, token string) error {
	m.revoked = append(m.revoked, token)
	return nil
}

func (m *mockAuthService) BootstrapAdmin(ctx context.Context, in BootstrapInput) (*User, error) {
	if m.bootstrapFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.bootstrapFn(ctx, in)
}

func (m *mockAuthService) CreateUser(ctx context.Context, actorID int64, in CreateUserInput) (*User, error) {
	if m.createUserFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.createUserFn(ctx, actorID, in)
}

func (m *mockAuthService) ListUsers(ctx context.Context, role, q string, limit, offset int) ([]User, error) {
	if m.listUsersFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.listUsersFn(ctx, role, q, limit, offset)
}

func (m *mockAuthService) DeactivateUser(ctx context.Context, actorID, userID int64) error {
	if m.deactivateFn == nil {
		return errors.New("not implemented")
	}
	return m.deactivateFn(ctx, actorID, userID)
}

func (m *mockAuthService) ExportUsersExcel(ctx context.Context, role, q string) ([]byte, error) {
	if m.exportFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.exportFn(ctx, role, q)
}

func (m *mockAuthService) ImportUsersExcel(ctx context.Context, actorID int64, r io.Reader) (*UserImportReport, error) {
	if m.importFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.importFn(ctx, actorID, r)
}

func withChiParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		rctx = chi.NewRouteContext()
	}
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestLoginPasswordSetsSessionCookie(t *testing.T) {
	h := NewHandler(&mockAuthService{
		authenticateFn: func(ctx context.Context, identifier, password string) (*User, error) {
			return &User{ID: 3, Username: identifier, Role: RoleInstitusi, IsActive: true}, nil
		},
		createSessionFn: func(ctx context.Context, userID int64, ip, ua string) (string, time.Time, error) {
			if userID != 3 {
				t.Fatalf("unexpected user id %d", userID)
			}
			return "signed-token", time.Now().Add(time.Hour), nil
		},
	}, true)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login-password", bytes.NewReader([]byte(`{"identifier":"bkpsdm","password":"rahasia123"}`)))
	w := httptest.NewRecorder()
	h.LoginPassword(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != sessionCookieName || cookies[0].Value != "signed-token" {
		t.Fatalf("unexpected cookies %+v", cookies)
	}
	if !cookies[0].Secure || !cookies[0].HttpOnly {
		t.Fatalf("session cookie must be secure and http-only")
	}
}

func TestLoginPasswordInvalidCredentials(t *testing.T) {
	h := NewHandler(&mockAuthService{
		authenticateFn: func(ctx context.Context, identifier, password string) (*User, error) {
			return nil, ErrInvalidCredentials
		},
	}, false)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login-password", bytes.NewReader([]byte(`{"identifier":"x","password":"y"}`)))
	w := httptest.NewRecorder()
	h.LoginPassword(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireAuthAcceptsBearerToken(t *testing.T) {
	h := NewHandler(&mockAuthService{
		getSessionUserFn: func(ctx context.Context, token string) (*User, error) {
			if token != "abc" {
				return nil, ErrUnauthorized
			}
			return &User{ID: 9, Role: RoleAdmin}, nil
		},
	}, false)

	var seen *User
	next := h.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = CurrentUser(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer abc")
	w := httptest.NewRecorder()
	next.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if seen == nil || seen.ID != 9 {
		t.Fatalf("expected user in context")
	}

	w = httptest.NewRecorder()
	next.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
}

func TestRequireRoles(t *testing.T) {
	h := NewHandler(&mockAuthService{}, false)
	next := h.RequireRoles(RoleAdmin, RoleVerifikator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name string
		user *User
		want int
	}{
		{name: "no user", user: nil, want: http.StatusUnauthorized},
		{name: "institusi", user: &User{ID: 1, Role: RoleInstitusi}, want: http.StatusForbidden},
		{name: "verifikator", user: &User{ID: 2, Role: RoleVerifikator}, want: http.StatusOK},
		{name: "admin", user: &User{ID: 3, Role: RoleAdmin}, want: http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.user != nil {
				req = req.WithContext(ContextWithUser(req.Context(), tc.user))
			}
			w := httptest.NewRecorder()
			next.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestLogoutRevokesAndClearsCookie(t *testing.T) {
	svc := &mockAuthService{}
	h := NewHandler(svc, false)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "tok"})
	w := httptest.NewRecorder()
	h.Logout(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(svc.revoked) != 1 || svc.revoked[0] != "tok" {
		t.Fatalf("expected session revoked, got %v", svc.revoked)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Fatalf("expected expiring cookie, got %+v", cookies)
	}
}

func TestBootstrapDenied(t *testing.T) {
	h := NewHandler(&mockAuthService{
		bootstrapFn: func(ctx context.Context, in BootstrapInput) (*User, error) { return nil, ErrBootstrapDenied },
	}, false)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/bootstrap/init", bytes.NewReader([]byte(`{"token":"x"}`)))
	w := httptest.NewRecorder()
	h.BootstrapInit(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestCreateUserConflict(t *testing.T) {
	h := NewHandler(&mockAuthService{
		createUserFn: func(ctx context.Context, actorID int64, in CreateUserInput) (*User, error) {
			if actorID != 1 || in.Role != RoleInstitusi {
				t.Fatalf("unexpected input actor=%d role=%s", actorID, in.Role)
			}
			return nil, ErrUsernameTaken
		},
	}, false)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/users", bytes.NewReader([]byte(`{"username":"bkpsdm","full_name":"BKPSDM","role":"institusi","password":"Password123"}`)))
	req = req.WithContext(ContextWithUser(req.Context(), &User{ID: 1, Role: RoleAdmin}))
	w := httptest.NewRecorder()
	h.CreateUser(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestDeactivateSelfForbidden(t *testing.T) {
	h := NewHandler(&mockAuthService{
		deactivateFn: func(ctx context.Context, actorID, userID int64) error { return ErrForbidden },
	}, false)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/users/1/deactivate", nil)
	req = withChiParam(req, "id", "1")
	req = req.WithContext(ContextWithUser(req.Context(), &User{ID: 1, Role: RoleAdmin}))
	w := httptest.NewRecorder()
	h.DeactivateUser(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestImportUsersExcelForwardsUpload(t *testing.T) {
	h := NewHandler(&mockAuthService{
		importFn: func(ctx context.Context, actorID int64, r io.Reader) (*UserImportReport, error) {
			if actorID != 1 {
				t.Fatalf("unexpected actor %d", actorID)
			}
			return &UserImportReport{TotalRows: 2, CreatedRows: 2}, nil
		},
	}, false)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("file", "akun.xlsx")
	_, _ = fw.Write([]byte("xlsx"))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/users/import", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req = req.WithContext(ContextWithUser(req.Context(), &User{ID: 1, Role: RoleAdmin}))
	w := httptest.NewRecorder()
	h.ImportUsersExcel(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestImportUsersExcelRejectsBadWorkbook(t *testing.T) {
	h := NewHandler(&mockAuthService{
		importFn: func(ctx context.Context, actorID int64, r io.Reader) (*UserImportReport, error) {
			return nil, ErrInvalidInput
		},
	}, false)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("file", "rusak.xlsx")
	_, _ = fw.Write([]byte("not a workbook"))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/users/import", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req = req.WithContext(ContextWithUser(req.Context(), &User{ID: 1, Role: RoleAdmin}))
	w := httptest.NewRecorder()
	h.ImportUsersExcel(w, req)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
}

func TestParseBoolLoose(t *testing.T) {
	cases := map[string]bool{
		"":         true,
		"ya":       true,
		"1":        true,
		"nonaktif": false,
		"tidak":    false,
		"0":        false,
		"2":        true,
	}
	for in, want := range cases {
		if got := parseBoolLoose(in); got != want {
			t.Fatalf("parseBoolLoose(%q) = %v, want %v", in, got, want)
		}
	}
}
