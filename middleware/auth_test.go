package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestCreateAndParseJWT(t *testing.T) {
	auth := NewJWTAuth([]byte("test-secret"))

	token, err := auth.CreateJWT(AppClaims{UID: 42, DeviceID: "laptop", Workspaces: map[string]string{"ws-1": "member"}}, time.Hour)
	if err != nil {
		t.Fatalf("CreateJWT() failed: %v", err)
	}

	claims, err := auth.ParseJWT(token)
	if err != nil {
		t.Fatalf("ParseJWT() failed: %v", err)
	}
	if claims.UID != 42 || claims.DeviceID != "laptop" || claims.Workspaces["ws-1"] != "member" {
		t.Errorf("unexpected claims: %+v", claims)
	}
	if claims.Subject != "42" {
		t.Errorf("Subject = %q, want 42", claims.Subject)
	}
}

func TestParseJWT_Rejects(t *testing.T) {
	auth := NewJWTAuth([]byte("test-secret"))
	other := NewJWTAuth([]byte("other-secret"))

	foreign, _ := other.CreateJWT(AppClaims{UID: 1}, time.Hour)
	if _, err := auth.ParseJWT(foreign); err == nil {
		t.Error("token signed with another secret should be rejected")
	}

	expired, _ := auth.CreateJWT(AppClaims{UID: 1}, -time.Minute)
	if _, err := auth.ParseJWT(expired); err == nil {
		t.Error("expired token should be rejected")
	}

	if _, err := NewJWTAuth(nil).ParseJWT("whatever"); err == nil {
		t.Error("empty secret should reject every token")
	}
}

func TestAuthJWT(t *testing.T) {
	auth := NewJWTAuth([]byte("test-secret"))
	token, _ := auth.CreateJWT(AppClaims{UID: 7}, time.Hour)

	var gotUID int64
	handler := auth.AuthJWT(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if ok {
			gotUID = claims.UID
		}
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer abc", http.StatusUnauthorized},
		{"valid token", "Bearer " + token, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tt.status {
				t.Errorf("status = %d, want %d", rr.Code, tt.status)
			}
		})
	}

	if gotUID != 7 {
		t.Errorf("claims uid = %d, want 7", gotUID)
	}
}

func TestRequireWorkspace(t *testing.T) {
	handler := RequireWorkspace(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	claims := &AppClaims{UID: 7, Workspaces: map[string]string{"ws-1": "viewer"}}

	tests := []struct {
		name      string
		workspace string
		claims    *AppClaims
		want      int
	}{
		{"member", "ws-1", claims, http.StatusOK},
		{"other workspace", "ws-2", claims, http.StatusForbidden},
		{"no claims", "ws-1", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rctx := chi.NewRouteContext()
			rctx.URLParams.Add("workspaceId", tt.workspace)
			ctx := context.WithValue(context.Background(), chi.RouteCtxKey, rctx)
			if tt.claims != nil {
				ctx = context.WithValue(ctx, ClaimsContextKey, tt.claims)
			}
			req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}
