package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/autolens/autolens-api/internal/pkg/jwt"
)

func authedHandler(t *testing.T, jwtService *jwt.Service, wantUser uuid.UUID) http.Handler {
	t.Helper()
	return Auth(jwtService)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := GetUserID(r.Context()); got != wantUser {
			t.Errorf("user id in context = %s, want %s", got, wantUser)
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func TestAuthAcceptsValidToken(t *testing.T) {
	jwtService := jwt.NewService("test-secret", time.Minute)
	userID := uuid.New()

	token, err := jwtService.GenerateAccessToken(userID)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	authedHandler(t, jwtService, userID).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAuthRejectsMissingHeader(t *testing.T) {
	jwtService := jwt.NewService("test-secret", time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	authedHandler(t, jwtService, uuid.Nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthRejectsMalformedHeader(t *testing.T) {
	jwtService := jwt.NewService("test-secret", time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Token abc")
	rec := httptest.NewRecorder()

	authedHandler(t, jwtService, uuid.Nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthRejectsExpiredToken(t *testing.T) {
	jwtService := jwt.NewService("test-secret", -time.Minute)

	token, err := jwtService.GenerateAccessToken(uuid.New())
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	authedHandler(t, jwtService, uuid.Nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthRejectsForeignSignature(t *testing.T) {
	jwtService := jwt.NewService("test-secret", time.Minute)
	other := jwt.NewService("other-secret", time.Minute)

	token, err := other.GenerateAccessToken(uuid.New())
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	authedHandler(t, jwtService, uuid.Nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
