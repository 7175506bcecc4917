package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"firebase.google.com/go/v4/auth"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/addonhub/internal/models"
)

type fakeVerifier map[string]*auth.Token

func (f fakeVerifier) VerifyIDToken(_ context.Context, idToken string) (*auth.Token, error) {
	if tok, ok := f[idToken]; ok {
		return tok, nil
	}
	return nil, errors.New("token expired")
}

type fakeEntitlements struct{ err error }

func (f fakeEntitlements) Resolve(_ context.Context, _, _ string) (*models.Entitlements, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Entitlements{Tier: models.TierPro, PerProduct: map[models.ProductType]bool{"blenderbin": true}}, nil
}

func (f fakeEntitlements) Require(ctx context.Context, userID, email string, _ models.ProductType) (*models.Entitlements, error) {
	return f.Resolve(ctx, userID, email)
}

func (fakeEntitlements) Invalidate(context.Context, string) {}

func newAuthRouter(t *testing.T, ents fakeEntitlements) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	verifier := fakeVerifier{"good": {UID: "uid1", Claims: map[string]interface{}{"email": "a@example.com", "name": "Ann"}}}
	mw := NewAuthMiddleware(verifier, ents, zaptest.NewLogger(t))

	r := gin.New()
	r.GET("/me", mw.VerifyToken(), func(c *gin.Context) {
		id, ok := GetIdentity(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		tier := "none"
		if id.Entitlements != nil {
			tier = string(id.Entitlements.Tier)
		}
		c.JSON(http.StatusOK, gin.H{"uid": id.UserID, "email": id.Email, "name": id.DisplayName, "tier": tier})
	})
	return r
}

func TestVerifyToken(t *testing.T) {
	r := newAuthRouter(t, fakeEntitlements{})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"invalid token", "Bearer bad", http.StatusUnauthorized},
		{"valid token", "bearer good", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestVerifyTokenAttachesIdentity(t *testing.T) {
	r := newAuthRouter(t, fakeEntitlements{})
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"uid":"uid1","email":"a@example.com","name":"Ann","tier":"pro"}`, w.Body.String())
}

func TestVerifyTokenEntitlementFailureStillAuthenticates(t *testing.T) {
	r := newAuthRouter(t, fakeEntitlements{err: errors.New("store down")})
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tier":"none"`)
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	r := gin.New()
	r.Use(RequestLogger(logger), RecoveryMiddleware(logger))
	r.GET("/boom", func(*gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Internal Server Error")
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORSMiddleware("https://app.test, https://admin.test"))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://admin.test")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "https://admin.test", w.Header().Get("Access-Control-Allow-Origin"))
}
