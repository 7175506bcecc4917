package middleware

import (
	"context"
	"net/http"
	"strings"

	"firebase.google.com/go/v4/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/addonhub/internal/core"
	"github.com/example/addonhub/internal/models"
)

// identityKey is the gin context key under which VerifyToken stores the
// authenticated models.Identity.
const identityKey = "identity"

// ErrorResponse is a local definition for sending standardized error messages.
// It mirrors the one in internal/api to avoid an import cycle.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// TokenVerifier checks a Firebase ID token. *auth.Client satisfies it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// AuthMiddleware provides Gin middleware for Firebase token authentication.
// When an EntitlementService is configured it also resolves the caller's
// entitlements so handlers can gate on them without another store read.
type AuthMiddleware struct {
	verifier     TokenVerifier
	entitlements core.EntitlementService
	logger       *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware instance. It panics on a nil
// verifier, which is a setup error.
func NewAuthMiddleware(verifier TokenVerifier, entitlements core.EntitlementService, logger *zap.Logger) *AuthMiddleware {
	if verifier == nil {
		panic("AuthMiddleware requires a token verifier")
	}
	return &AuthMiddleware{verifier: verifier, entitlements: entitlements, logger: logger}
}

// VerifyToken returns a gin.HandlerFunc that verifies the Firebase ID token
// from the Authorization header. On success the caller's identity, augmented
// with resolved entitlements, is stored in the Gin context together with the
// "userID" key used by the request logger. Any token problem aborts with 401.
func (m *AuthMiddleware) VerifyToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Extract the token from the "Bearer <token>" header.
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "Authorization header is required"})
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "Authorization header format must be 'Bearer {token}'"})
			return
		}

		// Signature, expiry and audience are checked by the Firebase client.
		token, err := m.verifier.VerifyIDToken(c.Request.Context(), parts[1])
		if err != nil {
			m.logger.Info("Rejected ID token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "Invalid or expired authentication token"})
			return
		}

		// Profile fields come from the standard Firebase claims and may be absent.
		id := models.Identity{UserID: token.UID}
		id.Email, _ = token.Claims["email"].(string)
		id.DisplayName, _ = token.Claims["name"].(string)
		id.PhotoURL, _ = token.Claims["picture"].(string)

		if m.entitlements != nil {
			ents, err := m.entitlements.Resolve(c.Request.Context(), id.UserID, id.Email)
			if err != nil {
				// Handlers resolve again on demand when this is nil.
				m.logger.Warn("Failed to resolve entitlements", zap.String("userID", id.UserID), zap.Error(err))
			} else {
				id.Entitlements = ents
			}
		}

		c.Set(identityKey, id)
		c.Set("userID", id.UserID)
		c.Next()
	}
}

// GetIdentity returns the identity set by VerifyToken. The boolean is false
// on routes that did not run VerifyToken.
func GetIdentity(c *gin.Context) (models.Identity, bool) {
	raw, ok := c.Get(identityKey)
	if !ok {
		return models.Identity{}, false
	}
	id, ok := raw.(models.Identity)
	return id, ok && id.UserID != ""
}
