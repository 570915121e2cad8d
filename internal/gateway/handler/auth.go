// Package handler contains the Gin handlers for the daemon's HTTP surface:
// the delegation wire protocol, the agents and IAM management API, the
// event stream, and admin authentication.
package handler

import (
	"crypto/ed25519"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// adminTokenTTL bounds how long an issued admin session token is honored.
const adminTokenTTL = 24 * time.Hour

// AuthHandler issues and verifies admin session tokens. Tokens are EdDSA
// JWTs signed with the node identity key; the admin secret itself is held
// only as a bcrypt hash.
type AuthHandler struct {
	secretHash []byte // nil = auth disabled (open mode)
	priv       ed25519.PrivateKey
	pub        ed25519.PublicKey
	logger     *zap.Logger
}

// NewAuthHandler creates an AuthHandler. adminSecret "" disables admin auth
// entirely; every protected route then accepts unauthenticated requests.
func NewAuthHandler(adminSecret string, priv ed25519.PrivateKey, logger *zap.Logger) (*AuthHandler, error) {
	h := &AuthHandler{
		priv:   priv,
		pub:    priv.Public().(ed25519.PublicKey),
		logger: logger,
	}
	if adminSecret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(adminSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		h.secretHash = hash
	}
	return h, nil
}

// Register registers auth routes on the given group.
func (h *AuthHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/auth/token", h.IssueToken)
}

// IssueToken handles POST /auth/token — exchanges the admin secret for a
// session JWT.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	if h.secretHash == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "admin auth is not configured"})
		return
	}
	var req struct {
		Secret string `json:"secret"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := bcrypt.CompareHashAndPassword(h.secretHash, []byte(req.Secret)); err != nil {
		h.logger.Warn("admin token request with wrong secret", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid admin secret"})
		return
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(adminTokenTTL)),
	})
	signed, err := token.SignedString(h.priv)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token signing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      signed,
		"expires_at": now.Add(adminTokenTTL).UTC().Format(time.RFC3339),
	})
}

// RequireToken returns a middleware enforcing a valid admin JWT. When no
// admin secret is configured it is a no-op (open mode).
func (h *AuthHandler) RequireToken() gin.HandlerFunc {
	if h.secretHash == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		token, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return h.pub, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}
