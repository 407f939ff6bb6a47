package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ganger-platform/aigateway/pkg/models"
)

// Roles carried in tokens.
const (
	RoleApp   = "app"
	RoleAdmin = "admin"
)

var (
	ErrMissingToken     = errors.New("missing authorization token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token expired")
	ErrInsufficientRole = errors.New("insufficient role")
)

type contextKey string

const claimsKey contextKey = "aigw_claims"

// Claims identify the calling application.
type Claims struct {
	App       string `json:"app"`
	Role      string `json:"role"`
	ExpiresAt int64  `json:"exp"`
}

type jwtClaims struct {
	App  string `json:"app"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken signs an HS256 token for app.
func GenerateToken(app, role string, secret []byte, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("empty signing secret")
	}
	now := time.Now()
	claims := jwtClaims{
		App:  app,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   app,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ValidateToken parses tokenStr and returns its claims.
func ValidateToken(tokenStr string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &jwtClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	jc, ok := token.Claims.(*jwtClaims)
	if !ok || !token.Valid || jc.App == "" {
		return nil, ErrInvalidToken
	}
	c := &Claims{App: jc.App, Role: jc.Role}
	if jc.ExpiresAt != nil {
		c.ExpiresAt = jc.ExpiresAt.Unix()
	}
	return c, nil
}

// ClaimsFrom returns the claims the auth middleware stored, or nil in dev mode.
func ClaimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

// authMiddleware validates bearer tokens. A nil secret lets every request
// through unauthenticated.
func authMiddleware(secret []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	if secret == nil {
		logger.Warn("JWT authentication disabled (dev mode): no auth.jwt_secret configured")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == nil {
				next.ServeHTTP(w, r)
				return
			}
			tok := extractToken(r)
			if tok == "" {
				writeError(w, models.NewError(models.CodeAuthenticationRequired, ErrMissingToken))
				return
			}
			claims, err := ValidateToken(tok, secret)
			if err != nil {
				writeError(w, models.NewError(models.CodeAuthenticationRequired, err))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

// requireAdmin rejects tokens without the admin role. Dev mode passes.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := ClaimsFrom(r.Context()); c != nil && c.Role != RoleAdmin {
			writeForbidden(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return r.Header.Get("x-api-key")
}
