package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/security"
	"github.com/linkflow-ai/contentindex/internal/platform/logger"
	"github.com/linkflow-ai/contentindex/internal/platform/response"
)

// AuthMiddleware resolves the caller of a request from an optional bearer
// token. Requests without a token search as the anonymous user.
type AuthMiddleware struct {
	jwtSecret   []byte
	managerRole string
	skipPaths   []string
	logger      logger.Logger
}

// NewAuthMiddleware creates a new auth middleware. Tokens carrying
// managerRole in their roles claim bypass the access filter.
func NewAuthMiddleware(jwtSecret []byte, managerRole string, log logger.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		jwtSecret:   jwtSecret,
		managerRole: managerRole,
		skipPaths: []string{
			"/health/",
			"/metrics",
		},
		logger: log,
	}
}

// Middleware returns the middleware handler
func (m *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, path := range m.skipPaths {
			if strings.HasPrefix(r.URL.Path, path) {
				next.ServeHTTP(w, r)
				return
			}
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			m.respondUnauthorized(w, "invalid authorization header format")
			return
		}

		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return m.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			m.logger.Debug("Rejected token", "error", err)
			m.respondUnauthorized(w, "invalid token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			m.respondUnauthorized(w, "invalid token claims")
			return
		}

		user, err := userFromClaims(claims)
		if err != nil {
			m.respondUnauthorized(w, err.Error())
			return
		}

		ctx := security.WithUser(r.Context(), user)
		if m.managerRole != "" && hasRole(claims, m.managerRole) {
			ctx = security.WithManager(ctx)
		}
		r.Header.Set("X-User-ID", strconv.FormatUint(user.ID, 10))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userFromClaims reads the numeric user_id claim, sent either as a JSON
// number or a string
func userFromClaims(claims jwt.MapClaims) (model.User, error) {
	switch v := claims["user_id"].(type) {
	case float64:
		if v <= 0 || v != float64(uint64(v)) {
			return model.User{}, fmt.Errorf("invalid user_id claim")
		}
		return model.User{ID: uint64(v)}, nil
	case string:
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil || id == 0 {
			return model.User{}, fmt.Errorf("invalid user_id claim")
		}
		return model.User{ID: id}, nil
	}
	return model.User{}, fmt.Errorf("missing user_id claim")
}

func hasRole(claims jwt.MapClaims, role string) bool {
	switch roles := claims["roles"].(type) {
	case []interface{}:
		for _, r := range roles {
			if s, ok := r.(string); ok && s == role {
				return true
			}
		}
	case string:
		for _, s := range strings.Fields(roles) {
			if s == role {
				return true
			}
		}
	}
	return false
}

func (m *AuthMiddleware) respondUnauthorized(w http.ResponseWriter, message string) {
	response.ErrorWithMessage(w, http.StatusUnauthorized, response.ErrUnauthorized.Code, message)
}
