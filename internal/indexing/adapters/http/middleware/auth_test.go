package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/security"
	"github.com/linkflow-ai/contentindex/internal/platform/logger"
)

var secret = []byte("test-secret")

func sign(t *testing.T, claims jwt.MapClaims, key []byte) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

type seen struct {
	user    model.Principal
	manager bool
	called  bool
}

func serve(t *testing.T, path, authHeader string) (*httptest.ResponseRecorder, *seen) {
	t.Helper()
	got := &seen{}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.called = true
		got.user = security.UserFrom(r.Context())
		got.manager = security.IsManager(r.Context())
	})
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	NewAuthMiddleware(secret, "manager", logger.NewNop()).Middleware(next).ServeHTTP(rec, req)
	return rec, got
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		header      string
		wantStatus  int
		wantUser    model.Principal
		wantManager bool
	}{
		{
			name:       "no token is anonymous",
			wantStatus: http.StatusOK,
			wantUser:   model.Anonymous,
		},
		{
			name:       "numeric user id",
			header:     "Bearer " + sign(t, jwt.MapClaims{"user_id": 42}, secret),
			wantStatus: http.StatusOK,
			wantUser:   model.User{ID: 42},
		},
		{
			name:       "string user id",
			header:     "Bearer " + sign(t, jwt.MapClaims{"user_id": "7", "roles": []string{"editor"}}, secret),
			wantStatus: http.StatusOK,
			wantUser:   model.User{ID: 7},
		},
		{
			name:        "manager role",
			header:      "Bearer " + sign(t, jwt.MapClaims{"user_id": 1, "roles": []string{"editor", "manager"}}, secret),
			wantStatus:  http.StatusOK,
			wantUser:    model.User{ID: 1},
			wantManager: true,
		},
		{
			name:       "wrong secret",
			header:     "Bearer " + sign(t, jwt.MapClaims{"user_id": 42}, []byte("other")),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "malformed header",
			header:     "Token abc",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing user id",
			header:     "Bearer " + sign(t, jwt.MapClaims{"roles": []string{"manager"}}, secret),
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, got := serve(t, "/api/v1/search", tt.header)
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus != http.StatusOK {
				assert.False(t, got.called)
				assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")
				return
			}
			require.True(t, got.called)
			assert.Equal(t, tt.wantUser, got.user)
			assert.Equal(t, tt.wantManager, got.manager)
		})
	}
}

func TestAuthMiddlewareSkipsHealth(t *testing.T) {
	rec, got := serve(t, "/health/ready", "Token garbage")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, got.called)
}
