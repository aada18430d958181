package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-discipline-api/internal/models"
	"github.com/noah-isme/sma-discipline-api/internal/service"
	"github.com/noah-isme/sma-discipline-api/pkg/config"
)

const testSecret = "route-test-secret"

func testRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{Env: config.EnvProduction, APIPrefix: "/api/v1"}
	auth := service.NewAuthService(nil, nil, nil, zap.NewNop(), service.AuthConfig{AccessTokenSecret: testSecret, Issuer: "sma-discipline-api"})
	return newRouter(cfg, zap.NewNop(), routerDeps{auth: auth, metrics: service.NewMetricsService()})
}

func tokenFor(t *testing.T, role models.UserRole) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &models.JWTClaims{
		UserID: "usr-" + string(role),
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "sma-discipline-api",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func do(r *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouterProbes(t *testing.T) {
	r := testRouter(t)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/ready", "", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/metrics", "", "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/docs/index.html", "", "").Code, "docs are hidden in production")
}

type stubPinger struct{ err error }

func (p stubPinger) PingContext(ctx context.Context) error { return p.err }

func TestRouterReadyPingsDatabase(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{Env: config.EnvProduction, APIPrefix: "/api/v1"}
	deps := routerDeps{metrics: service.NewMetricsService(), db: stubPinger{err: errors.New("connection refused")}}

	r := newRouter(cfg, zap.NewNop(), deps)
	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodGet, "/ready", "", "").Code)

	deps.db = stubPinger{}
	r = newRouter(cfg, zap.NewNop(), deps)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/ready", "", "").Code)
}

func TestRouterAccessControl(t *testing.T) {
	r := testRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		role   models.UserRole
		status int
	}{
		{"anonymous case list", http.MethodGet, "/api/v1/cases", "", http.StatusUnauthorized},
		{"student cannot read cases", http.MethodGet, "/api/v1/cases", models.RoleStudent, http.StatusForbidden},
		{"teacher cannot edit catalog", http.MethodPost, "/api/v1/violation-types", models.RoleTeacher, http.StatusForbidden},
		{"headmaster cannot edit catalog", http.MethodDelete, "/api/v1/violation-types/t-1", models.RoleHeadmaster, http.StatusForbidden},
		{"teacher cannot force reconcile", http.MethodPost, "/api/v1/students/stu-1/reconcile", models.RoleTeacher, http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			token := ""
			if tc.role != "" {
				token = tokenFor(t, tc.role)
			}
			assert.Equal(t, tc.status, do(r, tc.method, tc.path, token, "").Code)
		})
	}
}

func TestRouterMe(t *testing.T) {
	r := testRouter(t)
	w := do(r, http.MethodGet, "/api/v1/auth/me", tokenFor(t, models.RoleCounselor), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "usr-COUNSELOR")
}

func TestRouterLoginValidatesPayload(t *testing.T) {
	r := testRouter(t)
	w := do(r, http.MethodPost, "/api/v1/auth/login", "", "not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
