package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorfin/copy-executor/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func seededKeyStore(t *testing.T) *store.MemoryAPIKeyStore {
	t.Helper()
	keys := store.NewMemoryAPIKeyStore()
	require.NoError(t, keys.Put(context.Background(), "sk_user", store.APIKeyIdentity{
		UserID:      "user-1",
		Permissions: []string{"read", "trade"},
	}))
	require.NoError(t, keys.Put(context.Background(), "sk_admin", store.APIKeyIdentity{
		UserID:      "operator",
		Permissions: []string{"read", "trade", "admin"},
	}))
	return keys
}

func authedRouter(t *testing.T) *gin.Engine {
	t.Helper()
	r := gin.New()
	authed := r.Group("", APIKeyAuth(seededKeyStore(t)))
	authed.GET("/whoami", func(c *gin.Context) {
		identity, ok := currentUser(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"userId": identity.UserID})
	})
	admin := authed.Group("", RequireAdmin())
	admin.GET("/admin-only", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func doRequest(r *gin.Engine, apiKey, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAPIKeyAuthMissingKey(t *testing.T) {
	w := doRequest(authedRouter(t), "", "/whoami")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Missing API key. Include X-API-Key header.")
}

func TestAPIKeyAuthUnknownKey(t *testing.T) {
	w := doRequest(authedRouter(t), "sk_bogus", "/whoami")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid API key.")
}

func TestAPIKeyAuthResolvesIdentity(t *testing.T) {
	w := doRequest(authedRouter(t), "sk_user", "/whoami")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "user-1")
}

func TestRequireAdmin(t *testing.T) {
	r := authedRouter(t)

	w := doRequest(r, "sk_user", "/admin-only")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "Admin permission required")

	w = doRequest(r, "sk_admin", "/admin-only")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter(t *testing.T) {
	r := gin.New()
	r.Use(RateLimiter(RateLimit{Window: time.Hour, MaxRequests: 3}))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		w := doRequest(r, "", "/ping")
		require.Equal(t, http.StatusOK, w.Code, "request %d inside the budget", i+1)
	}

	w := doRequest(r, "", "/ping")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "Too many requests. Please slow down.")
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := doRequest(r, "", "/ping")

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "1; mode=block", w.Header().Get("X-XSS-Protection"))
	assert.Contains(t, w.Header().Get("Strict-Transport-Security"), "max-age=")
}

func TestHealthEndpoint(t *testing.T) {
	r, srv := NewServer(ServerConfig{Addr: ":0"})
	require.NotNil(t, srv)

	w := doRequest(r, "", "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}
