package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "livecast/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func perform(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "192.0.2.1:51000"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestErrorHandlerRendersAppError(t *testing.T) {
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/boom", func(c *gin.Context) {
		c.Error(apperrors.NewCapacityError("too many rooms"))
	})

	w := perform(router, http.MethodGet, "/boom")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "CAPACITY")
	assert.Contains(t, w.Body.String(), "too many rooms")
}

func TestErrorHandlerDefaultsTo500(t *testing.T) {
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/boom", func(c *gin.Context) {
		c.Error(assert.AnError)
	})

	w := perform(router, http.MethodGet, "/boom")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestRecoveryMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()))
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	w := perform(router, http.MethodGet, "/panic")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestCORSMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(CORSMiddleware())
	router.GET("/ok", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := perform(router, http.MethodGet, "/ok")
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = perform(router, http.MethodOptions, "/ok")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRateLimitDisabledPassesThrough(t *testing.T) {
	router := gin.New()
	router.Use(RateLimitMiddleware(false, 1, 1))
	router.GET("/ok", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 10; i++ {
		w := perform(router, http.MethodGet, "/ok")
		require.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimitEnforcesBurst(t *testing.T) {
	router := gin.New()
	router.Use(RateLimitMiddleware(true, 0.1, 2))
	router.GET("/ok", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, perform(router, http.MethodGet, "/ok").Code)
	assert.Equal(t, http.StatusOK, perform(router, http.MethodGet, "/ok").Code)
	assert.Equal(t, http.StatusTooManyRequests, perform(router, http.MethodGet, "/ok").Code)
}

func TestRateLimitKeysByClientIP(t *testing.T) {
	router := gin.New()
	router.Use(RateLimitMiddleware(true, 0.1, 1))
	router.GET("/ok", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	first := httptest.NewRequest(http.MethodGet, "/ok", nil)
	first.RemoteAddr = "192.0.2.1:51000"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, first)
	require.Equal(t, http.StatusOK, w.Code)

	// Exhausted for the first address.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, first)
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	// A different address gets its own bucket.
	second := httptest.NewRequest(http.MethodGet, "/ok", nil)
	second.RemoteAddr = "198.51.100.9:42000"
	w = httptest.NewRecorder()
	router.ServeHTTP(w, second)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:40000"
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	assert.Equal(t, "203.0.113.7", clientIP(req))

	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "10.0.0.1", clientIP(req))
}
