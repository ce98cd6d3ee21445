package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"relaymesh/internal/core/domain"
	"relaymesh/pkg/config"
	"relaymesh/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func serve(router *gin.Engine, path string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, m := range mutate {
		m(req)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestHTTPRateLimitMiddleware_Disabled(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, serve(router, "/test").Code)
	}
}

func TestHTTPRateLimitMiddleware_LimitsPerClient(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(router, "/test").Code)

	limited := serve(router, "/test")
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(limited.Body.Bytes(), &body))
	assert.Equal(t, string(errors.ErrCodeRateLimit), body["error"])

	other := serve(router, "/test", func(r *http.Request) {
		r.Header.Set("X-Forwarded-For", "10.1.2.3, 192.168.0.1")
	})
	assert.Equal(t, http.StatusOK, other.Code, "a different client has its own bucket")
}

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/missing", func(c *gin.Context) {
		_ = c.Error(fmt.Errorf("lookup: %w", domain.ErrStreamNotFound))
	})
	router.GET("/party", func(c *gin.Context) {
		_ = c.Error(fmt.Errorf("disconnect bob: %w", domain.ErrPartyNotFound))
	})
	router.GET("/closed", func(c *gin.Context) {
		_ = c.Error(domain.ErrAgentClosed)
	})
	router.GET("/app", func(c *gin.Context) {
		_ = c.Error(errors.NewInvalidInputError("bad id"))
	})
	router.GET("/boom", func(c *gin.Context) {
		_ = c.Error(fmt.Errorf("boom"))
	})

	assert.Equal(t, http.StatusNotFound, serve(router, "/missing").Code)
	assert.Equal(t, http.StatusNotFound, serve(router, "/party").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(router, "/closed").Code)
	assert.Equal(t, http.StatusBadRequest, serve(router, "/app").Code)
	assert.Equal(t, http.StatusInternalServerError, serve(router, "/boom").Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()))
	router.GET("/panic", func(c *gin.Context) { panic("handler exploded") })

	assert.Equal(t, http.StatusInternalServerError, serve(router, "/panic").Code)
}

func TestTracingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder)))
	defer otel.SetTracerProvider(previous)

	router := gin.New()
	router.Use(TracingMiddleware())
	router.GET("/api/v1/parties/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	router.GET("/api/v1/streams/:id", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	assert.Equal(t, http.StatusNoContent, serve(router, "/api/v1/parties/alice").Code)
	assert.Equal(t, http.StatusInternalServerError, serve(router, "/api/v1/streams/stream-a").Code)

	ended := recorder.Ended()
	require.Len(t, ended, 2)

	assert.Equal(t, "GET /api/v1/parties/:id", ended[0].Name())
	assert.Contains(t, ended[0].Attributes(), attribute.String("party.id", "alice"))
	assert.Equal(t, codes.Unset, ended[0].Status().Code)

	assert.Contains(t, ended[1].Attributes(), attribute.String("stream.id", "stream-a"))
	assert.Equal(t, codes.Error, ended[1].Status().Code)
}
