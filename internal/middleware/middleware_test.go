package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"picoammeter-service/internal/config"
	"picoammeter-service/internal/observability"
	"picoammeter-service/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(metrics *observability.Metrics) *gin.Engine {
	logger := zap.NewNop()

	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggingMiddleware(utils.NewServiceLogger(logger, "test"), metrics))
	r.Use(CORSMiddleware(&config.SecurityConfig{}))

	r.GET("/ok", func(c *gin.Context) {
		utils.SuccessResponse(c, http.StatusOK, "ok", nil)
	})
	r.GET("/panic", func(*gin.Context) {
		panic("serial driver exploded")
	})
	return r
}

func TestRequestID(t *testing.T) {
	t.Parallel()
	r := newEngine(nil)

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
	var resp utils.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "abc-123", resp.RequestID)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36, "generated ids are uuids")
}

func TestRecovery(t *testing.T) {
	t.Parallel()
	r := newEngine(nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp utils.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "INTERNAL_SERVER_ERROR", resp.Error.Code)
}

func TestLogging_CountsByRoute(t *testing.T) {
	t.Parallel()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r := newEngine(metrics)

	for iter := 0; iter < 2; iter++ {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	assert.InDelta(t, 2.0, testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET", "/ok", "200")), 0)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET", "unmatched", "404")), 0)
}

func TestCORS_AllowsAnyOriginByDefault(t *testing.T) {
	t.Parallel()
	r := newEngine(nil)

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set("Origin", "http://lab-pc.local")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
