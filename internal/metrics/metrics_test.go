package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"}, {200, "2xx"}, {201, "2xx"}, {301, "3xx"},
		{400, "4xx"}, {404, "4xx"}, {500, "5xx"}, {503, "5xx"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), tt.code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	OrderTransitionsTotal.WithLabelValues("AWAITING_ESCROW", "CANCELLED", "timeout_no_escrow").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	for _, name := range []string{"p2p_goroutines", "p2p_order_transitions_total", "p2p_sweeps_skipped_total"} {
		assert.True(t, strings.Contains(body, name), name)
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/p2p/orders/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	c := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/p2p/orders/:id", "2xx")
	before := counterValue(t, c)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/p2p/orders/ord_1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, before+1, counterValue(t, c))
}
