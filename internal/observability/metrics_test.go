package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestMetrics_Usable verifies that label dimensions match usage across the
// cache, lock, seckill, and http packages.
func TestMetrics_Usable(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("POST", "/voucher-order/seckill/{id}", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/shop/{id}").Observe(0.01)
	CacheLookupsTotal.WithLabelValues("logical", "stale").Inc()
	CacheRebuildsTotal.WithLabelValues("success").Inc()
	LockAcquisitionsTotal.WithLabelValues("busy").Inc()
	LockReleasesTotal.WithLabelValues("not_held").Inc()
	IDsGeneratedTotal.WithLabelValues("order").Inc()
	SeckillAdmissionsTotal.WithLabelValues("admitted").Inc()
	SeckillFulfillmentsTotal.WithLabelValues("committed").Inc()
	SeckillDeadLettersTotal.WithLabelValues("decode").Inc()
	CircuitBreakerState.WithLabelValues("shop_repository").Set(0)
}

func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	SeckillPendingReplaysTotal.Inc()

	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	if body := w.Body.String(); !strings.Contains(body, "seckillPendingReplaysTotal") {
		t.Error("MetricsHandler response should contain metric output")
	}
}
