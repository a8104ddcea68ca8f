package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/viewhost/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestRegisterMetricsIsIdempotent(t *testing.T) {
	testlog.Start(t)

	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("host", "GET", "/health", 200, 12*time.Millisecond)
	RecordRPC("fetch-info", 24*time.Millisecond, false)
}

func TestRecordersCount(t *testing.T) {
	testlog.Start(t)

	before := testutil.ToFloat64(actionsDispatched.WithLabelValues("guest", "servers/added"))
	RecordAction("guest", "servers/added")
	RecordAction("guest", "servers/added")
	if got := testutil.ToFloat64(actionsDispatched.WithLabelValues("guest", "servers/added")) - before; got != 2 {
		t.Fatalf("expected 2 recorded actions, got %v", got)
	}

	violations := testutil.ToFloat64(protocolViolations.WithLabelValues("host"))
	RecordProtocolViolation("host")
	if got := testutil.ToFloat64(protocolViolations.WithLabelValues("host")) - violations; got != 1 {
		t.Fatalf("expected 1 violation, got %v", got)
	}

	connected := testutil.ToFloat64(guestsConnected)
	GuestConnected()
	GuestConnected()
	GuestDisconnected()
	if got := testutil.ToFloat64(guestsConnected) - connected; got != 1 {
		t.Fatalf("expected gauge delta 1, got %v", got)
	}
}

func TestRequestMetricsUsesRoutePattern(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(RequestLogger(zerolog.Nop()))
	r.Use(RequestMetricsMiddleware("host"))
	r.GET("/guests/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	before := testutil.ToFloat64(httpRequests.WithLabelValues("host", "GET", "/guests/:id", "204"))
	unmatched := testutil.ToFloat64(httpRequests.WithLabelValues("host", "GET", "unmatched", "404"))
	for _, path := range []string{"/guests/a", "/guests/b", "/nowhere"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("host", "GET", "/guests/:id", "204")) - before; got != 2 {
		t.Fatalf("expected 2 requests under the route pattern, got %v", got)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("host", "GET", "unmatched", "404")) - unmatched; got != 1 {
		t.Fatalf("expected 1 unmatched request, got %v", got)
	}
}
