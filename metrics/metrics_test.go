package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeRequestMatchesFormulas(t *testing.T) {
	const nsPerSec = int64(1e9)
	oldest := int64(0)
	newest := 2 * nsPerSec
	before := 5 * nsPerSec
	after := 6 * nsPerSec

	got := ComputeRequest(before, after, oldest, newest)

	assert.Equal(t, 5.0, got.LargestLatencyBeforeRequest)
	assert.Equal(t, 3.0, got.SmallestLatencyBeforeRequest)
	assert.Equal(t, 1.0, got.RequestRTT)
	assert.Equal(t, 6.0, got.LargestLatencyAfterRequest)
	assert.Equal(t, 4.0, got.SmallestLatencyAfterRequest)
}

func TestHandlerServesMetrics(t *testing.T) {
	r := New()
	r.Observe(ComputeRequest(5e9, 6e9, 0, 2e9))
	r.WriteOutcome("success")
	r.PointsWritten(10)
	r.QueueDropped("ingest", "drop_oldest")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, req)

	require.Equal(t, 200, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "nominal_client_request_rtt_seconds")
	assert.Contains(t, body, "nominal_client_writes_total")
	assert.Contains(t, body, `outcome="success"`)
	assert.Contains(t, body, "nominal_client_points_written_total 10")
	assert.Contains(t, body, `queue="ingest"`)
}

func TestRecordersAreIndependent(t *testing.T) {
	a := New()
	b := New()
	a.PointsWritten(5)

	reqA := httptest.NewRequest("GET", "/metrics", nil)
	rrA := httptest.NewRecorder()
	a.Handler().ServeHTTP(rrA, reqA)
	assert.Contains(t, rrA.Body.String(), "nominal_client_points_written_total 5")

	reqB := httptest.NewRequest("GET", "/metrics", nil)
	rrB := httptest.NewRecorder()
	b.Handler().ServeHTTP(rrB, reqB)
	assert.NotContains(t, rrB.Body.String(), "nominal_client_points_written_total 5")
}
