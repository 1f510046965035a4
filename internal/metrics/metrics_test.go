package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordUsage(t *testing.T) {
	before := testutil.ToFloat64(usageTokensTotal.WithLabelValues("metrics-test-model", "input"))

	RecordUsage("chat_response", "metrics-test-model", 2000, 500, 0.004)

	assert.Equal(t, before+2000, testutil.ToFloat64(usageTokensTotal.WithLabelValues("metrics-test-model", "input")))
	assert.InDelta(t, 0.004, testutil.ToFloat64(usageCostUSDTotal.WithLabelValues("chat_response", "metrics-test-model")), 1e-12)
}

func TestHandlerExposesCollectors(t *testing.T) {
	RecordDenied("quota_exceeded")

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gateway_admission_denied_total")
}
