package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersExposed(t *testing.T) {
	before := testutil.ToFloat64(AdmissionSkips.WithLabelValues("illiquid"))
	AdmissionSkips.WithLabelValues("illiquid").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(AdmissionSkips.WithLabelValues("illiquid")))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "swingtrader_admission_skips_total"))
}
