package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveReload(time.Millisecond, nil)
	m.ObserveInvocation("user-call")
	m.SetUnits(3)
	assert.NotNil(t, m.Handler())
}

func TestCounters(t *testing.T) {
	m := New()

	m.ObserveReload(2*time.Millisecond, nil)
	m.ObserveReload(time.Millisecond, errors.New("syntax"))
	m.ObserveReload(time.Millisecond, nil)
	m.ObserveInvocation("")
	m.ObserveInvocation("reload")
	m.SetUnits(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.reloads.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reloads.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invocations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invocations.WithLabelValues("reload")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.units))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.ObserveInvocation("")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `minireload_invocations_total{result="ok"} 1`))
}
