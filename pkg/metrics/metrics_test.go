package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventCounters(t *testing.T) {
	m := New()
	m.Event("Deposited", true)
	m.Event("Deposited", true)
	m.Event("Deposited", false)
	m.Event("Withdrawn", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsApplied.WithLabelValues("Deposited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsSkipped.WithLabelValues("Deposited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsApplied.WithLabelValues("Withdrawn")))
}

func TestOtherCollectors(t *testing.T) {
	m := New()
	m.DecodeFailure("live")
	m.Page()
	m.Page()
	m.PriceFailure("pyth")
	m.SinkFailure("webhook")
	m.SetActiveStakes(3)
	m.ObserveReplay(1.5)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeFailures.WithLabelValues("live")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PagesFetched))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PriceFailures.WithLabelValues("pyth")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SinkFailures.WithLabelValues("webhook")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveStakes))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ReplayDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Event("Deposited", true)
		m.DecodeFailure("history")
		m.Page()
		m.PriceFailure("saucerswap")
		m.SinkFailure("file")
		m.SetActiveStakes(1)
		m.ObserveReplay(1)
	})
}

func TestIndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.Page()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.PagesFetched))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.PagesFetched))
}

func TestHandler(t *testing.T) {
	m := New()
	m.Event("EpochStarted", true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `holding_mirror_events_applied_total{kind="EpochStarted"} 1`)
}
