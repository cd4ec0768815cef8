package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTurn(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordTurn(OutcomeSettled, time.Second)
	m.RecordTurn(OutcomeSettled, time.Second)
	m.RecordTurn(OutcomeCancelled, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues(OutcomeSettled)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues(OutcomeCancelled)))
}

func TestInFlightAndChunks(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.TurnStarted()
	m.RecordChunk()
	m.RecordChunk()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsInFlight))
	m.TurnEnded()

	assert.Equal(t, 0.0, testutil.ToFloat64(m.TurnsInFlight))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChunksTotal))
}

func TestRecordBackendRequest(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordBackendRequest("list_chats", time.Millisecond, nil)
	m.RecordBackendRequest("list_chats", time.Millisecond, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendRequestsTotal.WithLabelValues("list_chats", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendRequestsTotal.WithLabelValues("list_chats", "error")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTurn(OutcomeFailed, time.Second)
		m.TurnStarted()
		m.TurnEnded()
		m.RecordChunk()
		m.RecordTitle("fallback")
		m.RecordBackendRequest("x", 0, nil)
	})
}
