package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_Idempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	second := New(reg)
	require.NoError(t, second.Register(), "a second Metrics on the same registry is tolerated")

	second.RecordSend("t", OutcomeSent, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendTotal.WithLabelValues("t", OutcomeSent)), "second Metrics records into the registered series")
}

func TestRecordSend(t *testing.T) {
	m := New(prometheus.NewRegistry())
	require.NoError(t, m.Register())

	m.RecordSend("ide-messages", OutcomeSent, 1)
	m.RecordSend("ide-messages", OutcomeSent, 3)
	m.RecordSend("ide-messages", OutcomeGaveUp, 5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sendTotal.WithLabelValues("ide-messages", OutcomeSent)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendTotal.WithLabelValues("ide-messages", OutcomeGaveUp)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.sendAttempts))
}

func TestRecordReceive(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordReceive("t", "s", OutcomeCompleted, 1)
	m.RecordReceive("t", "s", OutcomeDeadLettered, 10)
	m.RecordReceive("t", "s", OutcomeDecodeError, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.receiveTotal.WithLabelValues("t", "s", OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLetterTotal.WithLabelValues("t", "s")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.receiveTotal.WithLabelValues("t", "s", OutcomeDecodeError)))
}

func TestRecordReplayedAndPurged(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordReplayed("t", "s", 3)
	m.RecordPurged("t", "s", 2)
	m.RecordPurged("t", "s", 0)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.replayedTotal.WithLabelValues("t", "s")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.purgedTotal.WithLabelValues("t", "s")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NoError(t, m.Register())
	m.RecordSend("t", OutcomeSent, 1)
	m.RecordReceive("t", "s", OutcomeCompleted, 1)
	m.RecordReplayed("t", "s", 1)
	m.RecordPurged("t", "s", 1)
}
