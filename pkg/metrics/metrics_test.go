package metrics

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_server/pkg/media_errors"
)

func TestPrometheusObserverCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewPrometheusObserver(PrometheusConfig{Namespace: "test", Registerer: reg})

	obs.SchedulerOverload(OverloadReport{QueueDepth: 42, PassDuration: 30 * time.Millisecond})
	obs.TaskFailed("t1", "mixer", errors.New("boom"))
	obs.TaskFailed("t2", "mixer", errors.New("boom"))
	obs.MachineTransition(Transition{Machine: "rtp_session", Event: "open", From: "closed", To: "opening"})
	obs.MachineFailed("rtp_session", "1", media_errors.New(media_errors.CodeBindFailure, ""))
	obs.RollbackFailed("c1", media_errors.ErrRollbackFailure)

	assert.Equal(t, 1.0, testutil.ToFloat64(obs.overloads))
	assert.Equal(t, 42.0, testutil.ToFloat64(obs.queueDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(obs.taskFailures.WithLabelValues("mixer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.transitions.WithLabelValues("rtp_session", "open", "opening")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.machineFailures.WithLabelValues("rtp_session", "BindFailure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.rollbackFailures))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMultiAndRecorder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := Multi{a, b, NopObserver{}}

	m.SchedulerOverload(OverloadReport{})
	m.RollbackFailed("c1", errors.New("x"))
	m.MachineTransition(Transition{Machine: "endpoint", ID: "ms/mixer/1"})

	for _, r := range []*Recorder{a, b} {
		assert.Equal(t, 1, r.OverloadCount())
		assert.Equal(t, 1, r.RollbackCount())
		assert.Len(t, r.TransitionsOf("endpoint", "ms/mixer/1"), 1)
	}
}

func TestLogObserverWritesRollbackFailure(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLogObserver(zerolog.New(&buf))

	obs.RollbackFailed("c42", errors.New("close failed"))

	assert.Contains(t, buf.String(), `"connection_id":"c42"`)
	assert.Contains(t, buf.String(), `"manual_cleanup":true`)
}
