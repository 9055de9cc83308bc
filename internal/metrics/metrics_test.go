package metrics

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveSequenceCountsByOutcome(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveSequence("build", nil, time.Second)
	c.ObserveSequence("build", errors.New("setup failed"), time.Second)
	c.ObserveSequence("build", nil, 2*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.sequences.WithLabelValues("build", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sequences.WithLabelValues("build", OutcomeFailure)))

	count, err := testutil.GatherAndCount(reg, "spacehook_sequence_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestProcessLifecycleTracksPID(t *testing.T) {
	t.Parallel()

	c := New(prometheus.NewRegistry())
	c.ProcessStarted(4242)
	assert.Equal(t, 4242.0, testutil.ToFloat64(c.managedPID))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.processStarts))

	c.ProcessExited(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.managedPID))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.processExits.WithLabelValues("false")))
}

func TestObserveDeliveryBucketsStatus(t *testing.T) {
	t.Parallel()

	c := New(nil)
	c.ObserveDelivery("push", http.StatusOK)
	c.ObserveDelivery("push", http.StatusAccepted)
	c.ObserveDelivery("", http.StatusUnauthorized)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.deliveries.WithLabelValues("push", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deliveries.WithLabelValues("unknown", "4xx")))
}

func TestNilCollectorIsSafe(t *testing.T) {
	t.Parallel()

	var c *Collector
	c.ObserveSequence("reset", nil, time.Millisecond)
	c.SetQueueDepth(3)
	c.ObserveDelivery("push", http.StatusOK)
	c.ProcessStarted(1)
	c.ProcessExited(true)
}
