package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterBuiltinMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	bm, err := RegisterBuiltinMetrics(reg)
	require.NoError(t, err)

	bm.MessageSent()
	bm.MessageSent()
	bm.MessageReceived()
	bm.CallSettled(OutcomeOK)
	bm.SessionAttached()
	bm.SessionAttached()
	bm.SessionDetached()
	bm.NetworkRequest(OutcomeFinished)
	bm.FramesChanged(3)
	bm.FramesChanged(2)
	bm.FramesChanged(-1)

	assert.Equal(t, 2.0, testutil.ToFloat64(bm.Messages.WithLabelValues(DirectionSent)))
	assert.Equal(t, 1.0, testutil.ToFloat64(bm.Messages.WithLabelValues(DirectionReceived)))
	assert.Equal(t, 1.0, testutil.ToFloat64(bm.Calls.WithLabelValues(OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(bm.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(bm.NetworkRequests.WithLabelValues(OutcomeFinished)))
	assert.Equal(t, 4.0, testutil.ToFloat64(bm.FramesActive), "frame managers report deltas")

	_, err = RegisterBuiltinMetrics(reg)
	require.Error(t, err, "registering twice must fail")
}

func TestNilBuiltinMetrics(t *testing.T) {
	t.Parallel()

	var bm *BuiltinMetrics
	assert.NotPanics(t, func() {
		bm.MessageSent()
		bm.MessageReceived()
		bm.CallSettled(OutcomeError)
		bm.SessionAttached()
		bm.SessionDetached()
		bm.NetworkRequest(OutcomeFailed)
		bm.FramesChanged(1)
	})
}
