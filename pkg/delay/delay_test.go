package delay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedDurations(t *testing.T) {
	p := New(Config{})
	assert.Equal(t, time.Second, p.Duration(Settle, 0))
	assert.Equal(t, 30*time.Second, p.Duration(ReconcileInitial, 0))
	assert.Equal(t, 30*time.Second, p.Duration(ReconcileInterval, 0))

	// 1.0s -> 1.5s -> 2.25s
	assert.Equal(t, time.Second, p.Duration(RetryBackoff, 1))
	assert.Equal(t, 1500*time.Millisecond, p.Duration(RetryBackoff, 2))
	assert.Equal(t, 2250*time.Millisecond, p.Duration(RetryBackoff, 3))
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRecorder(t *testing.T) {
	r := Instant()
	require.NoError(t, r.Wait(context.Background(), Settle, 0))
	require.NoError(t, r.Wait(context.Background(), RetryBackoff, 2))
	assert.Equal(t, 1, r.Count(Settle))
	assert.Equal(t, []Call{{Phase: Settle}, {Phase: RetryBackoff, Attempt: 2}}, r.Calls())

	r.Hold(ReconcileInterval)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Wait(ctx, ReconcileInterval, 0) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("held phase did not return after cancel")
	}
}
