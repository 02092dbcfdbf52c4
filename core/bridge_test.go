package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type countingInterrupter struct {
	calls atomic.Int32
}

func (c *countingInterrupter) Interrupt() { c.calls.Inc() }

func TestBridgeTrigger(t *testing.T) {
	target := &countingInterrupter{}
	b := NewBridge(target)
	assert.False(t, b.Fired())

	b.Replay()
	assert.Equal(t, int32(0), target.calls.Load())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Trigger()
		}()
	}
	wg.Wait()

	assert.True(t, b.Fired())
	assert.Equal(t, int32(8), target.calls.Load())

	b.Replay()
	assert.Equal(t, int32(9), target.calls.Load())
}

func TestBridgeReplayAfterStart(t *testing.T) {
	rt := newLoopbackRuntime(t)
	defer rt.Shutdown()

	b := NewBridge(rt)
	b.Trigger()
	assert.Equal(t, StateInitialized, rt.State())

	require.NoError(t, rt.Start())
	assert.False(t, rt.Interrupted())

	b.Replay()
	assert.True(t, rt.Interrupted())
	assert.Equal(t, StateInterrupted, rt.State())
}
