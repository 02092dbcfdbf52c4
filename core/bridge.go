package core

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"go.uber.org/atomic"
)

// Interrupter is the runtime side of the cancellation bridge.
type Interrupter interface {
	Interrupt()
}

// Bridge turns an asynchronous termination request into a runtime
// interrupt. Trigger may run on any goroutine, any number of times.
type Bridge struct {
	target Interrupter
	fired  atomic.Bool
}

func NewBridge(target Interrupter) *Bridge {
	return &Bridge{target: target}
}

// Trigger records the request and interrupts the target.
func (b *Bridge) Trigger() {
	b.fired.Store(true)
	b.target.Interrupt()
}

// Fired reports whether Trigger has been called.
func (b *Bridge) Fired() bool {
	return b.fired.Load()
}

// Replay interrupts the target again if a request already arrived. The
// runtime ignores interrupts before it runs, so callers replay once start
// has succeeded.
func (b *Bridge) Replay() {
	if b.fired.Load() {
		b.target.Interrupt()
	}
}

// Notify relays the given signals to Trigger until stop is called.
func (b *Bridge) Notify(sig ...os.Signal) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig...)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case s := <-ch:
				slog.Info("Signal received, interrupting", "signal", s.String())
				b.Trigger()
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}
