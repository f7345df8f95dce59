//go:build !windows

package scheduler

import (
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// SignalWaker wakes the agent on SIGUSR1, letting an OS timer or a
// supervisor request a background sync.
type SignalWaker struct {
	mu   sync.Mutex
	ch   chan os.Signal
	done chan struct{}
}

func NewSignalWaker() *SignalWaker {
	return &SignalWaker{}
}

func (w *SignalWaker) Register(wake func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ch != nil {
		return errors.New("signal waker already registered")
	}
	w.ch = make(chan os.Signal, 1)
	w.done = make(chan struct{})
	signal.Notify(w.ch, syscall.SIGUSR1)

	ch, done := w.ch, w.done
	go func() {
		for {
			select {
			case <-ch:
				wake()
			case <-done:
				return
			}
		}
	}()
	return nil
}

func (w *SignalWaker) Unregister() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ch == nil {
		return
	}
	signal.Stop(w.ch)
	close(w.done)
	w.ch = nil
}
