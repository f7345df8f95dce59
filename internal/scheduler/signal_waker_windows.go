//go:build windows

package scheduler

import "errors"

// SignalWaker is unavailable on windows; Register always fails.
type SignalWaker struct{}

func NewSignalWaker() *SignalWaker { return &SignalWaker{} }

func (w *SignalWaker) Register(func()) error {
	return errors.New("background wake via signals is not supported on windows")
}

func (w *SignalWaker) Unregister() {}
