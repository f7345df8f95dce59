package network

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Pinger checks reachability of the remote API.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Heartbeat actively pings the remote and feeds the Monitor. Used where no
// platform connectivity notifications exist.
type Heartbeat struct {
	monitor  *Monitor
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
}

func NewHeartbeat(monitor *Monitor, pinger Pinger, interval time.Duration, logger *zerolog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "heartbeat").Logger()
	}
	return &Heartbeat{
		monitor:  monitor,
		pinger:   pinger,
		interval: interval,
		timeout:  interval / 2,
		logger:   l,
	}
}

// Check pings once and updates the monitor. Returns the observed state.
func (h *Heartbeat) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err := h.pinger.Ping(ctx)
	online := err == nil
	if err != nil && h.monitor.IsOnline() {
		h.logger.Warn().Err(err).Msg("Remote unreachable")
	}
	h.monitor.SetOnline(online)
	return online
}

// Run checks immediately and then every interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}
