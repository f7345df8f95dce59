package network

import (
	"sync"
	"time"

	"caresync/internal/events"
	"caresync/internal/metrics"
	"caresync/internal/models"

	"github.com/rs/zerolog"
)

// Event is delivered to subscribers on every connectivity transition.
type Event struct {
	Online bool
	At     time.Time
}

// Monitor tracks connectivity. It is fed by SetOnline, either from the
// platform (HTTP signal endpoint) or from a Heartbeat.
type Monitor struct {
	mu            sync.RWMutex
	online        bool
	lastOnlineAt  *time.Time
	lastOfflineAt *time.Time
	subs          map[uint64]func(Event)
	nextID        uint64
	bus           *events.EventBus
	now           func() time.Time
	logger        zerolog.Logger
}

func NewMonitor(initiallyOnline bool, bus *events.EventBus, clock func() time.Time, logger *zerolog.Logger) *Monitor {
	if clock == nil {
		clock = time.Now
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "network").Logger()
	}
	metrics.SetOnline(initiallyOnline)
	return &Monitor{
		online: initiallyOnline,
		subs:   make(map[uint64]func(Event)),
		bus:    bus,
		now:    clock,
		logger: l,
	}
}

func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

func (m *Monitor) LastOnlineAt() *time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastOnlineAt
}

func (m *Monitor) LastOfflineAt() *time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastOfflineAt
}

func (m *Monitor) Status() models.NetworkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return models.NetworkStatus{
		Online:        m.online,
		LastOnlineAt:  m.lastOnlineAt,
		LastOfflineAt: m.lastOfflineAt,
	}
}

// SetOnline records a connectivity signal. Repeated signals with the same
// value are ignored. Subscribers are notified without blocking the caller.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	now := m.now()
	m.online = online
	if online {
		m.lastOnlineAt = &now
	} else {
		m.lastOfflineAt = &now
	}
	subs := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	metrics.SetOnline(online)
	m.logger.Info().Bool("online", online).Msg("Connectivity changed")

	ev := Event{Online: online, At: now}
	for _, fn := range subs {
		go fn(ev)
	}

	if m.bus != nil {
		eventType := events.EventNetworkOffline
		if online {
			eventType = events.EventNetworkOnline
		}
		busEvent, err := events.NewJSONEvent(eventType, events.NetworkPayload{Online: online, At: now})
		if err != nil {
			m.logger.Error().Err(err).Msg("Failed to encode network event")
			return
		}
		m.bus.PublishAsync(&busEvent)
	}
}

// Subscribe registers fn for connectivity transitions and returns a func
// that removes it.
func (m *Monitor) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}
