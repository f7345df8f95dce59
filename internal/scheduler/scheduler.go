package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"caresync/internal/models"
	"caresync/internal/network"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Syncer runs one sync cycle.
type Syncer interface {
	RunCycle(ctx context.Context, trigger string) (models.SyncSession, bool)
}

// BackgroundRegistrar is a platform hook that wakes the agent while it is
// otherwise idle. Registration failures never disable the other triggers.
type BackgroundRegistrar interface {
	Register(wake func()) error
	Unregister()
}

// BackoffSource is implemented by syncers whose queue holds items waiting
// out a retry delay.
type BackoffSource interface {
	NextEligibleAt() (time.Time, bool)
}

type Options struct {
	AutoSync bool
	Interval time.Duration
	// RetryFloor is the shortest delay before a backoff wake-up.
	RetryFloor time.Duration
}

// Scheduler turns periodic ticks, connectivity changes, background wakes
// and manual requests into sync cycles.
type Scheduler struct {
	syncer    Syncer
	monitor   *network.Monitor
	registrar BackgroundRegistrar
	opts      Options

	cron        *cron.Cron
	entryID     cron.EntryID
	unsubscribe func()

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	stopped    bool
	retryTimer *time.Timer
	retryAt    time.Time
	wg         sync.WaitGroup

	logger zerolog.Logger
}

// New builds a scheduler. monitor and registrar may be nil.
func New(syncer Syncer, monitor *network.Monitor, registrar BackgroundRegistrar, opts Options, logger *zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = models.DefaultSyncInterval
	}
	if opts.RetryFloor <= 0 {
		opts.RetryFloor = time.Second
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "scheduler").Logger()
	}
	return &Scheduler{
		syncer:    syncer,
		monitor:   monitor,
		registrar: registrar,
		opts:      opts,
		cron:      cron.New(),
		ctx:       context.Background(),
		logger:    l,
	}
}

// Start wires every trigger source. Cycles run under ctx until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if s.opts.AutoSync {
		spec := fmt.Sprintf("@every %s", s.opts.Interval)
		id, err := s.cron.AddFunc(spec, func() {
			s.run(models.TriggerPeriodic)
		})
		if err != nil {
			return fmt.Errorf("schedule periodic sync: %w", err)
		}
		s.entryID = id
		s.cron.Start()
		s.logger.Info().Dur("interval", s.opts.Interval).Msg("Periodic sync scheduled")
	} else {
		s.logger.Info().Msg("Periodic sync is disabled")
	}

	if s.monitor != nil {
		s.unsubscribe = s.monitor.Subscribe(func(ev network.Event) {
			if ev.Online {
				s.Kick(models.TriggerOnline)
			}
		})
	}

	if s.registrar != nil {
		if err := s.registrar.Register(func() { s.Kick(models.TriggerBackground) }); err != nil {
			s.logger.Warn().Err(err).Msg("Background wake registration failed, continuing without it")
		} else {
			s.logger.Info().Msg("Background wake registered")
		}
	}
	return nil
}

// Stop removes all triggers and waits for cycles started by the scheduler.
// Kicks arriving after Stop has begun are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.registrar != nil {
		s.registrar.Unregister()
	}
	<-s.cron.Stop().Done()

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

// TriggerNow runs a manual cycle and waits for it.
func (s *Scheduler) TriggerNow(ctx context.Context) (models.SyncSession, bool) {
	session, ran := s.syncer.RunCycle(ctx, models.TriggerManual)
	if ran {
		s.armBackoff()
	}
	return session, ran
}

// Kick starts a cycle in the background. Dropped silently by the engine if
// one is already running.
func (s *Scheduler) Kick(trigger string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.run(trigger)
	}()
}

func (s *Scheduler) run(trigger string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if _, ran := s.syncer.RunCycle(ctx, trigger); !ran {
		s.logger.Debug().Str("trigger", trigger).Msg("Trigger dropped")
		return
	}
	s.armBackoff()
}

// armBackoff schedules a cycle for when the earliest backed-off item becomes
// eligible, so retries do not wait for the next periodic tick.
func (s *Scheduler) armBackoff() {
	src, ok := s.syncer.(BackoffSource)
	if !ok {
		return
	}
	at, ok := src.NextEligibleAt()
	if !ok {
		return
	}
	delay := time.Until(at)
	if delay < s.opts.RetryFloor {
		delay = s.opts.RetryFloor
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	due := time.Now().Add(delay)
	if s.retryTimer != nil && !s.retryAt.IsZero() && s.retryAt.Before(due) {
		return
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryAt = due
	s.retryTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.retryAt = time.Time{}
		s.mu.Unlock()
		s.Kick(models.TriggerBackoff)
	})
	s.logger.Debug().Dur("in", delay).Msg("Backoff wake-up scheduled")
}

// NextRun returns the next periodic run, zero when periodic sync is off.
func (s *Scheduler) NextRun() time.Time {
	if s.entryID == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}
