package relsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c0deZ3R0/relsync/logging"
	"github.com/c0deZ3R0/relsync/synckit"
)

// Reasons a Scheduler starts a pass.
const (
	ReasonStartup     = "startup"
	ReasonInterval    = "interval"
	ReasonReconnected = "reconnected"
	ReasonManual      = "manual"
	ReasonRemote      = "remote_change"
)

var (
	ErrSchedulerRunning    = errors.New("scheduler is already running")
	ErrSchedulerNotRunning = errors.New("scheduler is not running")
)

// PassReport describes one pass run by a Scheduler.
type PassReport struct {
	Reason  string
	Started time.Time
	Result  synckit.SyncResult
	Err     error
	// Skipped is set when the pass did not run because the remote was
	// unreachable.
	Skipped bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSyncInterval runs a pass every d. Zero disables the ticker.
func WithSyncInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// WithConnectivityPoll checks connectivity every d and runs a pass when the
// remote comes back. Zero disables polling.
func WithConnectivityPoll(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.pollInterval = d }
}

// WithPassTimeout bounds each pass. Zero means no deadline.
func WithPassTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.passTimeout = d }
}

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// Scheduler decides when to run sync passes: on an interval, when
// connectivity is restored and whenever Trigger is called, e.g. from a
// realtime notification. Triggers that arrive during a pass collapse into
// one follow-up pass.
type Scheduler struct {
	svc          *Service
	interval     time.Duration
	pollInterval time.Duration
	passTimeout  time.Duration
	logger       *slog.Logger

	triggers chan string

	mu          sync.RWMutex
	stop        chan struct{}
	done        chan struct{}
	subscribers []func(PassReport)
}

// NewScheduler creates a stopped scheduler for svc.
func NewScheduler(svc *Service, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		svc:          svc,
		interval:     time.Minute,
		pollInterval: 10 * time.Second,
		passTimeout:  2 * time.Minute,
		triggers:     make(chan string, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = svc.logger.With(slog.Any("component", logging.Component("scheduler")))
	}
	return s
}

// Start launches the scheduling loop. A pass runs right away when the
// remote is reachable so changes queued by a previous session go out.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return ErrSchedulerRunning
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx, s.stop, s.done)
	return nil
}

// Stop ends the loop and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.stop == nil {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	close(s.stop)
	done := s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	<-done
	return nil
}

// Trigger requests a pass without blocking.
func (s *Scheduler) Trigger(reason string) {
	select {
	case s.triggers <- reason:
	default:
		s.logger.Debug("pass already requested, coalescing", "reason", reason)
	}
}

// Subscribe registers handler to receive every PassReport.
func (s *Scheduler) Subscribe(handler func(PassReport)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, handler)
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var tick, poll <-chan time.Time
	if s.interval > 0 {
		t := time.NewTicker(s.interval)
		defer t.Stop()
		tick = t.C
	}
	if s.pollInterval > 0 {
		t := time.NewTicker(s.pollInterval)
		defer t.Stop()
		poll = t.C
	}

	online := s.svc.IsOnline(ctx)
	if online {
		s.run(ctx, ReasonStartup)
	} else {
		s.logger.InfoContext(ctx, "remote unreachable at startup, waiting for connectivity")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-tick:
			online = s.runIfOnline(ctx, ReasonInterval)
		case reason := <-s.triggers:
			online = s.runIfOnline(ctx, reason)
		case <-poll:
			now := s.svc.IsOnline(ctx)
			if now && !online {
				s.logger.InfoContext(ctx, "connectivity restored")
				s.run(ctx, ReasonReconnected)
			} else if !now && online {
				s.logger.InfoContext(ctx, "connectivity lost")
			}
			online = now
		}
	}
}

func (s *Scheduler) runIfOnline(ctx context.Context, reason string) bool {
	if !s.svc.IsOnline(ctx) {
		s.logger.DebugContext(ctx, "remote unreachable, skipping pass", "reason", reason)
		s.notifySubscribers(PassReport{Reason: reason, Started: time.Now(), Skipped: true})
		return false
	}
	s.run(ctx, reason)
	return true
}

func (s *Scheduler) run(ctx context.Context, reason string) {
	started := time.Now()
	passCtx := logging.ContextWithSyncPass(ctx, fmt.Sprintf("%s-%d", reason, started.UnixMilli()))
	if s.passTimeout > 0 {
		var cancel context.CancelFunc
		passCtx, cancel = context.WithTimeout(passCtx, s.passTimeout)
		defer cancel()
	}

	result, err := s.svc.SyncOfflineQueue(passCtx)
	if err != nil {
		(&logging.Logger{Logger: s.logger}).WithContext(passCtx).LogError(passCtx, err, "scheduled sync failed",
			slog.String("reason", reason))
	}
	s.notifySubscribers(PassReport{Reason: reason, Started: started, Result: result, Err: err})
}

func (s *Scheduler) notifySubscribers(report PassReport) {
	s.mu.RLock()
	subscribers := make([]func(PassReport), len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.mu.RUnlock()

	for _, handler := range subscribers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("sync subscriber panicked", "panic", r)
				}
			}()
			handler(report)
		}()
	}
}
