// Package sweeper schedules the registry's stale-transfer recovery with gocron.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

const DefaultInterval = 15 * time.Second

// Recoverer reverts transfers that outlived their timeout.
type Recoverer interface {
	RecoverStaleTransfers(ctx context.Context) (int, error)
}

// Sweeper runs one recovery pass per interval. Passes never overlap.
type Sweeper struct {
	recoverer  Recoverer
	scheduler  gocron.Scheduler
	interval   time.Duration
	runTimeout time.Duration
	logger     *slog.Logger
}

type Option func(*Sweeper)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// WithRunTimeout bounds a single pass. Defaults to the interval.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.runTimeout = d
		}
	}
}

func New(recoverer Recoverer, interval time.Duration, opts ...Option) (*Sweeper, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Sweeper{
		recoverer:  recoverer,
		interval:   interval,
		runTimeout: interval,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.tick),
		gocron.WithName("registry-transfer-recovery"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, fmt.Errorf("schedule transfer recovery: %w", err)
	}
	s.scheduler = sched
	return s, nil
}

func (s *Sweeper) Start() {
	s.scheduler.Start()
}

// Shutdown stops scheduling and waits for a running pass to finish.
func (s *Sweeper) Shutdown() error {
	return s.scheduler.Shutdown()
}

// RunOnce performs a single recovery pass.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	n, err := s.recoverer.RecoverStaleTransfers(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "transfer recovery pass failed", "recovered", n, "error", err)
		return n, err
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "recovered stale transfers", "recovered", n)
	}
	return n, nil
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	defer cancel()
	_, _ = s.RunOnce(ctx)
}
