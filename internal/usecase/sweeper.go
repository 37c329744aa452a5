package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/extension-license-service/internal/core/port"
)

const (
	defaultSweepInterval = 10 * time.Minute
	defaultNudgeCooldown = time.Minute
)

// SweepStats reports how many rows a sweep removed.
type SweepStats struct {
	Challenges int64
	Sessions   int64
}

// Sweeper periodically deletes expired challenges and sessions.
// Expiry is always enforced on read; sweeping only reclaims storage.
type Sweeper struct {
	challenges port.ChallengeRepository
	sessions   port.SessionRepository
	metrics    port.HandshakeMetrics
	interval   time.Duration
	retention  time.Duration
	cooldown   time.Duration
	logger     *zap.Logger
	now        func() time.Time

	nudge     chan struct{}
	mu        sync.Mutex
	lastSweep time.Time
}

// NewSweeper constructs a Sweeper. Retention keeps expired challenges around for that long.
func NewSweeper(challenges port.ChallengeRepository, sessions port.SessionRepository, interval, retention time.Duration, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if retention < 0 {
		retention = 0
	}
	return &Sweeper{
		challenges: challenges,
		sessions:   sessions,
		metrics:    noopMetrics{},
		interval:   interval,
		retention:  retention,
		cooldown:   defaultNudgeCooldown,
		logger:     log,
		now:        func() time.Time { return time.Now().UTC() },
		nudge:      make(chan struct{}, 1),
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	if clock != nil {
		s.now = clock
	}
	return s
}

// WithMetrics injects the metrics recorder.
func (s *Sweeper) WithMetrics(metrics port.HandshakeMetrics) *Sweeper {
	s.metrics = metricsOrNoop(metrics)
	return s
}

// WithNudgeCooldown sets the minimum gap between nudged sweeps.
func (s *Sweeper) WithNudgeCooldown(cooldown time.Duration) *Sweeper {
	if cooldown >= 0 {
		s.cooldown = cooldown
	}
	return s
}

// Nudge requests an early sweep. It never blocks.
func (s *Sweeper) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Run sweeps on every tick and on nudges until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			s.sweepAndLog(ctx)
		case <-s.nudge:
			if s.dueForNudge() {
				s.sweepAndLog(ctx)
			}
		}
	}
}

// Sweep deletes expired rows once.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	now := s.now()
	s.mu.Lock()
	s.lastSweep = now
	s.mu.Unlock()

	var (
		stats SweepStats
		errs  []error
	)
	if s.challenges != nil {
		deleted, err := s.challenges.DeleteStale(ctx, now.Add(-s.retention))
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep challenges: %w", err))
		}
		stats.Challenges = deleted
		s.metrics.ObserveSweep("challenges", deleted)
	}
	if s.sessions != nil {
		deleted, err := s.sessions.DeleteExpired(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep sessions: %w", err))
		}
		stats.Sessions = deleted
		s.metrics.ObserveSweep("sessions", deleted)
	}
	return stats, errors.Join(errs...)
}

func (s *Sweeper) dueForNudge() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSweep.IsZero() || s.now().Sub(s.lastSweep) >= s.cooldown
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	stats, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Warn("sweep failed", zap.Error(err))
		return
	}
	if stats.Challenges > 0 || stats.Sessions > 0 {
		s.logger.Debug("sweep completed",
			zap.Int64("challenges_deleted", stats.Challenges),
			zap.Int64("sessions_deleted", stats.Sessions),
		)
	}
}
