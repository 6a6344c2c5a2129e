package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	// DefaultIdleTimeout is how long a conversation may sit unused
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultSweepSchedule runs the sweep every five minutes
	DefaultSweepSchedule = "*/5 * * * *"
)

// ExpireFunc ends one idle conversation, usually by archiving and deleting it
type ExpireFunc func(ctx context.Context, id string) error

// SweeperConfig configures a Sweeper
type SweeperConfig struct {
	Store       Store
	Expire      ExpireFunc
	IdleTimeout time.Duration
	Schedule    string
	Logger      zerolog.Logger
}

// Sweeper expires idle conversations on a cron schedule
type Sweeper struct {
	store       Store
	expire      ExpireFunc
	idleTimeout time.Duration
	schedule    string
	logger      zerolog.Logger
	cron        *cron.Cron
	mu          sync.Mutex
	running     bool
	now         func() time.Time
}

// NewSweeper creates a sweeper; call Start to schedule it
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Expire == nil {
		return nil, errors.New("expire func is required")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSweepSchedule
	}

	return &Sweeper{
		store:       cfg.Store,
		expire:      cfg.Expire,
		idleTimeout: cfg.IdleTimeout,
		schedule:    cfg.Schedule,
		logger:      cfg.Logger,
		cron:        cron.New(),
		now:         time.Now,
	}, nil
}

// Start schedules the sweep
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("sweeper is already running")
	}

	if _, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("Failed to sweep idle conversations")
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.schedule).
		Dur("idle_timeout", s.idleTimeout).
		Msg("Conversation sweeper started")
	return nil
}

// Stop unschedules the sweep and waits for a running one to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info().Msg("Conversation sweeper stopped")
}

// Sweep expires every conversation idle for longer than the timeout and
// returns how many were expired
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := s.store.Idle(ctx, s.now().Add(-s.idleTimeout))
	if err != nil {
		return 0, fmt.Errorf("failed to list idle conversations: %w", err)
	}

	expired := 0
	for _, id := range ids {
		if err := s.expire(ctx, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			s.logger.Error().
				Str("conversation_id", id).
				Err(err).
				Msg("Failed to expire conversation")
			continue
		}
		expired++
	}

	if expired > 0 {
		s.logger.Info().Int("expired", expired).Msg("Expired idle conversations")
	}
	return expired, nil
}
