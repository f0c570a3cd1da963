package settlement

import (
	"context"
	"time"

	"github.com/sumup/ucp/internal/logger"
)

// Sweeper deletes expired tokens and resumes settlements whose timers were
// lost, for example after a restart.
type Sweeper struct {
	service      *Service
	tokenTick    time.Duration
	recoveryTick time.Duration
	staleAfter   time.Duration
	batch        int
	log          *logger.Logger
}

// SweeperOption configures a [Sweeper].
type SweeperOption func(*Sweeper)

// WithSweepInterval sets how often expired tokens are deleted.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.tokenTick = d
	}
}

// WithRecovery sets how often stuck settlements are looked for and how long
// a settlement must be idle to count as stuck.
func WithRecovery(every, staleAfter time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.recoveryTick = every
		s.staleAfter = staleAfter
	}
}

// WithSweeperLogger sets the logger.
func WithSweeperLogger(l *logger.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.log = l
	}
}

// NewSweeper builds a [Sweeper] for service.
func NewSweeper(service *Service, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		service:      service,
		tokenTick:    time.Minute,
		recoveryTick: 30 * time.Second,
		staleAfter:   2 * time.Minute,
		batch:        100,
		log:          logger.Nop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	tokenTicker := time.NewTicker(s.tokenTick)
	recoveryTicker := time.NewTicker(s.recoveryTick)
	defer tokenTicker.Stop()
	defer recoveryTicker.Stop()
	for {
		select {
		case <-tokenTicker.C:
			s.SweepTokens(ctx)
		case <-recoveryTicker.C:
			s.RecoverStuck(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// SweepTokens deletes expired, unused tokens once.
func (s *Sweeper) SweepTokens(ctx context.Context) {
	if _, err := s.service.tokens.SweepExpired(ctx); err != nil {
		s.log.Error("token sweep failed", "error", err)
	}
}

// RecoverStuck resumes settlements idle in pending or processing for longer
// than the stale threshold.
func (s *Sweeper) RecoverStuck(ctx context.Context) {
	before := s.service.clock().UTC().Add(-s.staleAfter)
	stuck, err := s.service.store.ListStaleSettlements(ctx, []Status{StatusPending, StatusProcessing}, before, s.batch)
	if err != nil {
		s.log.Error("failed to list stuck settlements", "error", err)
		return
	}
	for _, stl := range stuck {
		s.log.Info("resuming stuck settlement", "settlement_id", stl.ID, "status", string(stl.Status))
		s.service.Resume(stl)
	}
}
