// Package sweeper runs the background idle-session eviction loop.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// IdleRecord is the minimal shape the sweeper needs from an idle session.
type IdleRecord struct {
	SessionID string
}

// SessionManager is the subset of session.Manager the sweeper drives.
type SessionManager interface {
	IdleSessions() []IdleRecord
	Stop(ctx context.Context, sessionID string) error
}

// Sweeper periodically evicts sessions that have been idle past the
// configured timeout.
type Sweeper struct {
	sessions SessionManager
	logger   *logger.Logger
	interval time.Duration
}

// New constructs a Sweeper with the given sweep interval.
func New(sessions SessionManager, log *logger.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{sessions: sessions, logger: log, interval: interval}
}

// Run blocks, sweeping at each tick, until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	idle := s.sessions.IdleSessions()
	for _, r := range idle {
		if err := s.sessions.Stop(ctx, r.SessionID); err != nil {
			s.logger.Warn("failed to stop idle session", zap.String("session_id", r.SessionID), zap.Error(err))
			continue
		}
		s.logger.Info("stopped idle session", zap.String("session_id", r.SessionID))
	}
}
