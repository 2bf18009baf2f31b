package registry

import (
	"context"
	"time"

	"github.com/gmcompanion/livesession/internal/session/domain"
)

// RunSweeper drives idle and teardown transitions until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sweep runs one pass of lifecycle maintenance: expiring disconnected
// participants past the reconnect grace, pausing idle Active sessions,
// closing long-paused ones, and removing closed hub loops after the
// teardown grace.
func (r *Registry) Sweep(ctx context.Context) {
	now := r.clock().UTC()

	type closeAction struct{ sessionID string }
	var toClose []closeAction
	var toRemove []string

	r.mu.Lock()
	for sessionID, ls := range r.sessions {
		for participantID, record := range ls.participants {
			if record.state != connDisconnected {
				continue
			}
			if now.Sub(record.disconnectedAt) <= r.cfg.ReconnectGrace {
				continue
			}
			delete(ls.participants, participantID)
			delete(r.participants, participantID)
			r.logger.Info("participant expired",
				"session_id", sessionID,
				"participant_id", participantID)
		}
		r.noteEmptyLocked(ls)

		switch ls.session.Status {
		case domain.SessionStatusActive:
			if !ls.emptySince.IsZero() && now.Sub(ls.emptySince) >= r.cfg.PauseAfter {
				if err := ls.session.Transition(domain.SessionStatusPaused, r.clock); err == nil {
					ls.pausedAt = now
					r.logger.Info("session paused idle", "session_id", sessionID)
				}
			}
		case domain.SessionStatusPaused:
			if !ls.pausedAt.IsZero() && now.Sub(ls.pausedAt) >= r.cfg.CloseAfter {
				toClose = append(toClose, closeAction{sessionID: sessionID})
			}
		case domain.SessionStatusClosed:
			if !ls.closedAt.IsZero() && now.Sub(ls.closedAt) >= r.cfg.TeardownGrace {
				toRemove = append(toRemove, sessionID)
			}
		}
	}
	for _, sessionID := range toRemove {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	for _, action := range toClose {
		if err := r.Close(ctx, action.sessionID, "idle timeout"); err != nil {
			r.logger.Warn("idle close failed", "session_id", action.sessionID, "error", err)
		}
	}
	for _, sessionID := range toRemove {
		r.hub.Remove(sessionID)
		r.logger.Info("session removed", "session_id", sessionID)
	}
}
