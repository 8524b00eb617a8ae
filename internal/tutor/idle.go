package tutor

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/edututor/internal/domain"
)

const idleSweepBatch = 100

// StartIdleSweeper runs a background goroutine that periodically ends
// sessions with no activity for idleAfter and finishes summaries left
// pending by an interrupted end. With idleAfter <= 0 only the pending
// summaries are handled.
func StartIdleSweeper(ctx context.Context, m *Manager, idleAfter, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	if idleAfter <= 0 {
		m.log.Info("Idle session ending disabled")
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		m.log.Info("Session sweeper started", "interval", interval, "idle_after", idleAfter)

		m.recoverAndLog(ctx)
		for {
			select {
			case <-ticker.C:
				if idleAfter > 0 {
					if n, err := m.SweepIdle(ctx, idleAfter); err != nil {
						m.log.Error("Idle sweep failed", "error", err)
					} else if n > 0 {
						m.log.Info("Idle sweep ended sessions", "count", n)
					}
				}
				m.recoverAndLog(ctx)
			case <-ctx.Done():
				m.log.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// SweepIdle ends active sessions whose last activity is older than
// idleAfter and returns how many were ended.
func (m *Manager) SweepIdle(ctx context.Context, idleAfter time.Duration) (int, error) {
	cutoff := m.now().Add(-idleAfter)
	idle, err := m.repo.ListIdleSessions(ctx, cutoff, idleSweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}

	ended := 0
	for _, sess := range idle {
		if ctx.Err() != nil {
			return ended, ctx.Err()
		}
		ok, err := m.endIfIdle(ctx, sess.ID, cutoff)
		if err != nil {
			m.log.Warn("Failed to end idle session", "profile_id", sess.ProfileID, "session_id", sess.ID, "error", err)
			continue
		}
		if ok {
			ended++
		}
	}
	return ended, nil
}

// endIfIdle re-checks activity under the session lock so a message that
// arrived after the listing keeps the session open.
func (m *Manager) endIfIdle(ctx context.Context, sessionID string, cutoff time.Time) (bool, error) {
	unlock, err := m.locks.Lock(ctx, sessionKey(sessionID))
	if err != nil {
		return false, err
	}
	defer unlock()

	sess, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("get session: %w", err)
	}
	if sess == nil || !sess.Active() || !sess.LastActivityAt.Before(cutoff) {
		return false, nil
	}

	if _, err := m.endLocked(ctx, sess, "idle"); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) recoverAndLog(ctx context.Context) {
	if n, err := m.RecoverPendingSummaries(ctx); err != nil {
		m.log.Error("Pending summary recovery failed", "error", err)
	} else if n > 0 {
		m.log.Info("Recovered pending summaries", "count", n)
	}
}

// RecoverPendingSummaries runs the summary step for ended sessions whose
// outcome was never recorded, such as after a crash between ending the
// session and storing its summary status. It returns how many were
// finished.
func (m *Manager) RecoverPendingSummaries(ctx context.Context) (int, error) {
	pending, err := m.repo.ListPendingSummaries(ctx, idleSweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list pending summaries: %w", err)
	}

	done := 0
	for _, sess := range pending {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		ok, err := m.recoverSummary(ctx, sess.ID)
		if err != nil {
			m.log.Warn("Failed to recover summary", "profile_id", sess.ProfileID, "session_id", sess.ID, "error", err)
			continue
		}
		if ok {
			done++
		}
	}
	return done, nil
}

// recoverSummary re-checks the session under its lock; an end still in
// progress holds that lock until it has recorded a status.
func (m *Manager) recoverSummary(ctx context.Context, sessionID string) (bool, error) {
	unlock, err := m.locks.Lock(ctx, sessionKey(sessionID))
	if err != nil {
		return false, err
	}
	defer unlock()

	sess, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("get session: %w", err)
	}
	if sess == nil || sess.Active() || sess.SummaryStatus != domain.SummaryPending {
		return false, nil
	}

	status, _ := m.summarize(ctx, sess)
	m.log.Info("Pending summary finished", "profile_id", sess.ProfileID, "session_id", sess.ID, "summary_status", status)
	return true, nil
}
