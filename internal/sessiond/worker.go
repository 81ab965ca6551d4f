package sessiond

import (
	"context"
	"time"

	"github.com/talkincode/toughgate/internal/domain"
	"github.com/talkincode/toughgate/pkg/metrics"
	"go.uber.org/zap"
)

// connect drives one connection attempt. Errors do not surface to callers;
// they feed the retry schedule. A delete racing the attempt wins: once the
// session is cancelled the transport is never dialed, so no credential can
// be minted for a session that no longer exists.
func (m *Manager) connect(s *session) {
	s.mu.Lock()
	if s.deleted || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := m.adapter.Connect(s.ctx, s.id); err != nil {
		zap.L().Warn("sessiond: connect attempt failed",
			zap.Error(err), zap.String("session_id", s.id))
		s.mu.Lock()
		m.setStatusLocked(s, domain.SessionDisconnected, "connect failed: "+err.Error())
		m.scheduleRetryLocked(s)
		s.mu.Unlock()
	}
}

// transition moves the session to a new status, persisting and broadcasting.
func (m *Manager) transition(s *session, status, detail string) {
	s.mu.Lock()
	m.setStatusLocked(s, status, detail)
	s.mu.Unlock()
}

// setStatusLocked records a state transition: registry state, database row
// and status broadcast. Caller holds s.mu. The manager's own correctness
// never depends on any broadcast subscriber.
func (m *Manager) setStatusLocked(s *session, status, detail string) {
	if s.status == status && s.detail == detail {
		return
	}
	s.status = status
	s.detail = detail

	updates := map[string]interface{}{
		"status":        status,
		"status_detail": detail,
		"updated_at":    time.Now(),
	}
	if err := m.app.DB().Model(&domain.GateSession{}).
		Where("id = ?", s.id).Updates(updates).Error; err != nil {
		zap.L().Error("sessiond: status persist failed",
			zap.Error(err), zap.String("session_id", s.id), zap.String("status", status))
	}

	m.bus.PublishStatus(&domain.StatusEvent{
		SessionID: s.id,
		Status:    status,
		Detail:    detail,
		QR:        s.qr,
		Pairing:   s.pairing,
		Timestamp: time.Now(),
	})
	zap.L().Info("sessiond: session status",
		zap.String("session_id", s.id), zap.String("status", status), zap.String("detail", detail))
}

// scheduleRetryLocked arms the reconnect timer with the current backoff and
// doubles it for the next failure, capped at the ceiling. Caller holds s.mu.
// No-op when a retry is already pending or the session is terminal.
func (m *Manager) scheduleRetryLocked(s *session) {
	if s.deleted || s.status == domain.SessionAuthFailed {
		return
	}
	if s.retry != nil {
		return
	}
	delay := s.backoff
	next := s.backoff * 2
	if max := m.reconnectMax(); next > max {
		next = max
	}
	s.backoff = next

	s.retry = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.retry = nil
		if s.deleted {
			s.mu.Unlock()
			return
		}
		m.setStatusLocked(s, domain.SessionConnecting, "reconnecting")
		s.mu.Unlock()
		m.connect(s)
	})
	zap.L().Info("sessiond: reconnect scheduled",
		zap.String("session_id", s.id), zap.Duration("delay", delay))
}

// Adapter callbacks. Each resolves the registry entry first so callbacks for
// already-deleted sessions fall through silently.

func (m *Manager) onQRCode(id, code string) {
	s := m.lookup(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	if !s.deleted && s.status != domain.SessionConnected {
		s.qr = code
		m.setStatusLocked(s, domain.SessionQRPending, "scan the QR challenge to pair")
	}
	s.mu.Unlock()
}

func (m *Manager) onConnected(id, jid string) {
	s := m.lookup(id)
	if s == nil {
		return
	}
	now := time.Now()
	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		return
	}
	s.qr = ""
	s.pairing = ""
	s.backoff = m.reconnectBase()
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	m.setStatusLocked(s, domain.SessionConnected, "")
	s.mu.Unlock()

	if err := m.app.DB().Model(&domain.GateSession{}).Where("id = ?", id).
		Updates(map[string]interface{}{"jid": jid, "last_connected_at": &now}).Error; err != nil {
		zap.L().Error("sessiond: connected metadata persist failed",
			zap.Error(err), zap.String("session_id", id))
	}
	metrics.Counter(metrics.SessionConnect)
}

func (m *Manager) onDisconnected(id string, loggedOut bool, reason string) {
	s := m.lookup(id)
	if s == nil {
		return
	}
	metrics.Counter(metrics.SessionDisconnect)

	if loggedOut {
		// permanent credential rejection: terminal status, purge credentials,
		// never retry
		s.mu.Lock()
		if s.deleted {
			s.mu.Unlock()
			return
		}
		if s.retry != nil {
			s.retry.Stop()
			s.retry = nil
		}
		m.setStatusLocked(s, domain.SessionAuthFailed, reason)
		s.mu.Unlock()
		s.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := m.adapter.Logout(ctx, id); err != nil {
			zap.L().Warn("sessiond: credential purge failed after auth failure",
				zap.Error(err), zap.String("session_id", id))
		}
		m.rec.Record(s.tenantID, id, domain.ActivitySessionStatus, "", false,
			"authentication rejected: "+reason)
		return
	}

	s.mu.Lock()
	if !s.deleted && s.status != domain.SessionAuthFailed {
		m.setStatusLocked(s, domain.SessionDisconnected, reason)
		m.scheduleRetryLocked(s)
	}
	s.mu.Unlock()
}
