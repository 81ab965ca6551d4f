// Package sessiond owns the lifecycle of every tenant session: the per-
// session state machine, the reconnect policy and the concurrency-safe
// registry. Each session is an independent worker; no lock is ever held
// across transport I/O.
package sessiond

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/toughgate/internal/activity"
	"github.com/talkincode/toughgate/internal/app"
	"github.com/talkincode/toughgate/internal/domain"
	"github.com/talkincode/toughgate/internal/errs"
	"github.com/talkincode/toughgate/internal/pipeline"
	"github.com/talkincode/toughgate/internal/transport"
	"github.com/talkincode/toughgate/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultReconnectBase = time.Second
	defaultReconnectMax  = 30 * time.Second
	defaultPairingDelay  = 2 * time.Second
)

// session is the registry entry for one live worker. All fields behind mu;
// the worker goroutine and adapter callbacks both mutate through it.
type session struct {
	id       string
	tenantID string

	mu      sync.Mutex
	status  string
	detail  string
	qr      string
	pairing string
	backoff time.Duration
	retry   *time.Timer
	deleted bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Manager is the session connection manager. Exactly one live worker exists
// per session id; ownership is enforced at registry insertion time.
type Manager struct {
	app     app.AppContext
	adapter transport.Adapter
	bus     *pipeline.Pipeline
	rec     *activity.Recorder

	mux      sync.RWMutex
	sessions map[string]*session
}

func NewManager(a app.AppContext, adapter transport.Adapter, bus *pipeline.Pipeline, rec *activity.Recorder) *Manager {
	m := &Manager{
		app:      a,
		adapter:  adapter,
		bus:      bus,
		rec:      rec,
		sessions: make(map[string]*session),
	}
	adapter.SetHandler(transport.Handler{
		OnQRCode:       m.onQRCode,
		OnConnected:    m.onConnected,
		OnDisconnected: m.onDisconnected,
		OnMessage: func(evt *domain.MessageEvent) {
			if m.lookup(evt.SessionID) == nil {
				return
			}
			bus.PublishInbound(evt)
		},
		OnMemberJoined: func(evt *domain.MemberEvent) {
			if m.lookup(evt.SessionID) == nil {
				return
			}
			bus.PublishMemberJoined(evt)
		},
	})
	bus.BindDirectory(m)
	return m
}

func (m *Manager) reconnectBase() time.Duration {
	if ms := m.app.GetSettingsInt64Value("session", "reconnect_base_ms"); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultReconnectBase
}

func (m *Manager) reconnectMax() time.Duration {
	if ms := m.app.GetSettingsInt64Value("session", "reconnect_max_ms"); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultReconnectMax
}

func (m *Manager) pairingDelay() time.Duration {
	if ms := m.app.GetSettingsInt64Value("session", "pairing_delay_ms"); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultPairingDelay
}

// Start restores persisted sessions into the registry. Sessions interrupted
// mid-delete are finished off; terminal AUTH_FAILED sessions are registered
// without reconnecting.
func (m *Manager) Start(ctx context.Context) error {
	var rows []domain.GateSession
	if err := m.app.DB().Find(&rows).Error; err != nil {
		return errors.Wrap(err, "load sessions")
	}
	for i := range rows {
		row := rows[i]
		if row.Status == domain.SessionDeleting {
			zap.L().Info("sessiond: finishing interrupted delete", zap.String("session_id", row.ID))
			if err := m.Delete(ctx, row.ID); err != nil {
				zap.L().Error("sessiond: interrupted delete failed", zap.Error(err), zap.String("session_id", row.ID))
			}
			continue
		}
		s := m.register(row.ID, row.TenantID, row.Status)
		if s == nil {
			continue
		}
		if row.Status == domain.SessionAuthFailed {
			continue
		}
		m.transition(s, domain.SessionConnecting, "restoring connection")
		go m.connect(s)
	}
	zap.L().Info("sessiond: manager started", zap.Int("sessions", len(rows)))
	return nil
}

// Stop disconnects all workers without touching credentials.
func (m *Manager) Stop() {
	m.mux.RLock()
	defer m.mux.RUnlock()
	for id, s := range m.sessions {
		s.mu.Lock()
		if s.retry != nil {
			s.retry.Stop()
			s.retry = nil
		}
		s.mu.Unlock()
		s.cancel()
		m.adapter.Disconnect(id)
	}
}

func (m *Manager) register(id, tenantID, status string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:       id,
		tenantID: tenantID,
		status:   status,
		backoff:  m.reconnectBase(),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.mux.Lock()
	defer m.mux.Unlock()
	if _, ok := m.sessions[id]; ok {
		cancel()
		return nil
	}
	m.sessions[id] = s
	// a re-created id gets its dispatch queue back
	m.bus.OpenSession(id)
	return s
}

func (m *Manager) lookup(id string) *session {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return m.sessions[id]
}

// Create allocates a new session and starts connecting asynchronously.
// Progress is observed through status polling or the realtime channel.
func (m *Manager) Create(ctx context.Context, tenantID, id, name, phoneHint string) (*domain.GateSession, error) {
	if id == "" || tenantID == "" {
		return nil, errs.New(errs.KindInvalidArgument, "session id and tenant id are required")
	}
	s := m.register(id, tenantID, domain.SessionCreated)
	if s == nil {
		return nil, errs.AlreadyExists("session %s already exists", id)
	}

	row := &domain.GateSession{
		ID:            id,
		TenantID:      tenantID,
		Name:          name,
		PhoneHint:     phoneHint,
		Status:        domain.SessionCreated,
		Token:         common.GenerateToken(),
		CredentialRef: "gate_session:" + id,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := m.app.DB().Create(row).Error; err != nil {
		m.mux.Lock()
		delete(m.sessions, id)
		m.mux.Unlock()
		s.cancel()
		return nil, errs.Wrap(err, errs.KindAlreadyExists, "session id already in use")
	}

	m.transition(s, domain.SessionConnecting, "connection starting")
	go m.connect(s)

	m.rec.Record(tenantID, id, domain.ActivitySessionCreate, "", true, "session created")
	row.Status = domain.SessionConnecting
	return row, nil
}

// Delete tears a session down: cancels its worker, purges credentials,
// webhook subscriptions and moderation state, then removes the record.
// Idempotent: deleting an unknown id is a no-op success so client retries
// are safe.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mux.Lock()
	s := m.sessions[id]
	delete(m.sessions, id)
	m.mux.Unlock()

	tenantID := ""
	if s != nil {
		tenantID = s.tenantID
		s.mu.Lock()
		s.deleted = true
		if s.retry != nil {
			s.retry.Stop()
			s.retry = nil
		}
		m.setStatusLocked(s, domain.SessionDeleting, "delete requested")
		s.mu.Unlock()
		s.cancel()
	}

	if err := m.adapter.Logout(ctx, id); err != nil {
		zap.L().Warn("sessiond: credential purge failed during delete",
			zap.Error(err), zap.String("session_id", id))
	}

	db := m.app.DB()
	if tenantID == "" {
		var row domain.GateSession
		if err := db.Where("id = ?", id).First(&row).Error; err == nil {
			tenantID = row.TenantID
		}
	}
	// broadcast before the purge: the webhook dispatcher snapshots the
	// session's subscriptions synchronously, so the session_deleted event
	// still reaches endpoints whose rows are removed just below
	m.bus.PublishSessionDeleted(id)

	for _, stmt := range []error{
		db.Where("session_id = ?", id).Delete(&domain.Webhook{}).Error,
		db.Where("session_id = ?", id).Delete(&domain.GroupPolicy{}).Error,
		db.Where("session_id = ?", id).Delete(&domain.MemberWarning{}).Error,
		db.Where("id = ?", id).Delete(&domain.GateSession{}).Error,
	} {
		if stmt != nil {
			return errors.Wrap(stmt, "purge session records")
		}
	}
	if s != nil || tenantID != "" {
		m.rec.Record(tenantID, id, domain.ActivitySessionDelete, "", true, "session deleted")
	}
	zap.L().Info("sessiond: session deleted", zap.String("session_id", id))
	return nil
}

// RequestQR returns the current QR challenge. Valid only before the session
// reaches CONNECTED; an empty code means the transport has not produced a
// challenge yet and the caller should poll again.
func (m *Manager) RequestQR(id string) (string, error) {
	s := m.lookup(id)
	if s == nil {
		return "", errs.NotFound("session %s not found", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == domain.SessionConnected {
		return "", errs.New(errs.KindInvalidArgument, "session %s is already connected", id)
	}
	return s.qr, nil
}

// RequestPairingCode asks the transport for a phone pairing challenge. The
// request waits a short readiness delay first: the transport needs a moment
// after connect before it can issue a code, and callers treat the wait as
// normal latency.
func (m *Manager) RequestPairingCode(ctx context.Context, id, phone string) (string, error) {
	s := m.lookup(id)
	if s == nil {
		return "", errs.NotFound("session %s not found", id)
	}
	s.mu.Lock()
	if s.status == domain.SessionConnected {
		s.mu.Unlock()
		return "", errs.New(errs.KindInvalidArgument, "session %s is already connected", id)
	}
	s.mu.Unlock()

	select {
	case <-time.After(m.pairingDelay()):
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.ctx.Done():
		return "", errs.NotFound("session %s was deleted", id)
	}

	code, err := m.adapter.RequestPairingCode(ctx, id, phone)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	if !s.deleted && s.status != domain.SessionConnected {
		s.pairing = code
		m.setStatusLocked(s, domain.SessionPairingPending, "pairing code issued")
	}
	s.mu.Unlock()
	return code, nil
}

// Status implements pipeline.SessionDirectory.
func (m *Manager) Status(id string) (string, error) {
	s := m.lookup(id)
	if s == nil {
		return "", errs.NotFound("session %s not found", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, nil
}

// Get returns the persisted session record.
func (m *Manager) Get(id string) (*domain.GateSession, error) {
	var row domain.GateSession
	err := m.app.DB().Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("session %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// List returns all sessions for a tenant, or every session when tenantID is
// empty (operator view).
func (m *Manager) List(tenantID string) ([]domain.GateSession, error) {
	tx := m.app.DB().Model(&domain.GateSession{})
	if tenantID != "" {
		tx = tx.Where("tenant_id = ?", tenantID)
	}
	var rows []domain.GateSession
	err := tx.Order("created_at desc").Find(&rows).Error
	return rows, err
}

// Authorize checks the per-session bearer token for the message API.
func (m *Manager) Authorize(id, token string) (*domain.GateSession, error) {
	row, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(row.Token), []byte(token)) != 1 {
		return nil, errs.Unauthorized("invalid session token")
	}
	return row, nil
}
