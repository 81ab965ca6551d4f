package sessiond

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/toughgate/config"
	"github.com/talkincode/toughgate/internal/activity"
	"github.com/talkincode/toughgate/internal/app"
	"github.com/talkincode/toughgate/internal/domain"
	"github.com/talkincode/toughgate/internal/errs"
	"github.com/talkincode/toughgate/internal/pipeline"
	"github.com/talkincode/toughgate/internal/transport/transporttest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(domain.Tables...))
	return db
}

func newTestManager(t *testing.T) (*Manager, *transporttest.FakeAdapter, *pipeline.Pipeline) {
	t.Helper()
	a := app.NewTestApplication(config.DefaultAppConfig, newTestDB(t))
	fake := transporttest.NewFake()
	pipe := pipeline.New(fake)
	rec := activity.NewRecorder(a, pipe)
	m := NewManager(a, fake, pipe, rec)
	t.Cleanup(pipe.Close)
	return m, fake, pipe
}

func waitStatus(t *testing.T, m *Manager, id, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got, err := m.Status(id); err == nil && got == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, err := m.Status(id)
	t.Fatalf("session %s never reached %s (last: %s, err: %v)", id, want, got, err)
}

func TestCreateStartsConnecting(t *testing.T) {
	m, fake, _ := newTestManager(t)

	row, err := m.Create(context.Background(), "acme", "s1", "support line", "")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionConnecting, row.Status)
	assert.NotEmpty(t, row.Token)

	waitStatus(t, m, "s1", domain.SessionConnecting)
	assert.Eventually(t, func() bool { return fake.Connected("s1") }, time.Second, 10*time.Millisecond)
}

func TestCreateDuplicateFails(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Create(context.Background(), "acme", "s1", "", "")
	require.NoError(t, err)

	_, err = m.Create(context.Background(), "acme", "s1", "", "")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindAlreadyExists))
}

func TestQRScanToConnected(t *testing.T) {
	m, fake, _ := newTestManager(t)

	_, err := m.Create(context.Background(), "acme", "s1", "", "")
	require.NoError(t, err)

	fake.Handler().OnQRCode("s1", "2@qr-challenge")
	waitStatus(t, m, "s1", domain.SessionQRPending)

	code, err := m.RequestQR("s1")
	require.NoError(t, err)
	assert.Equal(t, "2@qr-challenge", code)

	fake.Handler().OnConnected("s1", "15550001111@s.whatsapp.net")
	waitStatus(t, m, "s1", domain.SessionConnected)

	// the challenge is consumed once pairing completes
	_, err = m.RequestQR("s1")
	assert.True(t, errs.Is(err, errs.KindInvalidArgument))

	row, err := m.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "15550001111@s.whatsapp.net", row.Jid)
	assert.NotNil(t, row.LastConnectedAt)
}

func TestDeleteIsIdempotent(t *testing.T) {
	m, fake, _ := newTestManager(t)

	_, err := m.Create(context.Background(), "acme", "s1", "", "")
	require.NoError(t, err)

	require.NoError(t, m.Delete(context.Background(), "s1"))
	assert.True(t, fake.LoggedOut("s1"))
	_, err = m.Get("s1")
	assert.True(t, errs.Is(err, errs.KindNotFound))

	// second delete and unknown-id delete are both no-op successes
	require.NoError(t, m.Delete(context.Background(), "s1"))
	require.NoError(t, m.Delete(context.Background(), "never-existed"))
}

func TestDeleteThenCreateSameID(t *testing.T) {
	m, fake, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "acme", "s1", "", "")
	require.NoError(t, err)
	fake.Handler().OnConnected("s1", "111@s.whatsapp.net")
	waitStatus(t, m, "s1", domain.SessionConnected)

	require.NoError(t, m.Delete(ctx, "s1"))

	row, err := m.Create(ctx, "acme", "s1", "second life", "")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionConnecting, row.Status)
	assert.Empty(t, row.Jid)
}

func TestLateConnectAfterDeleteNeverDials(t *testing.T) {
	m, fake, _ := newTestManager(t)
	ctx := context.Background()
	fake.ConnectErr = errs.New(errs.KindTransientTransport, "network down")

	_, err := m.Create(ctx, "acme", "s1", "", "")
	require.NoError(t, err)
	waitStatus(t, m, "s1", domain.SessionDisconnected)

	s := m.lookup("s1")
	require.NotNil(t, s)
	require.NoError(t, m.Delete(ctx, "s1"))

	// a worker goroutine scheduled before the delete completed must give
	// up instead of re-minting credentials for a dead session
	fake.ConnectErr = nil
	m.connect(s)

	assert.False(t, fake.Connected("s1"))
	assert.True(t, fake.LoggedOut("s1"))
}

func TestDeletePurgesDependentRecords(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	db := mdb(m)

	_, err := m.Create(ctx, "acme", "s1", "", "")
	require.NoError(t, err)
	require.NoError(t, db.Create(&domain.Webhook{ID: 1, SessionID: "s1", URL: "http://x", EventTypes: "[]", Secret: "s"}).Error)
	require.NoError(t, db.Create(&domain.GroupPolicy{ID: 2, SessionID: "s1", GroupID: "g1"}).Error)
	require.NoError(t, db.Create(&domain.MemberWarning{ID: 3, SessionID: "s1", GroupID: "g1", MemberID: "m1", Count: 1}).Error)

	require.NoError(t, m.Delete(ctx, "s1"))

	for _, model := range []interface{}{&domain.Webhook{}, &domain.GroupPolicy{}, &domain.MemberWarning{}} {
		var n int64
		require.NoError(t, db.Model(model).Where("session_id = ?", "s1").Count(&n).Error)
		assert.Zero(t, n)
	}
}

func TestLoggedOutIsTerminal(t *testing.T) {
	m, fake, _ := newTestManager(t)

	_, err := m.Create(context.Background(), "acme", "s1", "", "")
	require.NoError(t, err)
	fake.Handler().OnConnected("s1", "111@s.whatsapp.net")
	waitStatus(t, m, "s1", domain.SessionConnected)

	fake.Handler().OnDisconnected("s1", true, "401: device removed")
	waitStatus(t, m, "s1", domain.SessionAuthFailed)
	assert.True(t, fake.LoggedOut("s1"))

	// no reconnect is ever scheduled from the terminal status
	time.Sleep(50 * time.Millisecond)
	got, err := m.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionAuthFailed, got)
}

func TestTransientDisconnectSchedulesRetry(t *testing.T) {
	m, fake, _ := newTestManager(t)
	db := mdb(m)
	require.NoError(t, db.Create(&domain.SysConfig{Type: "session", Name: "reconnect_base_ms", Value: "10"}).Error)
	require.NoError(t, db.Create(&domain.SysConfig{Type: "session", Name: "reconnect_max_ms", Value: "40"}).Error)

	_, err := m.Create(context.Background(), "acme", "s1", "", "")
	require.NoError(t, err)
	fake.Handler().OnConnected("s1", "111@s.whatsapp.net")
	waitStatus(t, m, "s1", domain.SessionConnected)

	fake.Handler().OnDisconnected("s1", false, "stream error")
	waitStatus(t, m, "s1", domain.SessionConnecting)

	// success resets the schedule and the session comes back up
	fake.Handler().OnConnected("s1", "111@s.whatsapp.net")
	waitStatus(t, m, "s1", domain.SessionConnected)
}

func TestBackoffDoublesUpToCeiling(t *testing.T) {
	m, fake, _ := newTestManager(t)
	db := mdb(m)
	require.NoError(t, db.Create(&domain.SysConfig{Type: "session", Name: "reconnect_base_ms", Value: "10"}).Error)
	require.NoError(t, db.Create(&domain.SysConfig{Type: "session", Name: "reconnect_max_ms", Value: "40"}).Error)

	_, err := m.Create(context.Background(), "acme", "s1", "", "")
	require.NoError(t, err)
	waitStatus(t, m, "s1", domain.SessionConnecting)

	s := m.lookup("s1")
	require.NotNil(t, s)

	for _, want := range []time.Duration{20, 40, 40, 40} {
		s.mu.Lock()
		m.setStatusLocked(s, domain.SessionDisconnected, "drop")
		m.scheduleRetryLocked(s)
		got := s.backoff
		if s.retry != nil {
			s.retry.Stop()
			s.retry = nil
		}
		s.mu.Unlock()
		assert.Equal(t, want*time.Millisecond, got)
	}

	fake.Handler().OnConnected("s1", "111@s.whatsapp.net")
	waitStatus(t, m, "s1", domain.SessionConnected)
	s.mu.Lock()
	assert.Equal(t, 10*time.Millisecond, s.backoff)
	s.mu.Unlock()
}

func TestStartRestoresPersistedSessions(t *testing.T) {
	m, fake, _ := newTestManager(t)
	db := mdb(m)

	rows := []domain.GateSession{
		{ID: "s-live", TenantID: "acme", Status: domain.SessionDisconnected, Token: "t1"},
		{ID: "s-dead", TenantID: "acme", Status: domain.SessionAuthFailed, Token: "t2"},
		{ID: "s-half", TenantID: "acme", Status: domain.SessionDeleting, Token: "t3"},
	}
	for i := range rows {
		require.NoError(t, db.Create(&rows[i]).Error)
	}

	require.NoError(t, m.Start(context.Background()))

	waitStatus(t, m, "s-live", domain.SessionConnecting)

	got, err := m.Status("s-dead")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionAuthFailed, got)

	// the interrupted delete is finished, the row is gone
	_, err = m.Get("s-half")
	assert.True(t, errs.Is(err, errs.KindNotFound))
	assert.True(t, fake.LoggedOut("s-half"))
}

func TestAuthorize(t *testing.T) {
	m, _, _ := newTestManager(t)

	row, err := m.Create(context.Background(), "acme", "s1", "", "")
	require.NoError(t, err)

	got, err := m.Authorize("s1", row.Token)
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)

	_, err = m.Authorize("s1", "wrong-token")
	assert.True(t, errs.Is(err, errs.KindUnauthorized))
	_, err = m.Authorize("s1", "")
	assert.True(t, errs.Is(err, errs.KindUnauthorized))
	_, err = m.Authorize("nope", row.Token)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestSendThroughPipelineGatesOnStatus(t *testing.T) {
	m, fake, pipe := newTestManager(t)
	ctx := context.Background()

	err := pipe.Send(ctx, "ghost", &domain.MessageEvent{Content: "hi"})
	assert.True(t, errs.Is(err, errs.KindNotFound))

	_, err = m.Create(ctx, "acme", "s1", "", "")
	require.NoError(t, err)

	err = pipe.Send(ctx, "s1", &domain.MessageEvent{Content: "hi"})
	assert.True(t, errs.Is(err, errs.KindSessionNotReady))

	fake.Handler().OnConnected("s1", "111@s.whatsapp.net")
	waitStatus(t, m, "s1", domain.SessionConnected)

	evt := &domain.MessageEvent{RemoteID: "222@s.whatsapp.net", ContentType: domain.ContentText, Content: "hi"}
	require.NoError(t, pipe.Send(ctx, "s1", evt))
	assert.Equal(t, domain.DirectionOutbound, evt.Direction)
	assert.NotEmpty(t, evt.CorrelationID)
	require.Len(t, fake.Sent(), 1)
}

// mdb reaches the manager's database handle for fixtures.
func mdb(m *Manager) *gorm.DB {
	return m.app.DB()
}
