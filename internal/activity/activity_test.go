package activity

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/toughgate/config"
	"github.com/talkincode/toughgate/internal/app"
	"github.com/talkincode/toughgate/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type captureBus struct {
	mu   sync.Mutex
	rows []*domain.ActivityLog
}

func (b *captureBus) PublishActivity(evt *domain.ActivityLog) {
	b.mu.Lock()
	b.rows = append(b.rows, evt)
	b.mu.Unlock()
}

func newTestRecorder(t *testing.T) (*Recorder, *captureBus) {
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
	bus := &captureBus{}
	return NewRecorder(app.NewTestApplication(config.DefaultAppConfig, db), bus), bus
}

func TestRecordAndList(t *testing.T) {
	r, bus := newTestRecorder(t)

	r.Record("acme", "s1", domain.ActivityMessageSend, "222@s.whatsapp.net", true, "text message sent")
	r.Record("acme", "s1", domain.ActivityModerationWarn, "g1@g.us", true, "warning 1/3")
	r.Record("globex", "s2", domain.ActivityMessageSend, "333@s.whatsapp.net", false, "send failed")

	rows, total, err := r.List(Query{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, rows, 3)

	rows, total, err = r.List(Query{TenantID: "acme"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	for _, row := range rows {
		assert.Equal(t, "acme", row.TenantID)
	}

	rows, total, err = r.List(Query{Kind: domain.ActivityModerationWarn})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, "g1@g.us", rows[0].RemoteID)

	_, total, err = r.List(Query{SessionID: "s2"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	bus.mu.Lock()
	assert.Len(t, bus.rows, 3)
	bus.mu.Unlock()
}

func TestListPagination(t *testing.T) {
	r, _ := newTestRecorder(t)
	for i := 0; i < 25; i++ {
		r.Record("acme", "s1", domain.ActivityMessageReceive, "", true, fmt.Sprintf("message %d", i))
	}

	rows, total, err := r.List(Query{Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 25, total)
	assert.Len(t, rows, 10)

	rows, _, err = r.List(Query{Page: 3, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, rows, 5)
}
