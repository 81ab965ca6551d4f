// Package activity implements the append-only audit trail. Writes are
// best-effort: a failed insert is logged and never fails the caller, because
// audit capture must not change business outcomes.
package activity

import (
	"time"

	"github.com/talkincode/toughgate/internal/app"
	"github.com/talkincode/toughgate/internal/domain"
	"github.com/talkincode/toughgate/pkg/common"
	"go.uber.org/zap"
)

// Broadcaster pushes freshly written records to realtime consumers.
type Broadcaster interface {
	PublishActivity(evt *domain.ActivityLog)
}

type Recorder struct {
	app app.DBProvider
	bus Broadcaster
}

func NewRecorder(a app.DBProvider, bus Broadcaster) *Recorder {
	return &Recorder{app: a, bus: bus}
}

// Record appends one audit row.
func (r *Recorder) Record(tenantID, sessionID, kind, remoteID string, success bool, detail string) {
	row := &domain.ActivityLog{
		ID:        common.UUIDint64(),
		TenantID:  tenantID,
		SessionID: sessionID,
		Kind:      kind,
		RemoteID:  remoteID,
		Success:   success,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	if err := r.app.DB().Create(row).Error; err != nil {
		zap.L().Error("activity: insert failed",
			zap.Error(err), zap.String("kind", kind), zap.String("session_id", sessionID))
		return
	}
	if r.bus != nil {
		r.bus.PublishActivity(row)
	}
}

// Query filters for List.
type Query struct {
	TenantID  string
	SessionID string
	Kind      string
	Page      int
	PageSize  int
}

// List returns a page of records, newest first, plus the total match count.
func (r *Recorder) List(q Query) ([]domain.ActivityLog, int64, error) {
	tx := r.app.DB().Model(&domain.ActivityLog{})
	if q.TenantID != "" {
		tx = tx.Where("tenant_id = ?", q.TenantID)
	}
	if q.SessionID != "" {
		tx = tx.Where("session_id = ?", q.SessionID)
	}
	if q.Kind != "" {
		tx = tx.Where("kind = ?", q.Kind)
	}
	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if q.PageSize <= 0 {
		q.PageSize = 40
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	var rows []domain.ActivityLog
	err := tx.Order("created_at desc").
		Offset((q.Page - 1) * q.PageSize).
		Limit(q.PageSize).
		Find(&rows).Error
	return rows, total, err
}
