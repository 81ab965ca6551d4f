// Package webhook manages tenant-registered delivery endpoints and the
// at-least-once dispatcher that feeds them.
package webhook

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/talkincode/toughgate/internal/app"
	"github.com/talkincode/toughgate/internal/domain"
	"github.com/talkincode/toughgate/internal/errs"
	"github.com/talkincode/toughgate/pkg/common"
	"gorm.io/gorm"
)

// Event names a subscription can select.
const (
	EventMessageReceived = "message_received"
	EventMessageSent     = "message_sent"
	EventSessionStatus   = "session_status"
	EventMemberJoined    = "member_joined"
	EventSessionDeleted  = "session_deleted"
)

var knownEvents = map[string]bool{
	EventMessageReceived: true,
	EventMessageSent:     true,
	EventSessionStatus:   true,
	EventMemberJoined:    true,
	EventSessionDeleted:  true,
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Store struct {
	app app.DBProvider
}

func NewStore(a app.DBProvider) *Store {
	return &Store{app: a}
}

// Create registers a subscription and returns it with the generated secret
// populated. The caller shows the secret once; reads never expose it again.
func (s *Store) Create(sessionID, url string, eventTypes []string) (*domain.Webhook, string, error) {
	if sessionID == "" || url == "" {
		return nil, "", errs.New(errs.KindInvalidArgument, "session id and url are required")
	}
	if len(eventTypes) == 0 {
		return nil, "", errs.New(errs.KindInvalidArgument, "at least one event type is required")
	}
	for _, et := range eventTypes {
		if !knownEvents[et] {
			return nil, "", errs.New(errs.KindInvalidArgument, "unknown event type %s", et)
		}
	}
	raw, err := json.Marshal(eventTypes)
	if err != nil {
		return nil, "", err
	}
	secret := common.GenerateToken()
	row := &domain.Webhook{
		ID:         common.UUIDint64(),
		SessionID:  sessionID,
		URL:        url,
		EventTypes: string(raw),
		Secret:     secret,
		IsActive:   true,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := s.app.DB().Create(row).Error; err != nil {
		return nil, "", errors.Wrap(err, "create webhook")
	}
	return row, secret, nil
}

// List returns all subscriptions for a session.
func (s *Store) List(sessionID string) ([]domain.Webhook, error) {
	var rows []domain.Webhook
	err := s.app.DB().Where("session_id = ?", sessionID).
		Order("created_at").Find(&rows).Error
	return rows, err
}

// Delete removes one subscription, scoped to its session.
func (s *Store) Delete(sessionID string, id int64) error {
	res := s.app.DB().Where("id = ? and session_id = ?", id, sessionID).
		Delete(&domain.Webhook{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.NotFound("webhook %d not found", id)
	}
	return nil
}

// ForEvent returns the active subscriptions of a session that select the
// given event type.
func (s *Store) ForEvent(sessionID, event string) ([]domain.Webhook, error) {
	var rows []domain.Webhook
	err := s.app.DB().
		Where("session_id = ? and is_active = ?", sessionID, true).
		Find(&rows).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	matched := rows[:0]
	for _, row := range rows {
		var types []string
		if err := json.UnmarshalFromString(row.EventTypes, &types); err != nil {
			continue
		}
		for _, t := range types {
			if t == event {
				matched = append(matched, row)
				break
			}
		}
	}
	return matched, nil
}
