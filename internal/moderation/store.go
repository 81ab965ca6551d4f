package moderation

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/toughgate/internal/app"
	"github.com/talkincode/toughgate/internal/domain"
	"github.com/talkincode/toughgate/internal/errs"
	"github.com/talkincode/toughgate/pkg/common"
	"gorm.io/gorm"
)

// Store persists group policies and warning counters.
type Store struct {
	app app.DBProvider
}

func NewStore(a app.DBProvider) *Store {
	return &Store{app: a}
}

// Policy loads the policy for one (session, group) pair.
func (s *Store) Policy(sessionID, groupID string) (*domain.GroupPolicy, error) {
	var p domain.GroupPolicy
	err := s.app.DB().
		Where("session_id = ? and group_id = ?", sessionID, groupID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("no policy for group %s", groupID)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPolicies returns every policy configured under a session.
func (s *Store) ListPolicies(sessionID string) ([]domain.GroupPolicy, error) {
	var rows []domain.GroupPolicy
	err := s.app.DB().Where("session_id = ?", sessionID).
		Order("group_id").Find(&rows).Error
	return rows, err
}

// UpsertPolicy creates or replaces the policy for (session, group).
func (s *Store) UpsertPolicy(p *domain.GroupPolicy) error {
	if p.SessionID == "" || p.GroupID == "" {
		return errs.New(errs.KindInvalidArgument, "session id and group id are required")
	}
	if p.MaxWarnings < 0 || p.WarningResetDays < 0 {
		return errs.New(errs.KindInvalidArgument, "max_warnings and warning_reset_days must not be negative")
	}
	var existing domain.GroupPolicy
	err := s.app.DB().
		Where("session_id = ? and group_id = ?", p.SessionID, p.GroupID).
		First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		p.ID = common.UUIDint64()
		p.CreatedAt = time.Now()
		p.UpdatedAt = time.Now()
		return s.app.DB().Create(p).Error
	case err != nil:
		return err
	default:
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
		p.UpdatedAt = time.Now()
		return s.app.DB().Save(p).Error
	}
}

// DeletePolicy removes the policy and its warning counters.
func (s *Store) DeletePolicy(sessionID, groupID string) error {
	db := s.app.DB()
	if err := db.Where("session_id = ? and group_id = ?", sessionID, groupID).
		Delete(&domain.MemberWarning{}).Error; err != nil {
		return err
	}
	return db.Where("session_id = ? and group_id = ?", sessionID, groupID).
		Delete(&domain.GroupPolicy{}).Error
}

// badWordList splits the policy's comma-separated word list, lowercased.
func badWordList(p *domain.GroupPolicy) []string {
	if strings.TrimSpace(p.BadWords) == "" {
		return nil
	}
	parts := strings.Split(p.BadWords, ",")
	words := make([]string, 0, len(parts))
	for _, w := range parts {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			words = append(words, w)
		}
	}
	return words
}

// warning loads the counter row for (session, group, member), creating a
// zero row in memory when none exists.
func (s *Store) warning(sessionID, groupID, memberID string) (*domain.MemberWarning, error) {
	var w domain.MemberWarning
	err := s.app.DB().
		Where("session_id = ? and group_id = ? and member_id = ?", sessionID, groupID, memberID).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.MemberWarning{
			SessionID: sessionID,
			GroupID:   groupID,
			MemberID:  memberID,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) saveWarning(w *domain.MemberWarning) error {
	if w.ID == 0 {
		w.ID = common.UUIDint64()
		w.CreatedAt = time.Now()
		w.UpdatedAt = time.Now()
		return s.app.DB().Create(w).Error
	}
	w.UpdatedAt = time.Now()
	return s.app.DB().Save(w).Error
}
