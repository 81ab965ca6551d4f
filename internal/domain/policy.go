package domain

import "time"

// GroupPolicy is the moderation configuration for one group within one
// session. MaxWarnings == 0 disables the ban action entirely: violations are
// still logged but never escalate to removal.
type GroupPolicy struct {
	ID                 int64     `json:"id,string" gorm:"primaryKey"`
	SessionID          string    `json:"session_id" gorm:"size:64;uniqueIndex:idx_session_group"`
	GroupID            string    `json:"group_id" gorm:"size:128;uniqueIndex:idx_session_group"`
	IsActive           bool      `json:"is_active"`
	AntiLink           bool      `json:"anti_link"`
	BadWords           string    `json:"bad_words" gorm:"type:text"` // comma separated, matched case-insensitively
	MaxWarnings        int       `json:"max_warnings" gorm:"default:5"`
	WarningResetDays   int       `json:"warning_reset_days" gorm:"default:0"` // 0 = never reset
	WarningTemplate    string    `json:"warning_template" gorm:"type:text"`
	WelcomeEnabled     bool      `json:"welcome_enabled"`
	WelcomeTemplate    string    `json:"welcome_template" gorm:"type:text"`
	AIAssistantEnabled bool      `json:"ai_assistant_enabled"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (GroupPolicy) TableName() string {
	return "gate_group_policy"
}

// MemberWarning is the per (group, member) violation counter. Only the
// moderation engine mutates it; the reset rule is applied lazily on the next
// violation, never by a background sweep.
type MemberWarning struct {
	ID           int64     `json:"id,string" gorm:"primaryKey"`
	SessionID    string    `json:"session_id" gorm:"size:64;uniqueIndex:idx_warn_key"`
	GroupID      string    `json:"group_id" gorm:"size:128;uniqueIndex:idx_warn_key"`
	MemberID     string    `json:"member_id" gorm:"size:128;uniqueIndex:idx_warn_key"`
	Count        int       `json:"count"`
	LastWarnedAt time.Time `json:"last_warned_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (MemberWarning) TableName() string {
	return "gate_member_warning"
}
