package domain

import "time"

// Webhook is a tenant-registered delivery endpoint. EventTypes is stored as
// a JSON array from creation onward; the API never accepts a bare string.
type Webhook struct {
	ID         int64     `json:"id,string" gorm:"primaryKey"`
	SessionID  string    `json:"session_id" gorm:"size:64;index"`
	URL        string    `json:"url" gorm:"size:512"`
	EventTypes string    `json:"event_types" gorm:"type:text"` // JSON array of event names
	Secret     string    `json:"-" gorm:"size:128"`
	IsActive   bool      `json:"is_active" gorm:"default:true"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Webhook) TableName() string {
	return "gate_webhook"
}
