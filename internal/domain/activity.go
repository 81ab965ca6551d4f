package domain

import "time"

// Activity kinds recorded by the gateway.
const (
	ActivitySessionCreate    = "session_create"
	ActivitySessionDelete    = "session_delete"
	ActivitySessionStatus    = "session_status"
	ActivityMessageSend      = "message_send"
	ActivityMessageReceive   = "message_receive"
	ActivityModerationWarn   = "moderation_warn"
	ActivityModerationRemove = "moderation_remove"
	ActivityModerationDelete = "moderation_delete"
	ActivityWelcomeSend      = "welcome_send"
	ActivityAssistReply      = "assist_reply"
	ActivityWebhookDelivery  = "webhook_delivery"
)

// ActivityLog is the append-only audit trail consumed by the dashboard.
type ActivityLog struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	TenantID  string    `json:"tenant_id" gorm:"size:128;index"`
	SessionID string    `json:"session_id" gorm:"size:64;index"`
	Kind      string    `json:"kind" gorm:"size:32;index"`
	RemoteID  string    `json:"remote_id" gorm:"size:128"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail" gorm:"size:512"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

func (ActivityLog) TableName() string {
	return "gate_activity"
}
