package domain

import "time"

// Session status values. The connection worker owns all transitions.
const (
	SessionCreated        = "CREATED"
	SessionConnecting     = "CONNECTING"
	SessionQRPending      = "QR_PENDING"
	SessionPairingPending = "PAIRING_PENDING"
	SessionConnected      = "CONNECTED"
	SessionDisconnected   = "DISCONNECTED"
	SessionDeleting       = "DELETING"
	SessionAuthFailed     = "AUTH_FAILED"
)

// GateSession is one tenant's connection identity on the messaging network.
// The ID is tenant-chosen, globally unique and immutable once created.
type GateSession struct {
	ID              string     `json:"id" gorm:"primaryKey;size:64"`
	TenantID        string     `json:"tenant_id" gorm:"index;size:128"`
	Name            string     `json:"name" gorm:"size:128"`
	PhoneHint       string     `json:"phone_hint" gorm:"size:32"`
	Status          string     `json:"status" gorm:"size:24;index"`
	StatusDetail    string     `json:"status_detail" gorm:"size:255"`
	Token           string     `json:"token" gorm:"size:64;index"` // bearer secret for the message API
	CredentialRef   string     `json:"credential_ref" gorm:"size:128"`
	Jid             string     `json:"jid" gorm:"size:128"` // populated after pairing completes
	LastConnectedAt *time.Time `json:"last_connected_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (GateSession) TableName() string {
	return "gate_session"
}
