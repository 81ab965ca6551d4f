package domain

import "time"

const (
	CreditDebit  = "debit"
	CreditCredit = "credit"
)

// CreditAccount holds the current balance per tenant. Mutated only inside
// the ledger's per-tenant critical section so BalanceAfter on entries is
// never computed from a stale read.
type CreditAccount struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	TenantID  string    `json:"tenant_id" gorm:"size:128;uniqueIndex"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (CreditAccount) TableName() string {
	return "gate_credit_account"
}

// CreditEntry is one append-only ledger transaction.
type CreditEntry struct {
	ID           int64     `json:"id,string" gorm:"primaryKey"`
	TenantID     string    `json:"tenant_id" gorm:"size:128;index"`
	Type         string    `json:"type" gorm:"size:12"` // debit | credit
	Amount       int64     `json:"amount"`
	Reason       string    `json:"reason" gorm:"size:255"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at" gorm:"index"`
}

func (CreditEntry) TableName() string {
	return "gate_credit_entry"
}
