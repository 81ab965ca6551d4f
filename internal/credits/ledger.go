// Package credits implements the metering ledger. Debits and credits for
// one tenant serialize through a mutex stripe so balance_after is always the
// deterministic running total; different tenants proceed in parallel.
package credits

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/toughgate/internal/app"
	"github.com/talkincode/toughgate/internal/domain"
	"github.com/talkincode/toughgate/internal/errs"
	"github.com/talkincode/toughgate/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const stripeCount = 64

// Common ledger reasons.
const (
	ReasonAIResponse = "ai_response"
	ReasonAIRefund   = "ai_refund"
	ReasonWelcome    = "welcome_bonus"
	ReasonTopUp      = "top_up"
)

type Ledger struct {
	app     app.AppContext
	stripes [stripeCount]sync.Mutex
}

func NewLedger(a app.AppContext) *Ledger {
	return &Ledger{app: a}
}

func (l *Ledger) stripe(tenantID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	return &l.stripes[h.Sum32()%stripeCount]
}

// account loads or creates the tenant's balance row inside tx.
func (l *Ledger) account(tx *gorm.DB, tenantID string) (*domain.CreditAccount, error) {
	var acct domain.CreditAccount
	err := tx.Where("tenant_id = ?", tenantID).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		acct = domain.CreditAccount{
			ID:        common.UUIDint64(),
			TenantID:  tenantID,
			Balance:   0,
			CreatedAt: time.Now(),
		}
		if err := tx.Create(&acct).Error; err != nil {
			return nil, errors.Wrap(err, "create credit account")
		}
		return &acct, nil
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (l *Ledger) apply(tenantID, kind string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, errs.New(errs.KindInvalidArgument, "amount must be positive")
	}
	mu := l.stripe(tenantID)
	mu.Lock()
	defer mu.Unlock()

	var balanceAfter int64
	err := l.app.DB().Transaction(func(tx *gorm.DB) error {
		acct, err := l.account(tx, tenantID)
		if err != nil {
			return err
		}
		switch kind {
		case domain.CreditDebit:
			if acct.Balance < amount {
				return errs.InsufficientCredits(
					"tenant %s balance %d is below %d", tenantID, acct.Balance, amount)
			}
			balanceAfter = acct.Balance - amount
		case domain.CreditCredit:
			balanceAfter = acct.Balance + amount
		default:
			return errs.New(errs.KindInvalidArgument, "unknown ledger entry type %s", kind)
		}
		if err := tx.Model(&domain.CreditAccount{}).Where("id = ?", acct.ID).
			Updates(map[string]interface{}{"balance": balanceAfter, "updated_at": time.Now()}).Error; err != nil {
			return errors.Wrap(err, "update balance")
		}
		return errors.Wrap(tx.Create(&domain.CreditEntry{
			ID:           common.UUIDint64(),
			TenantID:     tenantID,
			Type:         kind,
			Amount:       amount,
			Reason:       reason,
			BalanceAfter: balanceAfter,
			CreatedAt:    time.Now(),
		}).Error, "append ledger entry")
	})
	if err != nil {
		return 0, err
	}
	return balanceAfter, nil
}

// Debit charges the tenant, failing with InsufficientCredits when the
// balance cannot cover the amount. Returns the new balance.
func (l *Ledger) Debit(tenantID string, amount int64, reason string) (int64, error) {
	return l.apply(tenantID, domain.CreditDebit, amount, reason)
}

// Credit tops the tenant up. Always succeeds for a positive amount.
func (l *Ledger) Credit(tenantID string, amount int64, reason string) (int64, error) {
	return l.apply(tenantID, domain.CreditCredit, amount, reason)
}

// Balance reads the current balance; unknown tenants report zero.
func (l *Ledger) Balance(tenantID string) (int64, error) {
	var acct domain.CreditAccount
	err := l.app.DB().Where("tenant_id = ?", tenantID).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// History returns a page of ledger entries, newest first.
func (l *Ledger) History(tenantID string, page, pageSize int) ([]domain.CreditEntry, int64, error) {
	if pageSize <= 0 {
		pageSize = 40
	}
	if page <= 0 {
		page = 1
	}
	tx := l.app.DB().Model(&domain.CreditEntry{}).Where("tenant_id = ?", tenantID)
	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var rows []domain.CreditEntry
	err := tx.Order("created_at desc").
		Offset((page - 1) * pageSize).Limit(pageSize).Find(&rows).Error
	return rows, total, err
}

// GrantWelcome issues the one-time signup bonus. Idempotent: a tenant with
// any prior welcome entry is skipped.
func (l *Ledger) GrantWelcome(tenantID string) error {
	amount := l.app.GetSettingsInt64Value("credits", "welcome_amount")
	if amount <= 0 {
		return nil
	}
	mu := l.stripe(tenantID)
	mu.Lock()
	granted := false
	err := l.app.DB().Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&domain.CreditEntry{}).
			Where("tenant_id = ? and reason = ?", tenantID, ReasonWelcome).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		acct, err := l.account(tx, tenantID)
		if err != nil {
			return err
		}
		balanceAfter := acct.Balance + amount
		if err := tx.Model(&domain.CreditAccount{}).Where("id = ?", acct.ID).
			Updates(map[string]interface{}{"balance": balanceAfter, "updated_at": time.Now()}).Error; err != nil {
			return err
		}
		granted = true
		return tx.Create(&domain.CreditEntry{
			ID:           common.UUIDint64(),
			TenantID:     tenantID,
			Type:         domain.CreditCredit,
			Amount:       amount,
			Reason:       ReasonWelcome,
			BalanceAfter: balanceAfter,
			CreatedAt:    time.Now(),
		}).Error
	})
	mu.Unlock()
	if err != nil {
		return err
	}
	if granted {
		zap.L().Info("credits: welcome bonus granted",
			zap.String("tenant_id", tenantID), zap.Int64("amount", amount))
	}
	return nil
}
