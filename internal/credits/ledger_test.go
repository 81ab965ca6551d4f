package credits

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/toughgate/config"
	"github.com/talkincode/toughgate/internal/app"
	"github.com/talkincode/toughgate/internal/domain"
	"github.com/talkincode/toughgate/internal/errs"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestLedger(t *testing.T) (*Ledger, *gorm.DB) {
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
	return NewLedger(app.NewTestApplication(config.DefaultAppConfig, db)), db
}

func TestDebitCreditBalance(t *testing.T) {
	l, _ := newTestLedger(t)

	bal, err := l.Credit("acme", 100, ReasonTopUp)
	require.NoError(t, err)
	assert.EqualValues(t, 100, bal)

	bal, err = l.Debit("acme", 30, ReasonAIResponse)
	require.NoError(t, err)
	assert.EqualValues(t, 70, bal)

	bal, err = l.Balance("acme")
	require.NoError(t, err)
	assert.EqualValues(t, 70, bal)

	// unknown tenants read as zero without creating a row
	bal, err = l.Balance("stranger")
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestDebitInsufficient(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.Debit("acme", 1, ReasonAIResponse)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInsufficientCredits))

	_, err = l.Credit("acme", 5, ReasonTopUp)
	require.NoError(t, err)
	_, err = l.Debit("acme", 6, ReasonAIResponse)
	assert.True(t, errs.Is(err, errs.KindInsufficientCredits))

	// the failed debit left the balance untouched
	bal, err := l.Balance("acme")
	require.NoError(t, err)
	assert.EqualValues(t, 5, bal)
}

func TestInvalidAmounts(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.Debit("acme", 0, ReasonAIResponse)
	assert.True(t, errs.Is(err, errs.KindInvalidArgument))
	_, err = l.Credit("acme", -10, ReasonTopUp)
	assert.True(t, errs.Is(err, errs.KindInvalidArgument))
}

func TestBalanceAfterIsRunningTotal(t *testing.T) {
	l, db := newTestLedger(t)

	_, err := l.Credit("acme", 50, ReasonTopUp)
	require.NoError(t, err)
	_, err = l.Debit("acme", 20, ReasonAIResponse)
	require.NoError(t, err)
	_, err = l.Credit("acme", 5, ReasonAIRefund)
	require.NoError(t, err)

	var rows []domain.CreditEntry
	require.NoError(t, db.Where("tenant_id = ?", "acme").Order("id").Find(&rows).Error)
	require.Len(t, rows, 3)
	assert.EqualValues(t, 50, rows[0].BalanceAfter)
	assert.EqualValues(t, 30, rows[1].BalanceAfter)
	assert.EqualValues(t, 35, rows[2].BalanceAfter)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	l, db := newTestLedger(t)

	_, err := l.Credit("acme", 100, ReasonTopUp)
	require.NoError(t, err)

	const workers = 30
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit("acme", 10, ReasonAIResponse)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, errs.Is(err, errs.KindInsufficientCredits))
		}
	}
	assert.Equal(t, 10, succeeded)

	bal, err := l.Balance("acme")
	require.NoError(t, err)
	assert.Zero(t, bal)

	// every successful debit produced exactly one entry
	var n int64
	require.NoError(t, db.Model(&domain.CreditEntry{}).
		Where("tenant_id = ? and type = ?", "acme", domain.CreditDebit).Count(&n).Error)
	assert.EqualValues(t, 10, n)
}

func TestHistoryPagination(t *testing.T) {
	l, _ := newTestLedger(t)

	for i := 0; i < 15; i++ {
		_, err := l.Credit("acme", 1, ReasonTopUp)
		require.NoError(t, err)
	}

	rows, total, err := l.History("acme", 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 15, total)
	assert.Len(t, rows, 10)

	rows, _, err = l.History("acme", 2, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 5)
}

func TestGrantWelcomeIdempotent(t *testing.T) {
	l, db := newTestLedger(t)
	require.NoError(t, db.Create(&domain.SysConfig{Type: "credits", Name: "welcome_amount", Value: "100"}).Error)

	require.NoError(t, l.GrantWelcome("acme"))
	require.NoError(t, l.GrantWelcome("acme"))
	require.NoError(t, l.GrantWelcome("acme"))

	bal, err := l.Balance("acme")
	require.NoError(t, err)
	assert.EqualValues(t, 100, bal)

	var n int64
	require.NoError(t, db.Model(&domain.CreditEntry{}).
		Where("tenant_id = ? and reason = ?", "acme", ReasonWelcome).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestGrantWelcomeDisabledByDefault(t *testing.T) {
	l, _ := newTestLedger(t)

	// no welcome_amount setting: nothing is granted
	require.NoError(t, l.GrantWelcome("acme"))
	bal, err := l.Balance("acme")
	require.NoError(t, err)
	assert.Zero(t, bal)
}
