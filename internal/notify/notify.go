// Package notify sends operational email notices. Currently a single
// concern: warning operators when a tenant's credit balance runs low.
package notify

import (
	"fmt"

	"github.com/talkincode/toughgate/config"
	"github.com/talkincode/toughgate/internal/app"
	"github.com/talkincode/toughgate/internal/domain"
	"github.com/talkincode/toughgate/pkg/common"
	"go.uber.org/zap"
	gomail "gopkg.in/gomail.v2"
)

type Notifier struct {
	app app.DBProvider
	cfg config.SmtpConfig
}

func NewNotifier(a app.DBProvider, cfg config.SmtpConfig) *Notifier {
	return &Notifier{app: a, cfg: cfg}
}

// recipients returns the mail addresses of enabled operators.
func (n *Notifier) recipients() []string {
	var oprs []domain.SysOpr
	if err := n.app.DB().Where("status = ?", common.ENABLED).Find(&oprs).Error; err != nil {
		zap.L().Error("notify: operator lookup failed", zap.Error(err))
		return nil
	}
	var out []string
	for _, o := range oprs {
		if !common.IsEmptyOrNA(o.Email) {
			out = append(out, o.Email)
		}
	}
	return out
}

// LowCredit mails operators that a tenant's balance dropped below the
// threshold. Failures are logged; the hourly scan will fire again.
func (n *Notifier) LowCredit(tenantID string, balance int64) {
	if n.cfg.Host == "" {
		zap.L().Debug("notify: smtp not configured, skipping low-credit notice",
			zap.String("tenant_id", tenantID))
		return
	}
	to := n.recipients()
	if len(to) == 0 {
		return
	}
	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.From)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", fmt.Sprintf("[toughgate] low credit balance for tenant %s", tenantID))
	m.SetBody("text/plain", fmt.Sprintf(
		"Tenant %s has %d credits remaining. AI auto-replies will be suppressed once the balance reaches zero.",
		tenantID, balance))

	d := gomail.NewDialer(n.cfg.Host, n.cfg.Port, n.cfg.Username, n.cfg.Password)
	if err := d.DialAndSend(m); err != nil {
		zap.L().Error("notify: low-credit mail failed",
			zap.Error(err), zap.String("tenant_id", tenantID))
		return
	}
	zap.L().Info("notify: low-credit notice sent",
		zap.String("tenant_id", tenantID), zap.Int64("balance", balance))
}
