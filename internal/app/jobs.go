package app

import (
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/talkincode/toughgate/internal/domain"
	"github.com/talkincode/toughgate/pkg/metrics"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	var err error
	_, err = a.sched.AddFunc("@every 30s", func() {
		go a.SchedSystemMonitorTask()
		go a.SchedProcessMonitorTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@daily", func() {
		a.gormDB.
			Where("opt_time < ? ", time.Now().
				Add(-time.Hour*24*365)).Delete(domain.SysOprLog{})

		retention := a.GetSettingsInt64Value("activity", "retention_days")
		if retention <= 0 {
			retention = 90
		}
		a.gormDB.
			Where("created_at < ?", time.Now().
				Add(-time.Hour*24*time.Duration(retention))).Delete(domain.ActivityLog{})
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@hourly", func() {
		a.SchedLowCreditScanTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}
}

// SchedSystemMonitorTask samples host CPU and memory into the metrics store.
func (a *Application) SchedSystemMonitorTask() {
	percents, err := cpu.Percent(time.Second, false)
	if err == nil && len(percents) > 0 {
		metrics.Gauge(metrics.SystemCPUPercent, percents[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		metrics.Gauge(metrics.SystemMemPercent, vm.UsedPercent)
	}
}

// SchedProcessMonitorTask samples the gateway process itself.
func (a *Application) SchedProcessMonitorTask() {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	if pct, err := proc.CPUPercent(); err == nil {
		metrics.Gauge(metrics.ProcessCPUPercent, pct)
	}
	if info, err := proc.MemoryInfo(); err == nil && info != nil {
		metrics.Gauge(metrics.ProcessMemRSS, float64(info.RSS))
	}
}

// SchedLowCreditScanTask finds tenants at or below the low-credit threshold
// and hands them to the registered notifier.
func (a *Application) SchedLowCreditScanTask() {
	if a.onLowCredit == nil {
		return
	}
	pct := a.GetSettingsInt64Value("credits", "low_threshold_percent")
	if pct <= 0 {
		pct = 10
	}
	base := a.GetSettingsInt64Value("credits", "welcome_amount")
	if base <= 0 {
		base = 100
	}
	threshold := base * pct / 100
	if threshold < 5 {
		threshold = 5
	}
	var accounts []domain.CreditAccount
	if err := a.gormDB.Where("balance > 0 AND balance <= ?", threshold).Find(&accounts).Error; err != nil {
		zap.L().Warn("low credit scan query failed", zap.Error(err))
		return
	}
	for _, acct := range accounts {
		a.onLowCredit(acct.TenantID, acct.Balance)
	}
}
