package app

import (
	"context"
	"os"
	"time"

	"github.com/chatlinehq/crmbridge/internal/connector"
	"github.com/chatlinehq/crmbridge/internal/domain"
	"github.com/chatlinehq/crmbridge/pkg/metrics"
	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
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
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	// Nightly reconciliation sweep over every enabled integration. The
	// schedule is a system setting so operators can move it off-peak.
	diagnoseCron := a.GetSettingsStringValue("system", "DiagnoseCron")
	if diagnoseCron == "" {
		diagnoseCron = "0 30 2 * * *"
	}
	_, err = a.sched.AddFunc(diagnoseCron, func() {
		a.SchedConnectorDiagnoseTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.initBusSubscribers()

	a.sched.Start()
}

// SchedConnectorDiagnoseTask runs the connector diagnose sweep for all
// installed integrations.
func (a *Application) SchedConnectorDiagnoseTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	svc := connector.Get()
	if svc == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	svc.DiagnoseAll(ctx, a.GetSettingsBoolValue("crm", "DiagnoseAutoFix"))
}

// initBusSubscribers attaches audit log subscribers to the lifecycle topics
// published by the connector service.
func (a *Application) initBusSubscribers() {
	err := a.bus.Subscribe(connector.TopicActivation, func(result *connector.ActivationResult) {
		zap.L().Info("connector activation finished",
			zap.Int64("integration_id", result.IntegrationId),
			zap.Int("line", result.Line),
			zap.String("state", string(result.State)),
			zap.Bool("success", result.Succeeded()))
	})
	if err != nil {
		zap.S().Errorf("bus subscribe error %s", err.Error())
	}

	err = a.bus.Subscribe(connector.TopicDiagnose, func(report *connector.Report) {
		zap.L().Info("connector diagnose finished",
			zap.Int64("integration_id", report.IntegrationId),
			zap.Int("line", report.Line),
			zap.Bool("healthy", report.Healthy()),
			zap.Int("issues", len(report.Issues)),
			zap.Int("fixes", len(report.FixesApplied)))
	})
	if err != nil {
		zap.S().Errorf("bus subscribe error %s", err.Error())
	}
}

// SchedSystemMonitorTask system monitor
func (a *Application) SchedSystemMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	// Collect CPU usage
	_cpuuse, err := cpu.Percent(0, false)
	if err == nil && len(_cpuuse) > 0 {
		metrics.SetGauge("system_cpuuse", _cpuuse[0])
	}

	// Collect memory usage
	_meminfo, err := mem.VirtualMemory()
	if err == nil {
		metrics.SetGauge("system_memuse", float64(_meminfo.Used/1024/1024))
	}
}

// SchedProcessMonitorTask app process monitor
func (a *Application) SchedProcessMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	p, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // G115: PID is always within int32 range
	if err != nil {
		return
	}

	// Collect process CPU usage
	cpuuse, err := p.CPUPercent()
	if err == nil {
		metrics.SetGauge("crmbridge_cpuuse", cpuuse)
	}

	// Collect process memory usage
	meminfo, err := p.MemoryInfo()
	if err == nil {
		metrics.SetGauge("crmbridge_memuse", float64(meminfo.RSS/1024/1024))
	}
}
