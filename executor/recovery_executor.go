package executor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/flowd/engine"
	"github.com/flowforge/flowd/logger"
	"github.com/flowforge/flowd/util"
)

type RecoveryExecutor struct {
	engine   *engine.Engine
	interval time.Duration
	wg       *sync.WaitGroup
	stop     chan struct{}
}

func NewRecoveryExecutor(engine *engine.Engine, interval time.Duration, wg *sync.WaitGroup) *RecoveryExecutor {
	return &RecoveryExecutor{
		engine:   engine,
		interval: interval,
		stop:     make(chan struct{}),
		wg:       wg,
	}
}

func (ex *RecoveryExecutor) Name() string {
	return "recovery-executor"
}

func (ex *RecoveryExecutor) Start() error {
	fn := func() {
		report, err := ex.engine.RecoverCrashedFlows()
		if err != nil {
			logger.Error("error while running recovery sweep", zap.Error(err))
			return
		}
		if report.TotalChecked > 0 {
			logger.Info("recovery sweep report", zap.Int("totalChecked", report.TotalChecked), zap.Int("recovered", report.Recovered), zap.Int("failed", report.Failed))
		}
	}
	tw := util.NewTickWorker("recovery-worker", ex.interval, ex.stop, fn, ex.wg)
	tw.Start()
	logger.Info("recovery executor started")
	return nil
}

func (ex *RecoveryExecutor) Stop() error {
	ex.stop <- struct{}{}
	return nil
}
