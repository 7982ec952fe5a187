package executor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/flowd/engine"
	"github.com/flowforge/flowd/logger"
	"github.com/flowforge/flowd/util"
)

type AutoResumeExecutor struct {
	engine   *engine.Engine
	interval time.Duration
	wg       *sync.WaitGroup
	stop     chan struct{}
}

func NewAutoResumeExecutor(engine *engine.Engine, interval time.Duration, wg *sync.WaitGroup) *AutoResumeExecutor {
	return &AutoResumeExecutor{
		engine:   engine,
		interval: interval,
		stop:     make(chan struct{}),
		wg:       wg,
	}
}

func (ex *AutoResumeExecutor) Name() string {
	return "auto-resume-executor"
}

func (ex *AutoResumeExecutor) Start() error {
	fn := func() {
		resumed := ex.engine.AutoResumeSweep()
		if resumed > 0 {
			logger.Info("auto-resume sweep resumed flows", zap.Int("count", resumed))
		}
	}
	tw := util.NewTickWorker("auto-resume-worker", ex.interval, ex.stop, fn, ex.wg)
	tw.Start()
	logger.Info("auto resume executor started")
	return nil
}

func (ex *AutoResumeExecutor) Stop() error {
	ex.stop <- struct{}{}
	return nil
}
