package executor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/flowd/correlation"
	"github.com/flowforge/flowd/engine"
	"github.com/flowforge/flowd/logger"
	"github.com/flowforge/flowd/util"
)

// CleanupExecutor removes terminal flows past retention and evicts
// expired correlation subscriptions on the same tick.
type CleanupExecutor struct {
	engine       *engine.Engine
	index        *correlation.Index
	interval     time.Duration
	retentionAge time.Duration
	wg           *sync.WaitGroup
	stop         chan struct{}
}

func NewCleanupExecutor(engine *engine.Engine, index *correlation.Index, interval time.Duration, retentionAge time.Duration, wg *sync.WaitGroup) *CleanupExecutor {
	return &CleanupExecutor{
		engine:       engine,
		index:        index,
		interval:     interval,
		retentionAge: retentionAge,
		stop:         make(chan struct{}),
		wg:           wg,
	}
}

func (ex *CleanupExecutor) Name() string {
	return "cleanup-executor"
}

func (ex *CleanupExecutor) Start() error {
	fn := func() {
		removed, err := ex.engine.Cleanup(ex.retentionAge)
		if err != nil {
			logger.Error("error while running cleanup", zap.Error(err))
		}
		evicted := ex.index.Sweep()
		if removed > 0 || evicted > 0 {
			logger.Info("cleanup tick", zap.Int("flowsRemoved", removed), zap.Int("subscriptionsEvicted", evicted))
		}
	}
	tw := util.NewTickWorker("cleanup-worker", ex.interval, ex.stop, fn, ex.wg)
	tw.Start()
	logger.Info("cleanup executor started")
	return nil
}

func (ex *CleanupExecutor) Stop() error {
	ex.stop <- struct{}{}
	return nil
}
