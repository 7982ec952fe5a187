package agent

import (
	"fmt"
	"sync"

	"github.com/flowforge/flowd/config"
	"github.com/flowforge/flowd/correlation"
	"github.com/flowforge/flowd/engine"
	"github.com/flowforge/flowd/executor"
	"github.com/flowforge/flowd/logger"
	"github.com/flowforge/flowd/persistence"
	"github.com/flowforge/flowd/persistence/inmem"
	redisPersistence "github.com/flowforge/flowd/persistence/redis"
	"github.com/flowforge/flowd/registry"
	"github.com/flowforge/flowd/rest"
	"github.com/flowforge/flowd/service"
	"github.com/flowforge/flowd/timers"
	"github.com/flowforge/flowd/util"
)

// Agent wires storage, engine, periodic executors and the http
// server. The flow definition registry is populated by the embedding
// application before Start.
type Agent struct {
	Config       config.Config
	registry     *registry.Registry
	storage      persistence.FlowStorage
	index        *correlation.Index
	timerManager *timers.TimerManager
	engine       *engine.Engine
	flowService  *service.FlowExecutionService
	executors    []executor.Executor
	httpServer   *rest.Server
	shutdown     bool
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

func New(conf config.Config, reg *registry.Registry) (*Agent, error) {
	a := &Agent{
		Config:   conf,
		registry: reg,
	}
	setup := []func() error{
		a.setupStorage,
		a.setupEngine,
		a.setupFlowService,
		a.setupExecutors,
		a.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupStorage() error {
	switch a.Config.StorageType {
	case config.STORAGE_TYPE_REDIS:
		a.storage = redisPersistence.NewRedisFlowStorage(redisPersistence.Config{
			Addrs:     a.Config.RedisConfig.Addrs,
			Namespace: a.Config.RedisConfig.Namespace,
		})
	case config.STORAGE_TYPE_INMEM:
		a.storage = inmem.NewInMemFlowStorage()
	default:
		return fmt.Errorf("unknown storage implementation %s", a.Config.StorageType)
	}
	return nil
}

func (a *Agent) setupEngine() error {
	clock := util.SystemClock{}
	a.index = correlation.NewIndex(clock, a.Config.SubscriptionTTL)
	a.timerManager = timers.NewTimerManager(a.Config.MaxDelaySeconds)
	a.timerManager.Init()
	a.engine = engine.NewEngine(engine.Config{
		Registry:            a.registry,
		Storage:             a.storage,
		Index:               a.index,
		Clock:               clock,
		Timers:              a.timerManager,
		StalenessThreshold:  a.Config.StalenessThreshold,
		RecoveryMaxAttempts: a.Config.RecoveryMaxAttempts,
	})
	// Flows paused on an event before the last shutdown must be
	// resumable by PublishEvent again.
	if _, err := a.engine.RebuildSubscriptions(); err != nil {
		return err
	}
	return nil
}

func (a *Agent) setupFlowService() error {
	a.flowService = service.NewFlowExecutionService(a.engine, &a.wg, a.Config.FireWorkerCapacity)
	return nil
}

func (a *Agent) setupExecutors() error {
	a.executors = []executor.Executor{
		executor.NewAutoResumeExecutor(a.engine, a.Config.AutoResumeInterval, &a.wg),
		executor.NewRecoveryExecutor(a.engine, a.Config.RecoveryInterval, &a.wg),
		executor.NewCleanupExecutor(a.engine, a.index, a.Config.CleanupInterval, a.Config.RetentionAge, &a.wg),
	}
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.flowService)
	if err != nil {
		return err
	}
	return nil
}

func (a *Agent) GetFlowService() *service.FlowExecutionService {
	return a.flowService
}

func (a *Agent) Start() error {
	for _, ex := range a.executors {
		if err := ex.Start(); err != nil {
			return err
		}
	}
	go func() {
		if err := a.httpServer.Start(); err != nil {
			logger.Error("http server stopped")
			_ = a.Shutdown()
		}
	}()
	return nil
}

func (a *Agent) Shutdown() error {
	logger.Info("shutting down server")
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	shutdown := []func() error{
		a.httpServer.Stop,
		a.flowService.Stop,
		func() error {
			for _, ex := range a.executors {
				if err := ex.Stop(); err != nil {
					return err
				}
			}
			return nil
		},
		func() error {
			a.timerManager.Stop()
			return nil
		},
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	logger.Info("waiting for all services to shutdown...")
	a.wg.Wait()
	return nil
}
