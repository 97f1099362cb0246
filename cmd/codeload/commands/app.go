package commands

import (
	"context"
	"database/sql"

	"github.com/teranos/codeload/ai/provider"
	"github.com/teranos/codeload/am"
	"github.com/teranos/codeload/demand"
	"github.com/teranos/codeload/extraction"
	"github.com/teranos/codeload/fetch"
	"github.com/teranos/codeload/loader"
	"github.com/teranos/codeload/logger"
	"github.com/teranos/codeload/pipeline"
	"github.com/teranos/codeload/pulse/async"
	"github.com/teranos/codeload/pulse/budget"
	"github.com/teranos/codeload/pulse/schedule"
	"github.com/teranos/codeload/resource"
	"github.com/teranos/codeload/server"
	"github.com/teranos/codeload/sources"
)

// app holds every component wired from one configuration and database
type app struct {
	cfg      *am.Config
	db       *sql.DB
	queue    *async.Queue
	status   *resource.StatusStore
	items    *resource.ItemStore
	demand   *demand.Tracker
	registry *sources.Registry
	cache    *extraction.Cache
	budget   *budget.Tracker
	service  *loader.Service
	provider provider.ProviderType

	handlers *async.HandlerRegistry
}

// providerFlag overrides extraction.provider for commands that run jobs
var providerFlag string

// newApp wires the stores, queue and acquisition pipeline
func newApp(cfg *am.Config, database *sql.DB) (*app, error) {
	a := &app{
		cfg:      cfg,
		db:       database,
		status:   resource.NewStatusStore(database),
		items:    resource.NewItemStore(database),
		demand:   demand.NewTracker(database),
		registry: sources.NewRegistry(database),
		cache:    extraction.NewCache(database),
		budget:   budget.NewTracker(database, budget.ConfigFromAM(cfg)),
	}

	opts := append(async.QueueOptionsFromAM(cfg),
		async.WithDemandSource(a.demand),
		async.WithQueueLogger(logger.ComponentLogger("queue")))
	a.queue = async.NewQueue(database, opts...)
	a.service = loader.NewService(a.queue, a.status, a.demand, pipeline.JobType)

	inner, kind, err := provider.NewExtractor(cfg, providerFlag, logger.ComponentLogger("openrouter"))
	if err != nil {
		return nil, err
	}
	a.provider = kind

	var calls extraction.CallLimiter
	if cfg.Pulse.ExtractionCallsPerMinute > 0 {
		calls = budget.NewLimiter(cfg.Pulse.ExtractionCallsPerMinute)
	}

	p := pipeline.New(pipeline.Deps{
		Registry:  a.registry,
		Limiters:  sources.NewLimiters(),
		Fetcher:   fetch.NewHTTPFetcher(fetch.ConfigFromAM(cfg)),
		Extractor: extraction.NewCachedExtractor(inner, a.cache, a.budget, calls),
		Items:     a.items,
		Status:    a.status,
	}, pipeline.ConfigFromAM(cfg))

	a.handlers = async.NewHandlerRegistry()
	a.handlers.Register(p)
	return a, nil
}

// newPool creates a worker pool for the app's queue; Start is left to the caller
func (a *app) newPool(ctx context.Context, workers int) *async.WorkerPool {
	poolCfg := async.PoolConfigFromAM(a.cfg)
	if workers >= 0 {
		poolCfg.Workers = workers
	}
	return async.NewWorkerPoolWithRegistry(ctx, a.queue, poolCfg,
		logger.ComponentLogger("pulse"), a.handlers, a.budget)
}

// newTicker registers the maintenance tasks on a ticker bound to ctx
func (a *app) newTicker(ctx context.Context, pool *async.WorkerPool) (*schedule.Ticker, error) {
	t := schedule.NewTicker(ctx, a.queue, pool, schedule.DefaultTickerConfig(), logger.ComponentLogger("schedule"))
	for _, task := range schedule.MaintenanceTasks(a.cfg, a.queue, a.demand) {
		if err := t.Register(task); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// serverDeps exposes the app over HTTP. pool may be nil.
func (a *app) serverDeps(pool *async.WorkerPool) server.Deps {
	return server.Deps{
		Service:  a.service,
		Queue:    a.queue,
		Registry: a.registry,
		Cache:    a.cache,
		Demand:   a.demand,
		Budget:   a.budget,
		Pool:     pool,
	}
}
