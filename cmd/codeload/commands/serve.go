package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/codeload/am"
	"github.com/teranos/codeload/errors"
	"github.com/teranos/codeload/logger"
	"github.com/teranos/codeload/pulse/async"
	"github.com/teranos/codeload/pulse/schedule"
	"github.com/teranos/codeload/server"
)

// ServeCmd runs the HTTP API together with workers and maintenance
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   logger.SymPulse + " Run the API, job workers and maintenance loops",
	Long: `Start the codeload HTTP API. Unless --workers 0 is given, the same
process also claims load jobs and runs the reaper, retention and demand
rollup tasks.

Examples:
  codeload serve                  # API on server.port with pulse.workers workers
  codeload serve --port 9000
  codeload serve --workers 0      # API only; run 'codeload worker' elsewhere`,
	RunE: runServe,
}

var (
	servePort    int
	serveWorkers int
	serveWatch   bool
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (default server.port)")
	ServeCmd.Flags().IntVar(&serveWorkers, "workers", -1, "Job workers in this process (default pulse.workers)")
	ServeCmd.Flags().BoolVar(&serveWatch, "watch-config", true, "Reload budget caps when the project am.toml changes")
	ServeCmd.Flags().StringVar(&providerFlag, "provider", "", "Extraction provider: heuristic, openrouter, auto")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	a, err := newApp(cfg, database)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, ticker, err := a.startBackground(ctx, serveWorkers)
	if err != nil {
		return err
	}

	if serveWatch {
		if stop := a.watchConfig(); stop != nil {
			defer stop()
		}
	}

	port := cfg.GetServerPort()
	if servePort > 0 {
		port = servePort
	}
	printStartupBanner(a, port, pool)

	srv := server.New(a.serverDeps(pool), cfg)
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		a.stopBackground(pool, ticker)
		return errors.Wrap(err, "server stopped")
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")
	}

	done := make(chan error, 1)
	go func() {
		err := srv.Stop()
		a.stopBackground(pool, ticker)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			pterm.Warning.Printf("Shutdown finished with errors: %v\n", err)
		}
		pterm.Success.Println("Stopped")
		return nil
	case <-sigChan:
		pterm.Warning.Println("Forced exit")
		os.Exit(1)
		return nil
	}
}

// startBackground starts workers and the maintenance ticker. With zero
// workers only the ticker runs.
func (a *app) startBackground(ctx context.Context, workers int) (*async.WorkerPool, *schedule.Ticker, error) {
	var pool *async.WorkerPool
	p := a.newPool(ctx, workers)
	if p.Workers() > 0 {
		pool = p
		pool.Start()
	}

	ticker, err := a.newTicker(ctx, pool)
	if err != nil {
		if pool != nil {
			pool.Stop()
		}
		return nil, nil, err
	}
	ticker.Start()
	return pool, ticker, nil
}

func (a *app) stopBackground(pool *async.WorkerPool, ticker *schedule.Ticker) {
	if ticker != nil {
		ticker.Stop()
	}
	if pool != nil {
		pool.Stop()
	}
}

// watchConfig applies budget changes from the project am.toml without a
// restart. Returns nil when there is nothing to watch.
func (a *app) watchConfig() func() {
	paths := am.ConfigPaths()
	path := paths[len(paths)-1]
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	log := logger.ComponentLogger("am")
	watcher, err := am.NewConfigWatcher(path)
	if err != nil {
		log.Warnw("Config watcher unavailable", logger.FieldPath, path, logger.FieldError, err)
		return nil
	}
	watcher.OnReload(func(cfg *am.Config) error {
		a.budget.ApplyConfig(cfg)
		log.Infow("Budget caps reloaded",
			"daily_usd", cfg.Pulse.DailyBudgetUSD,
			"weekly_usd", cfg.Pulse.WeeklyBudgetUSD,
			"monthly_usd", cfg.Pulse.MonthlyBudgetUSD)
		return nil
	})
	watcher.Start()
	return func() {
		if err := watcher.Stop(); err != nil {
			log.Warnw("Failed to stop config watcher", logger.FieldError, err)
		}
	}
}
