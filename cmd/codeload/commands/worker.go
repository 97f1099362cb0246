package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/codeload/errors"
	"github.com/teranos/codeload/logger"
)

// WorkerCmd runs job workers without the HTTP API
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: logger.SymPulse + " Run job workers and maintenance loops",
	Long: logger.SymPulse + ` worker: claim and run load jobs from the shared database.

Several worker processes may share one database; claims are atomic.
Stops gracefully on Ctrl+C, letting running jobs finish.

Examples:
  codeload worker
  codeload worker --workers 4 --provider openrouter`,
	RunE: runWorker,
}

var workerCount int

func init() {
	WorkerCmd.Flags().IntVar(&workerCount, "workers", -1, "Concurrent workers (default pulse.workers)")
	WorkerCmd.Flags().StringVar(&providerFlag, "provider", "", "Extraction provider: heuristic, openrouter, auto")
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	pool, ticker, err := a.startBackground(ctx, workerCount)
	if err != nil {
		return err
	}
	if pool == nil {
		a.stopBackground(pool, ticker)
		return errors.New("worker needs at least one worker (--workers or pulse.workers)")
	}
	pterm.Info.Printf("%s %d worker(s) running, extraction: %s\n", logger.SymPulse, pool.Workers(), a.provider)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	pterm.Info.Println("Stopping workers (running jobs will finish)...")
	a.stopBackground(pool, ticker)
	pterm.Success.Println("Stopped")
	return nil
}
