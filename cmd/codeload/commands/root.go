// Package commands implements the codeload CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/teranos/codeload/logger"
)

// RootCmd is the codeload command
var RootCmd = &cobra.Command{
	Use:   "codeload",
	Short: "On-demand building code acquisition",
	Long: `codeload loads building code rules for a jurisdiction when someone asks
for them: it discovers sources, fetches documents, extracts rule items
(reusing cached extractions) and records status, demand and spend.

Available commands:
  serve    - HTTP API plus job workers
  worker   - job workers only
  load     - request a resource (optionally wait or run inline)
  status   - resource status
  job      - job progress and result
  sources  - source registry
  cache    - extraction cache
  demand   - request demand
  db       - database
  am       - configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		// serve and worker are long-running; default them to info
		if verbosity == 0 && (cmd == ServeCmd || cmd == WorkerCmd) {
			verbosity = logger.VerbosityInfo
		}
		return logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity))
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	RootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v info, -vv debug)")
	RootCmd.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")
	RootCmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Database path (overrides database.path)")

	RootCmd.AddCommand(
		ServeCmd,
		WorkerCmd,
		LoadCmd,
		StatusCmd,
		JobCmd,
		SourcesCmd,
		CacheCmd,
		DemandCmd,
		DbCmd,
		AmCmd,
		VersionCmd,
	)
}
