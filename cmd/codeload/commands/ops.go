package commands

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/codeload/db"
	"github.com/teranos/codeload/logger"
)

// CacheCmd inspects the extraction cache
var CacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the extraction cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache entries, reuse and money saved",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, closeFn, err := openApp()
		if err != nil {
			return err
		}
		defer closeFn()

		stats, err := a.cache.Stats(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(stats)
		}
		return pterm.DefaultTable.WithData(pterm.TableData{
			{"Entries", strconv.Itoa(stats.Entries)},
			{"Reuses", strconv.Itoa(stats.TotalReuses)},
			{"Spent", fmt.Sprintf("$%.4f", stats.TotalSpent)},
			{"Saved", fmt.Sprintf("$%.4f", stats.TotalSaved)},
		}).Render()
	},
}

// DemandCmd inspects and refreshes demand rollups
var DemandCmd = &cobra.Command{
	Use:   "demand",
	Short: "Inspect request demand",
}

var demandRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Rebuild demand summaries now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, closeFn, err := openApp()
		if err != nil {
			return err
		}
		defer closeFn()

		n, err := a.demand.RefreshSummaries(cmd.Context())
		if err != nil {
			return err
		}
		pterm.Success.Printf("Refreshed %d demand summaries\n", n)
		return nil
	},
}

var demandTopLimit int

var demandTopCmd = &cobra.Command{
	Use:   "top",
	Short: "Show the most requested resources",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, closeFn, err := openApp()
		if err != nil {
			return err
		}
		defer closeFn()

		top, err := a.demand.Top(cmd.Context(), demandTopLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(top)
		}
		rows := pterm.TableData{{"Resource", "24h", "7d"}}
		for _, s := range top {
			rows = append(rows, []string{s.ResourceKey, strconv.Itoa(s.Count24h), strconv.Itoa(s.Count7d)})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	},
}

// DbCmd manages the database
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: logger.SymDB + " Manage the codeload database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()
		pterm.Success.Printf("%s %s is up to date\n", logger.SymDB, cfg.GetDatabasePath())
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts per table",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		stats, err := db.Stats(cmd.Context(), database)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(stats)
		}
		rows := pterm.TableData{{"Table", "Rows"}}
		for _, s := range stats {
			rows = append(rows, []string{s.Table, strconv.FormatInt(s.Rows, 10)})
		}
		pterm.Info.Printf("%s %s\n", logger.SymDB, cfg.GetDatabasePath())
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	},
}

func init() {
	for _, c := range []*cobra.Command{cacheStatsCmd, demandTopCmd, dbStatsCmd} {
		c.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	}
	demandTopCmd.Flags().IntVar(&demandTopLimit, "limit", 20, "How many resources to show")

	CacheCmd.AddCommand(cacheStatsCmd)
	DemandCmd.AddCommand(demandRefreshCmd, demandTopCmd)
	DbCmd.AddCommand(dbMigrateCmd, dbStatsCmd)
}
