package commands

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/teranos/codeload/logger"
	"github.com/teranos/codeload/pulse/async"
	"github.com/teranos/codeload/version"
)

// printStartupBanner prints what this process is about to serve
func printStartupBanner(a *app, port int, pool *async.WorkerPool) {
	info := version.Get()

	workers := 0
	if pool != nil {
		workers = pool.Workers()
	}

	pterm.DefaultHeader.WithFullWidth().Printf("codeload %s", info.Version)
	_ = pterm.DefaultTable.WithData(pterm.TableData{
		{"Commit", info.Short()},
		{"Built", info.BuildTime},
		{"API", fmt.Sprintf("http://localhost:%d/api", port)},
		{"Database", a.cfg.GetDatabasePath()},
		{"Workers", fmt.Sprintf("%s %d", logger.SymPulse, workers)},
		{"Extraction", string(a.provider)},
		{"Budget (day/week/month)", fmt.Sprintf("$%.2f / $%.2f / $%.2f",
			a.cfg.Pulse.DailyBudgetUSD, a.cfg.Pulse.WeeklyBudgetUSD, a.cfg.Pulse.MonthlyBudgetUSD)},
	}).Render()
	pterm.Println()
}
