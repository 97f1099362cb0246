package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/codeload/loader"
	"github.com/teranos/codeload/pulse/async"
)

// LoadCmd requests acquisition of a resource
var LoadCmd = &cobra.Command{
	Use:   "load <resource-key>",
	Short: "Request that a resource be loaded",
	Long: `Request acquisition of a resource. Returns immediately with the job id
unless --wait or --run is given.

Examples:
  codeload load us/co/denver
  codeload load us/tx/austin --urgent --tier pro --wait
  codeload load us/tx/austin --run      # process the job in this process`,
	Args: cobra.ExactArgs(1),
	RunE: runLoad,
}

// StatusCmd shows a resource's status
var StatusCmd = &cobra.Command{
	Use:   "status <resource-key>",
	Short: "Show whether a resource is loaded",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

// JobCmd shows one job
var JobCmd = &cobra.Command{
	Use:   "job <job-id>",
	Short: "Show a job's progress, result or error",
	Args:  cobra.ExactArgs(1),
	RunE:  runJob,
}

var (
	loadUrgent    bool
	loadTier      string
	loadRequester string
	loadWait      bool
	loadRun       bool
	loadTimeout   time.Duration
	jsonOutput    bool
)

func init() {
	LoadCmd.Flags().BoolVar(&loadUrgent, "urgent", false, "A user is waiting on this resource")
	LoadCmd.Flags().StringVar(&loadTier, "tier", "free", "Requester tier (free, basic, pro, enterprise)")
	LoadCmd.Flags().StringVar(&loadRequester, "requester", "", "Requester id recorded with the demand event")
	LoadCmd.Flags().BoolVar(&loadWait, "wait", false, "Wait for the job to finish")
	LoadCmd.Flags().BoolVar(&loadRun, "run", false, "Run the job in this process instead of waiting for a worker")
	LoadCmd.Flags().DurationVar(&loadTimeout, "timeout", 10*time.Minute, "Give up waiting after this long")
	LoadCmd.Flags().StringVar(&providerFlag, "provider", "", "Extraction provider for --run: heuristic, openrouter, auto")

	for _, c := range []*cobra.Command{LoadCmd, StatusCmd, JobCmd} {
		c.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	}
}

func runLoad(cmd *cobra.Command, args []string) error {
	a, closeFn, err := openApp()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(cmd.Context(), loadTimeout)
	defer cancel()

	resp, err := a.service.RequestLoad(ctx, loader.LoadRequest{
		ResourceKey: args[0],
		Urgent:      loadUrgent,
		Tier:        loadTier,
		RequesterID: loadRequester,
	})
	if err != nil {
		return err
	}

	if resp.JobID == "" || !(loadWait || loadRun) {
		if jsonOutput {
			return printJSON(resp)
		}
		switch resp.Status {
		case loader.LoadAlreadyLoaded:
			pterm.Success.Printf("%s is already loaded\n", args[0])
		case loader.LoadLoading:
			pterm.Info.Printf("%s is already loading (job %s)\n", args[0], resp.JobID)
		default:
			pterm.Info.Printf("Load initiated (job %s)\n", resp.JobID)
		}
		return nil
	}

	view, err := a.followJob(ctx, resp.JobID, loadRun)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(view)
	}
	printJobView(view)
	return nil
}

// followJob polls until the job is terminal. With run set it claims and
// executes jobs itself until the followed one finishes.
func (a *app) followJob(ctx context.Context, jobID string, run bool) (*loader.JobView, error) {
	var pool *async.WorkerPool
	if run {
		pool = a.newPool(ctx, 1)
	}

	spinner, _ := pterm.DefaultSpinner.Start("Loading...")
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if pool != nil {
			if _, err := pool.ProcessOne(ctx); err != nil {
				spinner.Fail(err.Error())
				return nil, err
			}
		}

		view, err := a.service.Job(ctx, jobID)
		if err != nil {
			spinner.Fail(err.Error())
			return nil, err
		}
		spinner.UpdateText(fmt.Sprintf("%s: %d%% %s", view.ResourceKey, view.ProgressPercent, view.ProgressMessage))
		if view.State.IsTerminal() {
			if view.State == async.JobStateCompleted {
				spinner.Success("Done")
			} else {
				spinner.Fail("Failed")
			}
			return view, nil
		}

		select {
		case <-ctx.Done():
			spinner.Warning("Still running; check later with 'codeload job " + jobID + "'")
			return view, nil
		case <-ticker.C:
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, closeFn, err := openApp()
	if err != nil {
		return err
	}
	defer closeFn()

	view, err := a.service.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(view)
	}

	rows := pterm.TableData{
		{"Resource", view.ResourceKey},
		{"State", string(view.State)},
		{"Items", fmt.Sprintf("%d", view.ItemCount)},
		{"Loading", fmt.Sprintf("%t", view.IsLoading)},
	}
	if view.ActiveJobID != "" {
		rows = append(rows, []string{"Job", view.ActiveJobID})
	}
	if view.ProgressPercent != nil {
		rows = append(rows, []string{"Progress", fmt.Sprintf("%d%%", *view.ProgressPercent)})
	}
	if view.LastSuccessAt != nil {
		rows = append(rows, []string{"Last success", view.LastSuccessAt.Format(time.RFC3339)})
	}
	if view.LastError != "" {
		rows = append(rows, []string{"Last error", view.LastError})
	}
	return pterm.DefaultTable.WithData(rows).Render()
}

func runJob(cmd *cobra.Command, args []string) error {
	a, closeFn, err := openApp()
	if err != nil {
		return err
	}
	defer closeFn()

	view, err := a.service.Job(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(view)
	}
	printJobView(view)
	return nil
}

func printJobView(v *loader.JobView) {
	rows := pterm.TableData{
		{"Job", v.ID},
		{"Resource", v.ResourceKey},
		{"State", string(v.State)},
		{"Progress", fmt.Sprintf("%d%% %s", v.ProgressPercent, v.ProgressMessage)},
		{"Attempts", fmt.Sprintf("%d of %d", v.Attempts, v.MaxRetries+1)},
	}
	if v.ScheduledAt != nil && !v.State.IsTerminal() {
		rows = append(rows, []string{"Next attempt", v.ScheduledAt.Format(time.RFC3339)})
	}
	if len(v.Result) > 0 {
		rows = append(rows, []string{"Result", string(v.Result)})
	}
	if v.Error != "" {
		rows = append(rows, []string{"Error", v.Error})
	}
	_ = pterm.DefaultTable.WithData(rows).Render()
}

// openApp loads configuration, opens the database and wires the app
func openApp() (*app, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	a, err := newApp(cfg, database)
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return a, func() { database.Close() }, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
