package commands

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/codeload/errors"
	"github.com/teranos/codeload/sources"
)

// SourcesCmd manages the source registry
var SourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage the source registry",
	Long: `List, seed and switch regulatory data sources.

Examples:
  codeload sources seed                       # built-in catalog, or sources.catalog_path
  codeload sources seed --catalog ./sources.yaml
  codeload sources list --active
  codeload sources deactivate 3`,
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sources by reliability",
	RunE:  runSourcesList,
}

var sourcesSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Upsert sources and known mappings from a YAML catalog",
	RunE:  runSourcesSeed,
}

var sourcesActivateCmd = &cobra.Command{
	Use:   "activate <id>",
	Short: "Enable a source",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setSourceActive(cmd, args[0], true) },
}

var sourcesDeactivateCmd = &cobra.Command{
	Use:   "deactivate <id>",
	Short: "Disable a source",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setSourceActive(cmd, args[0], false) },
}

var (
	sourcesActiveOnly bool
	sourcesCatalog    string
)

func init() {
	sourcesListCmd.Flags().BoolVar(&sourcesActiveOnly, "active", false, "Only active sources")
	sourcesListCmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	sourcesSeedCmd.Flags().StringVar(&sourcesCatalog, "catalog", "", "Catalog file (default sources.catalog_path or built-in)")

	SourcesCmd.AddCommand(sourcesListCmd, sourcesSeedCmd, sourcesActivateCmd, sourcesDeactivateCmd)
}

func runSourcesList(cmd *cobra.Command, args []string) error {
	a, closeFn, err := openApp()
	if err != nil {
		return err
	}
	defer closeFn()

	srcs, err := a.registry.List(cmd.Context(), sourcesActiveOnly)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(srcs)
	}
	if len(srcs) == 0 {
		pterm.Info.Println("No sources registered; run 'codeload sources seed'")
		return nil
	}

	rows := pterm.TableData{{"ID", "Name", "Type", "Reliability", "Avg ms", "OK", "Fail", "Active", "Fallback"}}
	for _, s := range srcs {
		rows = append(rows, []string{
			strconv.FormatInt(s.ID, 10),
			s.Name,
			string(s.SourceType),
			fmt.Sprintf("%.2f", s.ReliabilityScore),
			fmt.Sprintf("%.0f", s.AvgResponseTimeMs),
			strconv.Itoa(s.SuccessCount),
			strconv.Itoa(s.FailureCount),
			strconv.FormatBool(s.IsActive),
			strconv.Itoa(s.FallbackPriority),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runSourcesSeed(cmd *cobra.Command, args []string) error {
	a, closeFn, err := openApp()
	if err != nil {
		return err
	}
	defer closeFn()

	path := sourcesCatalog
	if path == "" {
		path = a.cfg.Sources.CatalogPath
	}
	cat, err := sources.LoadCatalog(path)
	if err != nil {
		return err
	}
	n, err := sources.Seed(cmd.Context(), a.registry, cat)
	if err != nil {
		return err
	}
	if path == "" {
		path = "built-in catalog"
	}
	pterm.Success.Printf("Seeded %d sources from %s\n", n, path)
	return nil
}

func setSourceActive(cmd *cobra.Command, rawID string, active bool) error {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return errors.NewInvalidInputError("source id must be an integer, got %q", rawID)
	}
	a, closeFn, err := openApp()
	if err != nil {
		return err
	}
	defer closeFn()

	if err := a.registry.SetActive(cmd.Context(), id, active); err != nil {
		return err
	}
	verb := "Deactivated"
	if active {
		verb = "Activated"
	}
	pterm.Success.Printf("%s source %d\n", verb, id)
	return nil
}
