package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledgermatch/cmd/ledgermatch/config"
	"ledgermatch/internal/dedupe"
	"ledgermatch/internal/executor"
	"ledgermatch/internal/ledger"
	"ledgermatch/internal/models"
	"ledgermatch/internal/store"
	recerrors "ledgermatch/pkg/errors"
	"ledgermatch/pkg/logger"
)

var (
	dedupeCfg       config.RunConfig
	dedupeThreshold int
)

// dedupeCmd represents the dedupe command
var dedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Detect and resolve duplicate record imports",
	Long: `Dedupe groups records sharing the same posting day, vendor and amount and
surfaces groups that look like accidental re-imports. Protected fee patterns
(NSF fees, transfer fees, service charges) never enter a group.

Without --apply the command only reports what it would delete. With --apply
the earliest-created record of each group is kept and the rest are removed,
each deletion audited.

Examples:
  ledgermatch dedupe --db ledger.db --start-date 2024-03-01 --end-date 2024-03-31
  ledgermatch dedupe --db ledger.db --apply
  ledgermatch dedupe --db ledger.db --keep-threshold 2 --output-format json`,

	PreRunE: validateDedupeFlags,
	RunE:    runDedupe,
}

func init() {
	rootCmd.AddCommand(dedupeCmd)

	dedupeCmd.Flags().BoolVar(&dedupeCfg.Apply, "apply", false, "delete duplicate candidates instead of only reporting them")
	dedupeCmd.Flags().StringVar(&dedupeCfg.StartDate, "start-date", "", "scope start date (YYYY-MM-DD)")
	dedupeCmd.Flags().StringVar(&dedupeCfg.EndDate, "end-date", "", "scope end date, inclusive (YYYY-MM-DD)")
	dedupeCmd.Flags().IntVar(&dedupeCfg.Limit, "limit", 0, "cap the number of rows in scope")
	dedupeCmd.Flags().IntVar(&dedupeThreshold, "keep-threshold", 1, "group size above which records are duplicate candidates")
	dedupeCmd.Flags().StringVarP(&dedupeCfg.OutputFormat, "output-format", "f", "console", "output format: console, json")
}

func validateDedupeFlags(cmd *cobra.Command, args []string) error {
	dedupeCfg.DBPath = viper.GetString("db")
	if dedupeThreshold < 1 {
		return recerrors.New(recerrors.CodeInvalidConfig, "keep threshold must be at least 1")
	}
	return dedupeCfg.Validate()
}

func runDedupe(cmd *cobra.Command, args []string) error {
	log := logger.GetGlobalLogger()

	st, err := store.Open(dedupeCfg.DBPath)
	if err != nil {
		describeError(err)
		return err
	}
	defer st.Close()

	scope, err := dedupeCfg.Scope()
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)

	records, err := st.ListRecords(ctx, scope)
	if err != nil {
		describeError(err)
		return err
	}

	// Linked records are already reconciled against a ledger entry; they are
	// not re-import candidates and must never be deletion targets.
	links, err := st.AllLinks(ctx)
	if err != nil {
		describeError(err)
		return err
	}
	linked := make(map[int64]bool)
	for _, l := range links {
		linked[l.RecordID] = true
	}
	var pool []*models.Record
	for _, r := range records {
		if !linked[r.ID] {
			pool = append(pool, r)
		}
	}

	detector := dedupe.NewDetector(dedupe.DefaultPredicates(), log)
	groups := detector.FindDuplicateGroups(pool, dedupeThreshold)

	var mutations []*executor.Mutation
	for _, g := range groups {
		mutations = append(mutations, executor.ResolveDuplicateGroup(g, "dedupe"))
	}

	ldg := ledger.New(log)
	exec := executor.New(st, ldg, log, executor.WithApply(dedupeCfg.Apply))
	result, err := exec.Execute(ctx, executor.NewBatch(mutations))
	if err != nil {
		describeError(err)
		return err
	}

	if dedupeCfg.OutputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Groups    []*models.DuplicateCandidateGroup `json:"groups"`
			Execution *executor.Result                  `json:"execution"`
		}{Groups: groups, Execution: result})
	}

	mode := "APPLIED"
	if result.DryRun {
		mode = "DRY RUN (no changes written)"
	}
	fmt.Printf("DUPLICATE DETECTION - %s\n\n", mode)
	if len(groups) == 0 {
		fmt.Println("No duplicate candidate groups found.")
		return nil
	}
	for _, g := range groups {
		fmt.Printf("  %s: %d records, keeper %d, delete candidates %v\n",
			g.GroupKey, g.Size(), g.KeeperID, g.DeleteCandidates)
	}
	fmt.Printf("\nBatch %s: %d applied, %d skipped\n", result.BatchID, result.Applied, result.Skipped)
	return nil
}
