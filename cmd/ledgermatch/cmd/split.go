package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledgermatch/cmd/ledgermatch/config"
	"ledgermatch/internal/executor"
	"ledgermatch/internal/ledger"
	"ledgermatch/internal/models"
	"ledgermatch/internal/splits"
	"ledgermatch/internal/store"
	recerrors "ledgermatch/pkg/errors"
	"ledgermatch/pkg/logger"
)

var (
	splitCfg    config.RunConfig
	mappingFile string
)

// splitCmd represents the split command
var splitCmd = &cobra.Command{
	Use:   "split",
	Short: "Resolve cross-account splits from a declared mapping file",
	Long: `Split applies explicit cross-account funding declarations: cases where a
single ledger entry was funded by two or more records. These are never
inferred; the mapping file states them.

The mapping file is a CSV with a header row and the columns
entry_id, account, date, amount. Rows sharing an entry_id form one
declaration; its rows must span at least two accounts, the sub-amounts must
sum to the entry total, and each row must resolve to exactly one record by
date and amount.

Examples:
  ledgermatch split --db ledger.db --mapping-file splits.csv
  ledgermatch split --db ledger.db --mapping-file splits.csv --apply`,

	PreRunE: validateSplitFlags,
	RunE:    runSplit,
}

func init() {
	rootCmd.AddCommand(splitCmd)

	splitCmd.Flags().StringVarP(&mappingFile, "mapping-file", "m", "", "path to the declared split mapping CSV (required)")
	splitCmd.Flags().BoolVar(&splitCfg.Apply, "apply", false, "commit the batch instead of dry-running it")
	splitCmd.MarkFlagRequired("mapping-file")
}

func validateSplitFlags(cmd *cobra.Command, args []string) error {
	splitCfg.DBPath = viper.GetString("db")
	if mappingFile == "" {
		return recerrors.New(recerrors.CodeInvalidConfig, "mapping-file is required")
	}
	if _, err := os.Stat(mappingFile); err != nil {
		return recerrors.Newf(recerrors.CodeInvalidConfig, "mapping file %q not accessible", mappingFile)
	}
	return splitCfg.Validate()
}

// declaration is one entry's declared funding, assembled from mapping rows.
type declaration struct {
	entryID int64
	parts   []splits.DeclaredPart
}

func runSplit(cmd *cobra.Command, args []string) error {
	log := logger.GetGlobalLogger()

	declarations, err := loadMappingFile(mappingFile)
	if err != nil {
		describeError(err)
		return err
	}

	st, err := store.Open(splitCfg.DBPath)
	if err != nil {
		describeError(err)
		return err
	}
	defer st.Close()

	ctx := commandContext(cmd)

	// Unlinked records form the resolution pool.
	records, err := st.ListRecords(ctx, store.Scope{})
	if err != nil {
		describeError(err)
		return err
	}
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

	collector := recerrors.NewCollector()
	var mutations []*executor.Mutation
	resolved := 0

	for _, d := range declarations {
		entry, err := st.GetEntry(ctx, d.entryID)
		if err != nil {
			describeError(err)
			return err
		}
		// A declaration naming a missing entry is surfaced with the other
		// unresolvable declarations; it must not abort the rest of the file.
		if entry == nil {
			_ = collector.Add(recerrors.Newf(recerrors.CodeNoCandidate,
				"mapping file names ledger entry %d, which does not exist", d.entryID).
				WithContext("entry_id", d.entryID))
			continue
		}

		group, err := splits.ResolveCrossAccount(entry, d.parts, pool)
		if err != nil {
			if fatal := collector.Add(err); fatal != nil {
				describeError(fatal)
				return fatal
			}
			continue
		}

		mutations = append(mutations, executor.FlagSplitSource(entry.ID, "split"))
		mutations = append(mutations, executor.SetSplitGroup(group, "split"))
		for _, link := range group.ProposeLinks(entry.ID, "split") {
			mutations = append(mutations, executor.ConfirmLink(link))
		}
		resolved++
	}

	ldg := ledger.New(log)
	exec := executor.New(st, ldg, log, executor.WithApply(splitCfg.Apply))
	result, err := exec.Execute(ctx, executor.NewBatch(mutations))
	if err != nil {
		describeError(err)
		return err
	}

	mode := "APPLIED"
	if result.DryRun {
		mode = "DRY RUN (no changes written)"
	}
	fmt.Printf("CROSS-ACCOUNT SPLITS - %s\n\n", mode)
	fmt.Printf("  Declarations: %d, resolved: %d\n", len(declarations), resolved)
	fmt.Printf("  Batch %s: %d applied, %d skipped\n", result.BatchID, result.Applied, result.Skipped)
	if collector.Len() > 0 {
		fmt.Printf("\n%s\n", collector.Summary())
		for _, e := range collector.Errors() {
			fmt.Printf("  - %s\n", e.Message)
		}
	}
	return nil
}

// loadMappingFile parses the declared split CSV, grouping rows by entry id in
// file order.
func loadMappingFile(path string) ([]*declaration, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, recerrors.Wrap(err, recerrors.CodeInvalidData, "cannot open mapping file")
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, recerrors.Wrap(err, recerrors.CodeInvalidData, "cannot read mapping file header")
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, required := range []string{"entry_id", "account", "date", "amount"} {
		if _, ok := col[required]; !ok {
			return nil, recerrors.Newf(recerrors.CodeInvalidData, "mapping file missing column %q", required)
		}
	}

	byEntry := make(map[int64]*declaration)
	var order []*declaration
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, recerrors.Wrap(err, recerrors.CodeInvalidData,
				fmt.Sprintf("mapping file line %d is malformed", line))
		}

		entryID, err := strconv.ParseInt(row[col["entry_id"]], 10, 64)
		if err != nil {
			return nil, recerrors.Newf(recerrors.CodeInvalidData,
				"mapping file line %d: invalid entry id %q", line, row[col["entry_id"]])
		}
		date, err := models.ParseDate(row[col["date"]])
		if err != nil {
			return nil, recerrors.Newf(recerrors.CodeInvalidData,
				"mapping file line %d: %v", line, err)
		}
		amount, err := models.ParseAmount(row[col["amount"]])
		if err != nil {
			return nil, recerrors.Newf(recerrors.CodeInvalidData,
				"mapping file line %d: %v", line, err)
		}

		d, ok := byEntry[entryID]
		if !ok {
			d = &declaration{entryID: entryID}
			byEntry[entryID] = d
			order = append(order, d)
		}
		d.parts = append(d.parts, splits.DeclaredPart{
			Account: row[col["account"]],
			Date:    date,
			Amount:  amount,
		})
	}

	return order, nil
}
