package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledgermatch/internal/executor"
	"ledgermatch/internal/ledger"
	"ledgermatch/internal/store"
	recerrors "ledgermatch/pkg/errors"
	"ledgermatch/pkg/logger"
)

var (
	vendorsFormat string
	mergeFrom     string
	mergeInto     string
	mergeApply    bool
)

// vendorsCmd groups the canonical vendor subcommands.
var vendorsCmd = &cobra.Command{
	Use:   "vendors",
	Short: "Inspect and maintain canonical vendors",
}

var vendorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List canonical vendors and their known aliases",
	RunE:  runVendorsList,
}

var vendorsMergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Fold one canonical vendor into another",
	Long: `Merge moves every alias of the --from vendor to the --into vendor and
rewrites vendor annotations on entries and records. Merges accrete: the losing
vendor's aliases survive under the winner, and nothing is removed from the
audit trail.

Example:
  ledgermatch vendors merge --db ledger.db --from "PETRO CAN" --into "Petro-Canada" --apply`,
	PreRunE: validateMergeFlags,
	RunE:    runVendorsMerge,
}

func init() {
	rootCmd.AddCommand(vendorsCmd)
	vendorsCmd.AddCommand(vendorsListCmd)
	vendorsCmd.AddCommand(vendorsMergeCmd)

	vendorsListCmd.Flags().StringVarP(&vendorsFormat, "output-format", "f", "console", "output format: console, json")

	vendorsMergeCmd.Flags().StringVar(&mergeFrom, "from", "", "vendor to fold in (required)")
	vendorsMergeCmd.Flags().StringVar(&mergeInto, "into", "", "surviving vendor (required)")
	vendorsMergeCmd.Flags().BoolVar(&mergeApply, "apply", false, "commit the merge instead of dry-running it")
	vendorsMergeCmd.MarkFlagRequired("from")
	vendorsMergeCmd.MarkFlagRequired("into")
}

func runVendorsList(cmd *cobra.Command, args []string) error {
	st, err := openStoreFromFlags()
	if err != nil {
		return err
	}
	defer st.Close()

	vendors, err := st.ListVendors(commandContext(cmd))
	if err != nil {
		describeError(err)
		return err
	}

	if vendorsFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(vendors)
	}

	if len(vendors) == 0 {
		fmt.Println("No canonical vendors recorded.")
		return nil
	}
	for _, v := range vendors {
		fmt.Printf("%s (%d aliases)\n", v.Name, len(v.Aliases))
		for _, alias := range v.Aliases {
			fmt.Printf("  %s\n", alias)
		}
	}
	return nil
}

func validateMergeFlags(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(mergeFrom) == "" || strings.TrimSpace(mergeInto) == "" {
		return recerrors.New(recerrors.CodeInvalidConfig, "both --from and --into are required")
	}
	if mergeFrom == mergeInto {
		return recerrors.New(recerrors.CodeInvalidConfig, "cannot merge a vendor into itself")
	}
	return nil
}

func runVendorsMerge(cmd *cobra.Command, args []string) error {
	log := logger.GetGlobalLogger()

	st, err := openStoreFromFlags()
	if err != nil {
		return err
	}
	defer st.Close()

	ldg := ledger.New(log)
	exec := executor.New(st, ldg, log, executor.WithApply(mergeApply))

	batch := executor.NewBatch([]*executor.Mutation{
		executor.MergeVendors(mergeFrom, mergeInto, "vendors"),
	})
	result, err := exec.Execute(commandContext(cmd), batch)
	if err != nil {
		describeError(err)
		return err
	}

	mode := "APPLIED"
	if result.DryRun {
		mode = "DRY RUN (no changes written)"
	}
	fmt.Printf("VENDOR MERGE - %s\n\n", mode)
	fmt.Printf("  %s -> %s\n", mergeFrom, mergeInto)
	fmt.Printf("  Batch %s: %d applied, %d skipped\n", result.BatchID, result.Applied, result.Skipped)
	return nil
}

func openStoreFromFlags() (*store.Store, error) {
	path := viper.GetString("db")
	if path == "" {
		return nil, recerrors.New(recerrors.CodeInvalidConfig, "database path is required")
	}
	st, err := store.Open(path)
	if err != nil {
		describeError(err)
		return nil, err
	}
	return st, nil
}
