package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledgermatch/cmd/ledgermatch/config"
	"ledgermatch/internal/executor"
	"ledgermatch/internal/ledger"
	"ledgermatch/internal/reconciler"
	"ledgermatch/internal/reporter"
	"ledgermatch/internal/store"
	"ledgermatch/pkg/logger"
)

var reconcileCfg config.RunConfig

// reconcileCmd represents the reconcile command
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile ledger entries against expense and income records",
	Long: `Reconcile runs the full pipeline over the scoped working set: canonical
vendor annotation, split resolution, candidate matching and duplicate
detection. The resulting mutation batch is a dry run unless --apply is set.

Examples:
  # Dry run over March, console report
  ledgermatch reconcile --db ledger.db --start-date 2024-03-01 --end-date 2024-03-31

  # Apply, one account only, JSON report to file
  ledgermatch reconcile --db ledger.db --account operating --apply \
    --output-format json --output-file run.json

  # Staged rollout: first 100 entries, exact amounts only
  ledgermatch reconcile --db ledger.db --limit 100 --amount-tolerance 0`,

	PreRunE: validateReconcileFlags,
	RunE:    runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().BoolVar(&reconcileCfg.Apply, "apply", false, "commit the batch instead of dry-running it")
	reconcileCmd.Flags().StringVar(&reconcileCfg.StartDate, "start-date", "", "scope start date (YYYY-MM-DD)")
	reconcileCmd.Flags().StringVar(&reconcileCfg.EndDate, "end-date", "", "scope end date, inclusive (YYYY-MM-DD)")
	reconcileCmd.Flags().StringVar(&reconcileCfg.Account, "account", "", "restrict the scope to one account")
	reconcileCmd.Flags().StringVarP(&reconcileCfg.AmountTolerance, "amount-tolerance", "a", "", "amount tolerance in dollars (default exact to the cent)")
	reconcileCmd.Flags().IntVarP(&reconcileCfg.DateWindowDays, "date-window", "d", 0, "date matching window in days (default 3)")
	reconcileCmd.Flags().IntVar(&reconcileCfg.Limit, "limit", 0, "cap the number of rows in scope")
	reconcileCmd.Flags().StringVarP(&reconcileCfg.OutputFormat, "output-format", "f", "console", "output format: console, json")
	reconcileCmd.Flags().StringVarP(&reconcileCfg.OutputFile, "output-file", "o", "", "output file path (default: stdout)")

	viper.BindPFlag("apply", reconcileCmd.Flags().Lookup("apply"))
	viper.BindPFlag("start-date", reconcileCmd.Flags().Lookup("start-date"))
	viper.BindPFlag("end-date", reconcileCmd.Flags().Lookup("end-date"))
	viper.BindPFlag("account", reconcileCmd.Flags().Lookup("account"))
	viper.BindPFlag("amount-tolerance", reconcileCmd.Flags().Lookup("amount-tolerance"))
	viper.BindPFlag("date-window", reconcileCmd.Flags().Lookup("date-window"))
	viper.BindPFlag("limit", reconcileCmd.Flags().Lookup("limit"))
	viper.BindPFlag("output-format", reconcileCmd.Flags().Lookup("output-format"))
	viper.BindPFlag("output-file", reconcileCmd.Flags().Lookup("output-file"))
}

func validateReconcileFlags(cmd *cobra.Command, args []string) error {
	reconcileCfg.DBPath = viper.GetString("db")
	reconcileCfg.Apply = viper.GetBool("apply")
	reconcileCfg.StartDate = viper.GetString("start-date")
	reconcileCfg.EndDate = viper.GetString("end-date")
	reconcileCfg.Account = viper.GetString("account")
	reconcileCfg.AmountTolerance = viper.GetString("amount-tolerance")
	reconcileCfg.DateWindowDays = viper.GetInt("date-window")
	reconcileCfg.Limit = viper.GetInt("limit")
	reconcileCfg.OutputFormat = viper.GetString("output-format")
	reconcileCfg.OutputFile = viper.GetString("output-file")

	return reconcileCfg.Validate()
}

func runReconcile(cmd *cobra.Command, args []string) error {
	log := logger.GetGlobalLogger()

	st, err := store.Open(reconcileCfg.DBPath)
	if err != nil {
		describeError(err)
		return err
	}
	defer st.Close()

	ldg := ledger.New(log)
	exec := executor.New(st, ldg, log, executor.WithApply(reconcileCfg.Apply))

	runConfig, err := reconcileCfg.ReconcilerConfig()
	if err != nil {
		return err
	}
	service, err := reconciler.NewService(st, exec, runConfig, log)
	if err != nil {
		return err
	}

	scope, err := reconcileCfg.Scope()
	if err != nil {
		return err
	}

	summary, err := service.Run(commandContext(cmd), scope)
	if err != nil {
		describeError(err)
		return err
	}

	return writeReport(summary)
}

func writeReport(summary *reconciler.Summary) error {
	reportConfig, err := reconcileCfg.ReportConfig()
	if err != nil {
		return err
	}
	gen, err := reporter.NewReportGenerator(reportConfig)
	if err != nil {
		return err
	}

	out := os.Stdout
	if reconcileCfg.OutputFile != "" {
		f, err := os.Create(reconcileCfg.OutputFile)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	return gen.Generate(summary, out)
}

// commandContext returns the command context, falling back to Background for
// callers constructed outside cobra.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
