// Package config translates CLI flags into component configurations.
package config

import (
	"time"

	"github.com/shopspring/decimal"

	"ledgermatch/internal/matcher"
	"ledgermatch/internal/reconciler"
	"ledgermatch/internal/reporter"
	"ledgermatch/internal/store"
	recerrors "ledgermatch/pkg/errors"
)

const dateFormat = "2006-01-02"

// RunConfig collects the flag values shared by the ledger commands.
type RunConfig struct {
	DBPath          string
	Apply           bool
	StartDate       string
	EndDate         string
	Account         string
	AmountTolerance string
	DateWindowDays  int
	Limit           int
	OutputFormat    string
	OutputFile      string
}

// Validate checks flag combinations before any store access.
func (c *RunConfig) Validate() error {
	if c.DBPath == "" {
		return recerrors.New(recerrors.CodeInvalidConfig, "database path is required")
	}
	if _, err := c.Scope(); err != nil {
		return err
	}
	if _, err := c.MatcherConfig(); err != nil {
		return err
	}
	if c.OutputFormat != "" {
		if _, err := reporter.ParseFormat(c.OutputFormat); err != nil {
			return err
		}
	}
	return nil
}

// Scope builds the working-set scope from the date and account flags. The end
// date is inclusive: the whole end day is in scope.
func (c *RunConfig) Scope() (store.Scope, error) {
	scope := store.Scope{Account: c.Account, Limit: c.Limit}
	if c.StartDate != "" {
		start, err := time.Parse(dateFormat, c.StartDate)
		if err != nil {
			return store.Scope{}, recerrors.Newf(recerrors.CodeInvalidConfig, "invalid start date %q", c.StartDate)
		}
		scope.Start = start
	}
	if c.EndDate != "" {
		end, err := time.Parse(dateFormat, c.EndDate)
		if err != nil {
			return store.Scope{}, recerrors.Newf(recerrors.CodeInvalidConfig, "invalid end date %q", c.EndDate)
		}
		scope.End = end.Add(24*time.Hour - time.Second)
	}
	if !scope.Start.IsZero() && !scope.End.IsZero() && scope.End.Before(scope.Start) {
		return store.Scope{}, recerrors.New(recerrors.CodeInvalidConfig, "end date is before start date")
	}
	return scope, nil
}

// MatcherConfig builds the matching configuration with CLI overrides applied.
func (c *RunConfig) MatcherConfig() (*matcher.Config, error) {
	mc := matcher.DefaultConfig()
	if c.AmountTolerance != "" {
		tolerance, err := decimal.NewFromString(c.AmountTolerance)
		if err != nil || tolerance.IsNegative() {
			return nil, recerrors.Newf(recerrors.CodeInvalidConfig, "invalid amount tolerance %q", c.AmountTolerance)
		}
		mc.AmountTolerance = tolerance
	}
	if c.DateWindowDays > 0 {
		mc.DateWindowDays = c.DateWindowDays
	}
	if err := mc.Validate(); err != nil {
		return nil, err
	}
	return mc, nil
}

// ReconcilerConfig builds the pipeline configuration.
func (c *RunConfig) ReconcilerConfig() (*reconciler.Config, error) {
	mc, err := c.MatcherConfig()
	if err != nil {
		return nil, err
	}
	rc := reconciler.DefaultConfig()
	rc.Matcher = mc
	return rc, nil
}

// ReportConfig builds the report options.
func (c *RunConfig) ReportConfig() (*reporter.ReportConfig, error) {
	rc := reporter.DefaultReportConfig()
	if c.OutputFormat != "" {
		format, err := reporter.ParseFormat(c.OutputFormat)
		if err != nil {
			return nil, err
		}
		rc.Format = format
	}
	return rc, nil
}
