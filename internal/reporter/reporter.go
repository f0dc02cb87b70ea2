// Package reporter renders reconciliation run summaries.
//
// Two formats are supported: a human-readable console report for terminal
// review and JSON for programmatic consumption. The console report leads with
// whether the run was a dry run, since that is the first thing an operator
// needs to know before trusting the numbers below it.
package reporter

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"ledgermatch/internal/reconciler"
	recerrors "ledgermatch/pkg/errors"
)

// OutputFormat represents the supported report output formats.
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
)

// IsValid checks if the output format is supported.
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON:
		return true
	default:
		return false
	}
}

// ParseFormat parses and validates an output format.
func ParseFormat(s string) (OutputFormat, error) {
	f := OutputFormat(strings.ToLower(strings.TrimSpace(s)))
	if !f.IsValid() {
		return "", recerrors.Newf(recerrors.CodeInvalidConfig, "invalid output format %q", s)
	}
	return f, nil
}

// ReportConfig holds report generation options.
type ReportConfig struct {
	Format OutputFormat `json:"format"`

	// IncludeDuplicateGroups lists every duplicate candidate group member.
	IncludeDuplicateGroups bool `json:"include_duplicate_groups"`

	// IncludeUnmatched lists entry ids that found no candidate.
	IncludeUnmatched bool `json:"include_unmatched"`

	// MaxItems caps per-section detail lines. Zero means no cap.
	MaxItems int `json:"max_items"`
}

// DefaultReportConfig returns the standard report options.
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:                 FormatConsole,
		IncludeDuplicateGroups: true,
		IncludeUnmatched:       true,
		MaxItems:               50,
	}
}

// Validate checks the report configuration.
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return recerrors.Newf(recerrors.CodeInvalidConfig, "invalid output format %q", c.Format)
	}
	if c.MaxItems < 0 {
		return recerrors.New(recerrors.CodeInvalidConfig, "max items cannot be negative")
	}
	return nil
}

// ReportGenerator renders run summaries.
type ReportGenerator struct {
	config *ReportConfig
}

// NewReportGenerator creates a report generator.
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &ReportGenerator{config: config}, nil
}

// Generate writes the summary to the writer in the configured format.
func (rg *ReportGenerator) Generate(summary *reconciler.Summary, writer io.Writer) error {
	if summary == nil {
		return recerrors.New(recerrors.CodeInvalidData, "run summary cannot be nil")
	}
	switch rg.config.Format {
	case FormatJSON:
		return rg.generateJSON(summary, writer)
	default:
		return rg.generateConsole(summary, writer)
	}
}

func (rg *ReportGenerator) generateJSON(summary *reconciler.Summary, writer io.Writer) error {
	enc := json.NewEncoder(writer)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func (rg *ReportGenerator) generateConsole(summary *reconciler.Summary, writer io.Writer) error {
	var b strings.Builder

	mode := "APPLIED"
	if summary.Execution != nil && summary.Execution.DryRun {
		mode = "DRY RUN (no changes written)"
	}
	b.WriteString("RECONCILIATION RUN - " + mode + "\n")
	b.WriteString(strings.Repeat("=", 60) + "\n\n")

	b.WriteString(fmt.Sprintf("  %-28s %d\n", "Ledger entries in scope:", summary.Entries))
	b.WriteString(fmt.Sprintf("  %-28s %d\n", "Records in scope:", summary.Records))
	b.WriteString(fmt.Sprintf("  %-28s %d\n", "Matches proposed:", summary.Proposed))
	b.WriteString(fmt.Sprintf("  %-28s %d\n", "Split groups resolved:", summary.SplitGroups))
	b.WriteString(fmt.Sprintf("  %-28s %d\n", "Offsetting pairs set aside:", summary.OffsetPairs))
	b.WriteString(fmt.Sprintf("  %-28s %d\n", "Duplicate groups surfaced:", len(summary.DuplicateGroups)))

	if summary.Execution != nil {
		b.WriteString(fmt.Sprintf("\n  Batch %s: %d applied, %d skipped\n",
			summary.Execution.BatchID, summary.Execution.Applied, summary.Execution.Skipped))
	}

	if len(summary.ErrorCounts) > 0 {
		b.WriteString("\nRECOVERABLE CONDITIONS\n")
		b.WriteString(strings.Repeat("-", 60) + "\n")
		codes := make([]string, 0, len(summary.ErrorCounts))
		for code := range summary.ErrorCounts {
			codes = append(codes, string(code))
		}
		sort.Strings(codes)
		for _, code := range codes {
			b.WriteString(fmt.Sprintf("  %-28s %d\n", code+":", summary.ErrorCounts[recerrors.Code(code)]))
		}
	}

	if len(summary.Ambiguous) > 0 {
		b.WriteString("\nAMBIGUOUS ENTRIES (manual resolution required)\n")
		b.WriteString(strings.Repeat("-", 60) + "\n")
		for i, a := range summary.Ambiguous {
			if rg.capped(i) {
				b.WriteString(fmt.Sprintf("  ... and %d more\n", len(summary.Ambiguous)-i))
				break
			}
			b.WriteString(fmt.Sprintf("  entry %-10d %d candidates\n", a.EntryID, a.Candidates))
		}
	}

	if rg.config.IncludeUnmatched && len(summary.Unmatched) > 0 {
		b.WriteString("\nUNMATCHED ENTRIES\n")
		b.WriteString(strings.Repeat("-", 60) + "\n")
		for i, id := range summary.Unmatched {
			if rg.capped(i) {
				b.WriteString(fmt.Sprintf("  ... and %d more\n", len(summary.Unmatched)-i))
				break
			}
			b.WriteString(fmt.Sprintf("  entry %d\n", id))
		}
	}

	if len(summary.UnresolvedVendors) > 0 {
		b.WriteString("\nUNRESOLVED VENDOR TEXT\n")
		b.WriteString(strings.Repeat("-", 60) + "\n")
		for i, raw := range summary.UnresolvedVendors {
			if rg.capped(i) {
				b.WriteString(fmt.Sprintf("  ... and %d more\n", len(summary.UnresolvedVendors)-i))
				break
			}
			b.WriteString("  " + raw + "\n")
		}
	}

	if rg.config.IncludeDuplicateGroups && len(summary.DuplicateGroups) > 0 {
		b.WriteString("\nDUPLICATE CANDIDATE GROUPS\n")
		b.WriteString(strings.Repeat("-", 60) + "\n")
		for i, g := range summary.DuplicateGroups {
			if rg.capped(i) {
				b.WriteString(fmt.Sprintf("  ... and %d more groups\n", len(summary.DuplicateGroups)-i))
				break
			}
			b.WriteString(fmt.Sprintf("  %s: %d records, keeper %d, delete candidates %v\n",
				g.GroupKey, g.Size(), g.KeeperID, g.DeleteCandidates))
		}
	}

	b.WriteString("\n")
	_, err := io.WriteString(writer, b.String())
	return err
}

func (rg *ReportGenerator) capped(i int) bool {
	return rg.config.MaxItems > 0 && i >= rg.config.MaxItems
}
