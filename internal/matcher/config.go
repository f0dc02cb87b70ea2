// Package matcher proposes ranked candidate matches between ledger entries
// and expense/income records.
//
// The matcher is pure: it never writes to the match ledger. For each ledger
// entry it filters the record pool by amount tolerance and date window, then
// ranks survivors by a composite score where exact-amount beats
// tolerance-amount, same-day beats window-day, and a matching canonical
// vendor beats a non-matching or unresolved one. Ties are broken by record
// creation order so re-runs are reproducible. Same-day offsetting pairs are
// surfaced as a distinct self-cancelling candidate kind and handed to the
// split resolver instead of being treated as normal matches.
package matcher

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Config holds the tolerances and weights for candidate matching.
type Config struct {
	// AmountTolerance is the absolute tolerance for amount comparison.
	// Zero means exact-cent matching.
	AmountTolerance decimal.Decimal `json:"amount_tolerance"`

	// DateWindowDays is the number of days a record date may differ from the
	// entry posting date.
	DateWindowDays int `json:"date_window_days"`

	// MaxCandidates caps how many ranked candidates are returned per entry.
	MaxCandidates int `json:"max_candidates"`

	// Weights are the relative importance of the scoring criteria.
	Weights Weights `json:"weights"`
}

// Weights defines the relative importance of amount, date and vendor
// agreement in the composite score.
type Weights struct {
	Amount float64 `json:"amount"`
	Date   float64 `json:"date"`
	Vendor float64 `json:"vendor"`
}

// DefaultConfig returns exact-cent matching inside a three-day window.
func DefaultConfig() *Config {
	return &Config{
		AmountTolerance: decimal.Zero,
		DateWindowDays:  3,
		MaxCandidates:   10,
		Weights: Weights{
			Amount: 0.6,
			Date:   0.3,
			Vendor: 0.1,
		},
	}
}

// RelaxedConfig returns a configuration with a small absolute amount
// tolerance and a wider window, for exploratory matching.
func RelaxedConfig() *Config {
	return &Config{
		AmountTolerance: decimal.NewFromFloat(0.05),
		DateWindowDays:  7,
		MaxCandidates:   20,
		Weights: Weights{
			Amount: 0.5,
			Date:   0.4,
			Vendor: 0.1,
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.AmountTolerance.IsNegative() {
		return fmt.Errorf("amount tolerance cannot be negative: %s", c.AmountTolerance)
	}
	if c.DateWindowDays < 0 {
		return fmt.Errorf("date window days cannot be negative: %d", c.DateWindowDays)
	}
	if c.MaxCandidates <= 0 {
		return fmt.Errorf("max candidates must be positive: %d", c.MaxCandidates)
	}
	return c.Weights.Validate()
}

// Validate checks that the weights are sane and sum to approximately 1.0.
func (w *Weights) Validate() error {
	for name, v := range map[string]float64{"amount": w.Amount, "date": w.Date, "vendor": w.Vendor} {
		if v < 0.0 || v > 1.0 {
			return fmt.Errorf("%s weight must be between 0.0 and 1.0: %f", name, v)
		}
	}
	total := w.Amount + w.Date + w.Vendor
	if total < 0.9 || total > 1.1 {
		return fmt.Errorf("weights should sum to approximately 1.0, got %f", total)
	}
	return nil
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// String returns a human-readable description of the configuration.
func (c *Config) String() string {
	return fmt.Sprintf("matcher.Config{AmountTolerance: %s, DateWindow: %dd, MaxCandidates: %d}",
		c.AmountTolerance.String(), c.DateWindowDays, c.MaxCandidates)
}
