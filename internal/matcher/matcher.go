package matcher

import (
	"sort"

	"github.com/shopspring/decimal"

	"ledgermatch/internal/models"
	recerrors "ledgermatch/pkg/errors"
	"ledgermatch/pkg/logger"
)

// CandidateKind distinguishes normal candidates from same-day offsetting
// pairs, which must never be confirmed as ordinary matches.
type CandidateKind string

const (
	// CandidateNormal is a regular amount/date/vendor candidate.
	CandidateNormal CandidateKind = "normal"
	// CandidateSelfCancelling marks a same-day record carrying the entry's own
	// bookkeeping direction at the same magnitude (a credit note or correction
	// mirroring the entry). Linking it would double-count, not reconcile.
	CandidateSelfCancelling CandidateKind = "self_cancelling_pair"
)

// RankedCandidate is one scored candidate record for a ledger entry.
type RankedCandidate struct {
	Record       *models.Record
	Kind         CandidateKind
	Score        float64
	AmountDiff   decimal.Decimal
	DateDiffDays int
	VendorMatch  bool
	Reasons      []string
}

// Outcome classifies the matcher result for one ledger entry, for the caller
// to decide what is auto-confirmable.
type Outcome string

const (
	// OutcomeNone - no candidate inside the tolerance envelope.
	OutcomeNone Outcome = "none"
	// OutcomeUnique - exactly one normal candidate.
	OutcomeUnique Outcome = "unique"
	// OutcomeAmbiguous - more than one normal candidate; surfaced, never guessed.
	OutcomeAmbiguous Outcome = "ambiguous"
	// OutcomeSelfCancelling - only offsetting-pair candidates were found.
	OutcomeSelfCancelling Outcome = "self_cancelling"
)

// Engine is the candidate matcher. It is side-effect free.
type Engine struct {
	config *Config
	log    logger.Logger
}

// NewEngine creates a matching engine with the given configuration.
func NewEngine(config *Config, log logger.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{
		config: config,
		log:    log.WithComponent("matcher"),
	}
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() *Config {
	return e.config.Clone()
}

// FindCandidates returns ranked candidates for one ledger entry against an
// indexed pool. Ordering is deterministic: score descending, then record
// creation order ascending.
func (e *Engine) FindCandidates(entry *models.LedgerEntry, idx *RecordIndex) []*RankedCandidate {
	pool := idx.WithinAmount(entry.AbsAmount(), e.config.AmountTolerance)

	var out []*RankedCandidate
	for _, r := range pool {
		dateDiff := models.DaysBetween(entry.PostedAt, r.PostedAt)
		if dateDiff > e.config.DateWindowDays {
			continue
		}
		out = append(out, e.score(entry, r, dateDiff))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		ri, rj := out[i].Record, out[j].Record
		if !ri.CreatedAt.Equal(rj.CreatedAt) {
			return ri.CreatedAt.Before(rj.CreatedAt)
		}
		return ri.ID < rj.ID
	})

	if len(out) > e.config.MaxCandidates {
		out = out[:e.config.MaxCandidates]
	}

	e.log.WithFields(logger.Fields{
		"entry_id":   entry.ID,
		"candidates": len(out),
	}).Debug("candidate search complete")

	return out
}

// Classify reduces a candidate list to an outcome plus the recoverable error
// to report, if any. A self-cancelling candidate never auto-confirms; when it
// shadows a normal candidate the entry is ambiguous and goes to manual review.
func Classify(entry *models.LedgerEntry, candidates []*RankedCandidate) (Outcome, *recerrors.Error) {
	normal := 0
	selfCancelling := 0
	for _, c := range candidates {
		switch c.Kind {
		case CandidateSelfCancelling:
			selfCancelling++
		default:
			normal++
		}
	}
	switch {
	case normal == 1 && selfCancelling == 0:
		return OutcomeUnique, nil
	case normal >= 1:
		return OutcomeAmbiguous, recerrors.AmbiguousCandidates(entry.ID, normal+selfCancelling)
	case selfCancelling > 0:
		return OutcomeSelfCancelling, nil
	default:
		return OutcomeNone, recerrors.NoCandidate(entry.ID)
	}
}

// Best returns the highest-ranked normal candidate, or nil.
func Best(candidates []*RankedCandidate) *RankedCandidate {
	for _, c := range candidates {
		if c.Kind == CandidateNormal {
			return c
		}
	}
	return nil
}

// score builds the ranked candidate for one entry/record pair.
func (e *Engine) score(entry *models.LedgerEntry, r *models.Record, dateDiff int) *RankedCandidate {
	c := &RankedCandidate{
		Record:       r,
		Kind:         CandidateNormal,
		DateDiffDays: dateDiff,
		AmountDiff:   entry.AbsAmount().Sub(r.AbsAmount()).Abs(),
	}

	// The normal match shape is opposite signs: a debit entry against a
	// positive expense record. A same-day record carrying the entry's own
	// sign at the same magnitude mirrors the entry instead of settling it.
	if dateDiff == 0 && c.AmountDiff.IsZero() && entry.Amount.Sign() == r.Amount.Sign() && !r.Amount.IsZero() {
		c.Kind = CandidateSelfCancelling
		c.Reasons = append(c.Reasons, "same-day same-direction amounts")
		return c
	}

	amountScore := e.amountScore(c.AmountDiff)
	dateScore := e.dateScore(dateDiff)
	vendorScore := 0.0
	if entry.VendorKey != "" && entry.VendorKey == r.VendorKey {
		vendorScore = 1.0
		c.VendorMatch = true
	}

	w := e.config.Weights
	c.Score = amountScore*w.Amount + dateScore*w.Date + vendorScore*w.Vendor

	if amountScore == 1.0 {
		c.Reasons = append(c.Reasons, "exact amount match")
	} else if amountScore > 0.0 {
		c.Reasons = append(c.Reasons, "amount within tolerance")
	}
	if dateScore == 1.0 {
		c.Reasons = append(c.Reasons, "same day")
	} else if dateScore > 0.0 {
		c.Reasons = append(c.Reasons, "date within window")
	}
	if c.VendorMatch {
		c.Reasons = append(c.Reasons, "canonical vendor matches")
	}

	return c
}

// amountScore is 1.0 for an exact match and decays linearly over the
// tolerance. With zero tolerance only exact amounts survive the filter.
func (e *Engine) amountScore(diff decimal.Decimal) float64 {
	if diff.IsZero() {
		return 1.0
	}
	if e.config.AmountTolerance.IsZero() {
		return 0.0
	}
	ratio, _ := diff.Div(e.config.AmountTolerance).Float64()
	if ratio > 1.0 {
		return 0.0
	}
	return 1.0 - ratio
}

// dateScore is 1.0 for same-day and decays linearly over the window.
func (e *Engine) dateScore(dateDiff int) float64 {
	if dateDiff == 0 {
		return 1.0
	}
	if e.config.DateWindowDays == 0 {
		return 0.0
	}
	ratio := float64(dateDiff) / float64(e.config.DateWindowDays)
	if ratio > 1.0 {
		return 0.0
	}
	return 1.0 - ratio
}

// OffsetPair is a pair of same-day ledger entries whose amounts sum to zero:
// a charge and its reversal. Neither side should be matched against unrelated
// records on amount coincidence alone.
type OffsetPair struct {
	Charge   *models.LedgerEntry
	Reversal *models.LedgerEntry
}

// FindOffsetEntryPairs flags same-day offsetting entry pairs within one
// account. Each entry participates in at most one pair; pairing is greedy in
// posting order for reproducibility.
func FindOffsetEntryPairs(entries []*models.LedgerEntry) []*OffsetPair {
	type key struct {
		account string
		day     string
		amount  string
	}

	open := make(map[key][]*models.LedgerEntry)
	var pairs []*OffsetPair

	for _, e := range entries {
		counter := key{account: e.Account, day: models.DayKey(e.PostedAt), amount: e.Amount.Neg().String()}
		if waiting := open[counter]; len(waiting) > 0 {
			other := waiting[0]
			open[counter] = waiting[1:]

			pair := &OffsetPair{Charge: other, Reversal: e}
			if e.Amount.IsNegative() {
				pair = &OffsetPair{Charge: e, Reversal: other}
			}
			pairs = append(pairs, pair)
			continue
		}
		self := key{account: e.Account, day: models.DayKey(e.PostedAt), amount: e.Amount.String()}
		open[self] = append(open[self], e)
	}

	return pairs
}
