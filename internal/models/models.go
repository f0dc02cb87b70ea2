// Package models defines the reconciliation domain entities: ledger entries,
// expense/income records, canonical vendors, match links and duplicate groups.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// LinkKind classifies a confirmed association between a ledger entry and a record.
type LinkKind string

const (
	// LinkDirect is a one-to-one match between an entry and a record.
	LinkDirect LinkKind = "direct"
	// LinkSplitParent marks the parent side of a split group.
	LinkSplitParent LinkKind = "split_parent"
	// LinkSplitChild marks a child fragment of a split group.
	LinkSplitChild LinkKind = "split_child"
	// LinkManualOverride is a human-confirmed match outside normal tolerances.
	LinkManualOverride LinkKind = "manual_override"
)

// String returns the string representation of LinkKind.
func (k LinkKind) String() string {
	return string(k)
}

// IsValid checks if the link kind is one of the recognized values.
func (k LinkKind) IsValid() bool {
	switch k {
	case LinkDirect, LinkSplitParent, LinkSplitChild, LinkManualOverride:
		return true
	}
	return false
}

// IsSplit reports whether the link belongs to a split group. Non-split links
// are the ones constrained to at most one per entry and per record.
func (k LinkKind) IsSplit() bool {
	return k == LinkSplitParent || k == LinkSplitChild
}

// ParseLinkKind parses and validates a link kind from string.
func ParseLinkKind(s string) (LinkKind, error) {
	k := LinkKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("invalid link kind %q", s)
	}
	return k, nil
}

// LedgerEntry is one bank-statement line. Entries are immutable once ingested
// except for the canonical vendor annotation and the reconciliation flag.
type LedgerEntry struct {
	ID             int64           `json:"id"`
	Account        string          `json:"account"`
	PostedAt       time.Time       `json:"posted_at"`
	Amount         decimal.Decimal `json:"amount"` // signed: debit negative, credit positive
	RawDescription string          `json:"raw_description"`
	VendorKey      string          `json:"vendor_key,omitempty"` // canonical vendor annotation, empty when unresolved
	SplitSource    bool            `json:"split_source"`         // entry amount is explicitly funded across several records
	Reconciled     bool            `json:"reconciled"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Validate performs basic validation on the LedgerEntry.
func (e *LedgerEntry) Validate() error {
	if strings.TrimSpace(e.Account) == "" {
		return fmt.Errorf("ledger entry account cannot be empty")
	}
	if e.PostedAt.IsZero() {
		return fmt.Errorf("ledger entry date cannot be zero")
	}
	if e.Amount.IsZero() {
		return fmt.Errorf("ledger entry amount cannot be zero")
	}
	if strings.TrimSpace(e.RawDescription) == "" {
		return fmt.Errorf("ledger entry description cannot be empty")
	}
	return nil
}

// NaturalKey returns the stable identity used for re-import idempotence:
// account, posting date, amount, and a hash of the raw description.
func (e *LedgerEntry) NaturalKey() string {
	return fmt.Sprintf("%s|%s|%s|%s",
		e.Account, e.PostedAt.Format("2006-01-02"), e.Amount.String(), e.DescriptionHash())
}

// DescriptionHash returns a stable hash of the raw description text.
func (e *LedgerEntry) DescriptionHash() string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(e.RawDescription)))
	return hex.EncodeToString(sum[:8])
}

// AbsAmount returns the absolute value of the entry amount.
func (e *LedgerEntry) AbsAmount() decimal.Decimal {
	return e.Amount.Abs()
}

// IsDebit reports whether the entry amount represents a debit.
func (e *LedgerEntry) IsDebit() bool {
	return e.Amount.IsNegative()
}

// String returns a string representation of the LedgerEntry.
func (e *LedgerEntry) String() string {
	return fmt.Sprintf("LedgerEntry{ID: %d, Account: %s, Amount: %s, Date: %s}",
		e.ID, e.Account, e.Amount.String(), e.PostedAt.Format("2006-01-02"))
}

// Record is one expense or income document to be reconciled against ledger
// entries. Grouping fields are mutated only by the split resolver's proposals;
// corrective fields only by the mutation executor.
type Record struct {
	ID           int64           `json:"id"`
	PostedAt     time.Time       `json:"posted_at"`
	Amount       decimal.Decimal `json:"amount"`
	Description  string          `json:"description"`
	VendorKey    string          `json:"vendor_key,omitempty"`
	ParentID     *int64          `json:"parent_id,omitempty"`
	SplitGroupID string          `json:"split_group_id,omitempty"`
	GroupTotal   *decimal.Decimal `json:"group_total,omitempty"` // declared total shared by fragments of one document
	SplitParent  bool            `json:"split_parent"`           // explicitly designated parent of its group
	SplitTarget  bool            `json:"split_target"`           // record amount is explicitly funded by several entries
	CreatedAt    time.Time       `json:"created_at"`
}

// Validate performs basic validation on the Record.
func (r *Record) Validate() error {
	if r.PostedAt.IsZero() {
		return fmt.Errorf("record date cannot be zero")
	}
	if r.Amount.IsZero() {
		return fmt.Errorf("record amount cannot be zero")
	}
	if strings.TrimSpace(r.Description) == "" {
		return fmt.Errorf("record description cannot be empty")
	}
	return nil
}

// AbsAmount returns the absolute value of the record amount.
func (r *Record) AbsAmount() decimal.Decimal {
	return r.Amount.Abs()
}

// HasGroupTotal reports whether the record carries a declared group total.
func (r *Record) HasGroupTotal() bool {
	return r.GroupTotal != nil && !r.GroupTotal.IsZero()
}

// String returns a string representation of the Record.
func (r *Record) String() string {
	return fmt.Sprintf("Record{ID: %d, Amount: %s, Date: %s, Desc: %s}",
		r.ID, r.Amount.String(), r.PostedAt.Format("2006-01-02"), r.Description)
}

// CanonicalVendor is a normalized counterparty identity with its known
// raw-text aliases. Vendors accrete aliases monotonically and are merged,
// never deleted.
type CanonicalVendor struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
}

// HasAlias reports whether the vendor already knows the given raw text.
func (v *CanonicalVendor) HasAlias(raw string) bool {
	needle := NormalizeDescription(raw)
	for _, a := range v.Aliases {
		if NormalizeDescription(a) == needle {
			return true
		}
	}
	return false
}

// MatchLink is the reconciliation fact: a confirmed association between one
// ledger entry and one record. A given (entry, record) pair appears at most
// once; absent an explicit split flag each side appears in at most one link.
type MatchLink struct {
	ID         int64     `json:"id"`
	EntryID    int64     `json:"entry_id"`
	RecordID   int64     `json:"record_id"`
	Kind       LinkKind  `json:"kind"`
	Confidence float64   `json:"confidence"`
	ProposedBy string    `json:"proposed_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate performs basic validation on the MatchLink.
func (l *MatchLink) Validate() error {
	if l.EntryID <= 0 {
		return fmt.Errorf("match link entry id must be positive")
	}
	if l.RecordID <= 0 {
		return fmt.Errorf("match link record id must be positive")
	}
	if !l.Kind.IsValid() {
		return fmt.Errorf("invalid link kind: %s", l.Kind)
	}
	if l.Confidence < 0.0 || l.Confidence > 1.0 {
		return fmt.Errorf("match link confidence must be between 0.0 and 1.0: %f", l.Confidence)
	}
	return nil
}

// SameTarget reports whether two links join the same entry/record pair with
// the same kind. Used for idempotent confirms.
func (l *MatchLink) SameTarget(other *MatchLink) bool {
	if other == nil {
		return false
	}
	return l.EntryID == other.EntryID && l.RecordID == other.RecordID && l.Kind == other.Kind
}

// String returns a string representation of the MatchLink.
func (l *MatchLink) String() string {
	return fmt.Sprintf("MatchLink{Entry: %d, Record: %d, Kind: %s, Confidence: %.2f}",
		l.EntryID, l.RecordID, l.Kind, l.Confidence)
}

// Disposition records how a duplicate candidate group was resolved.
type Disposition string

const (
	// DispositionPending means the group has been surfaced but not acted on.
	DispositionPending Disposition = "pending"
	// DispositionKept means the group was reviewed and all members kept.
	DispositionKept Disposition = "kept"
	// DispositionRemoved means the deletion candidates were removed.
	DispositionRemoved Disposition = "removed"
)

// DuplicateCandidateGroup is a transient grouping of records that share
// (date, vendor, amount) and look like accidental re-imports of one event.
// The keeper is the earliest-created member; the rest are deletion candidates.
// Nothing in the group is ever deleted without going through the executor.
type DuplicateCandidateGroup struct {
	GroupKey         string      `json:"group_key"`
	Records          []*Record   `json:"records"`
	KeeperID         int64       `json:"keeper_id"`
	DeleteCandidates []int64     `json:"delete_candidates"`
	Disposition      Disposition `json:"disposition"`
}

// Size returns the number of records in the group.
func (g *DuplicateCandidateGroup) Size() int {
	return len(g.Records)
}

// NormalizeDescription cleans free text for grouping and alias comparison:
// uppercase, collapsed whitespace.
func NormalizeDescription(s string) string {
	return strings.Join(strings.Fields(strings.ToUpper(strings.TrimSpace(s))), " ")
}

// AmountsEqualWithin reports whether two amounts differ by no more than tolerance.
func AmountsEqualWithin(a, b, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

// DaysBetween returns the whole-day distance between two dates, ignoring time of day.
func DaysBetween(a, b time.Time) int {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	diff := da.Sub(db)
	if diff < 0 {
		diff = -diff
	}
	return int(diff / (24 * time.Hour))
}

// SameDay reports whether two timestamps fall on the same calendar day.
func SameDay(a, b time.Time) bool {
	return a.Format("2006-01-02") == b.Format("2006-01-02")
}

// DayKey returns the calendar-day grouping key for a timestamp.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// ParseAmount parses a decimal amount from a string, tolerating currency
// symbols and thousand separators as they appear in exported statements.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount string cannot be empty")
	}
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, ",", "")
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal format %q: %w", s, err)
	}
	return d, nil
}

// ParseDate attempts to parse a date from the formats that appear in
// statement exports.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("date string cannot be empty")
	}
	formats := []string{
		"2006-01-02",
		time.RFC3339,
		"2006-01-02 15:04:05",
		"01/02/2006",
		"2006/01/02",
		"Jan 2, 2006",
	}
	var lastErr error
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse date %q: %w", s, lastErr)
}
