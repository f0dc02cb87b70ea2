// Package splits groups records that jointly represent one physical
// transaction, and validates explicit cross-account funding declarations.
//
// Two topologies are recognized. A component split is several records
// sharing a declared group total that must sum to it within a cent-level
// epsilon; one record becomes the parent and the rest its children. A
// cross-account split is a single ledger entry funded by records on
// different accounts, resolved only from an explicit declared mapping,
// because inferring it from matcher output alone is too ambiguous.
//
// The resolver is pure: its output is a proposal handed to the mutation
// executor, never applied directly.
package splits

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgermatch/internal/models"
	recerrors "ledgermatch/pkg/errors"
)

// Epsilon per group member: declared totals reconcile when the component sum
// differs by no more than one cent per member.
var centEpsilon = decimal.New(1, -2)

// Topology identifies how a split group maps records to ledger entries.
type Topology string

const (
	// TopologyComponent - several records are fragments of one document.
	TopologyComponent Topology = "component"
	// TopologyCrossAccount - one ledger entry funded by records across accounts.
	TopologyCrossAccount Topology = "cross_account"
)

// SplitGroup is a resolved grouping proposal.
type SplitGroup struct {
	ID             string          `json:"id"`
	Topology       Topology        `json:"topology"`
	ParentRecordID int64           `json:"parent_record_id"`
	ChildRecordIDs []int64         `json:"child_record_ids"`
	Total          decimal.Decimal `json:"total"`
	// EntryID is set for cross-account groups: the funded ledger entry.
	EntryID int64 `json:"entry_id,omitempty"`
}

// MemberIDs returns the parent and child record ids.
func (g *SplitGroup) MemberIDs() []int64 {
	out := make([]int64, 0, len(g.ChildRecordIDs)+1)
	out = append(out, g.ParentRecordID)
	out = append(out, g.ChildRecordIDs...)
	return out
}

// ProposeLinks builds the MatchLink rows that tie a funded ledger entry to
// the group: split_parent for the parent record, split_child for the rest.
func (g *SplitGroup) ProposeLinks(entryID int64, proposedBy string) []*models.MatchLink {
	links := make([]*models.MatchLink, 0, len(g.ChildRecordIDs)+1)
	links = append(links, &models.MatchLink{
		EntryID:    entryID,
		RecordID:   g.ParentRecordID,
		Kind:       models.LinkSplitParent,
		Confidence: 1.0,
		ProposedBy: proposedBy,
	})
	for _, id := range g.ChildRecordIDs {
		links = append(links, &models.MatchLink{
			EntryID:    entryID,
			RecordID:   id,
			Kind:       models.LinkSplitChild,
			Confidence: 1.0,
			ProposedBy: proposedBy,
		})
	}
	return links
}

// epsilonFor returns the reconciliation epsilon for a group of n members.
func epsilonFor(n int) decimal.Decimal {
	return centEpsilon.Mul(decimal.NewFromInt(int64(n)))
}

// ResolveComponentGroup validates that the records form one component split
// and designates parent and children. All members must share the same
// declared group total; the sum of member amounts must reconcile with it
// within epsilon. Groups that do not reconcile are rejected with an
// amount_mismatch error and left unsplit.
func ResolveComponentGroup(records []*models.Record) (*SplitGroup, error) {
	if len(records) < 2 {
		return nil, recerrors.Newf(recerrors.CodeInvalidData, "component split needs at least 2 records, got %d", len(records))
	}

	first := records[0]
	if !first.HasGroupTotal() {
		return nil, recerrors.Newf(recerrors.CodeInvalidData, "record %d carries no declared group total", first.ID)
	}
	declared := *first.GroupTotal

	sum := decimal.Zero
	for _, r := range records {
		if !r.HasGroupTotal() || !r.GroupTotal.Equal(declared) {
			return nil, recerrors.Newf(recerrors.CodeInvalidData,
				"record %d does not share the declared group total %s", r.ID, declared.String())
		}
		sum = sum.Add(r.AbsAmount())
	}

	groupID := uuid.New().String()
	if !models.AmountsEqualWithin(sum, declared.Abs(), epsilonFor(len(records))) {
		return nil, recerrors.AmountMismatch(groupID, declared.String(), sum.String())
	}

	parent := pickParent(records)
	group := &SplitGroup{
		ID:             groupID,
		Topology:       TopologyComponent,
		ParentRecordID: parent.ID,
		Total:          declared,
	}
	for _, r := range records {
		if r.ID != parent.ID {
			group.ChildRecordIDs = append(group.ChildRecordIDs, r.ID)
		}
	}
	sort.Slice(group.ChildRecordIDs, func(i, j int) bool { return group.ChildRecordIDs[i] < group.ChildRecordIDs[j] })
	return group, nil
}

// pickParent prefers an explicitly flagged parent, then the largest amount,
// then the earliest-created record.
func pickParent(records []*models.Record) *models.Record {
	parent := records[0]
	for _, r := range records[1:] {
		switch {
		case r.SplitParent && !parent.SplitParent:
			parent = r
		case r.SplitParent == parent.SplitParent:
			cmp := r.AbsAmount().Cmp(parent.AbsAmount())
			if cmp > 0 {
				parent = r
			} else if cmp == 0 && r.CreatedAt.Before(parent.CreatedAt) {
				parent = r
			}
		}
	}
	return parent
}

// FindComponentGroups collects candidate component groups from a record
// pool: records sharing the same declared group total on the same calendar
// day. Singleton groups are not returned.
func FindComponentGroups(records []*models.Record) [][]*models.Record {
	type key struct {
		day   string
		total string
	}
	grouped := make(map[key][]*models.Record)
	var order []key
	for _, r := range records {
		if !r.HasGroupTotal() || r.SplitGroupID != "" {
			continue
		}
		k := key{day: models.DayKey(r.PostedAt), total: r.GroupTotal.String()}
		if _, seen := grouped[k]; !seen {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], r)
	}

	var out [][]*models.Record
	for _, k := range order {
		if len(grouped[k]) > 1 {
			out = append(out, grouped[k])
		}
	}
	return out
}

// DeclaredPart is one leg of an explicit cross-account funding declaration:
// which account, on which date, for what sub-amount.
type DeclaredPart struct {
	Account string          `json:"account"`
	Date    time.Time       `json:"date"`
	Amount  decimal.Decimal `json:"amount"`
}

// ResolveCrossAccount validates a declared mapping funding one ledger entry
// from multiple records. The declaration must name at least two distinct
// accounts; each declared part must resolve to exactly one record by
// (date, amount); the declared sub-amounts must sum to the entry total
// within epsilon. Ambiguity is an error, never inferred away.
func ResolveCrossAccount(entry *models.LedgerEntry, declared []DeclaredPart, pool []*models.Record) (*SplitGroup, error) {
	if len(declared) < 2 {
		return nil, recerrors.Newf(recerrors.CodeInvalidData,
			"cross-account split for entry %d needs at least 2 declared parts, got %d", entry.ID, len(declared))
	}

	accounts := make(map[string]bool)
	for _, part := range declared {
		if strings.TrimSpace(part.Account) == "" {
			return nil, recerrors.Newf(recerrors.CodeInvalidData,
				"cross-account split for entry %d has a declared part with no account", entry.ID)
		}
		accounts[part.Account] = true
	}
	if len(accounts) < 2 {
		return nil, recerrors.Newf(recerrors.CodeInvalidData,
			"cross-account split for entry %d declares a single account %q; a same-account split needs no mapping", entry.ID, declared[0].Account)
	}

	groupID := uuid.New().String()

	sum := decimal.Zero
	for _, part := range declared {
		sum = sum.Add(part.Amount.Abs())
	}
	if !models.AmountsEqualWithin(sum, entry.AbsAmount(), epsilonFor(len(declared))) {
		return nil, recerrors.AmountMismatch(groupID, entry.AbsAmount().String(), sum.String())
	}

	var members []*models.Record
	claimed := make(map[int64]bool)
	for _, part := range declared {
		var matches []*models.Record
		for _, r := range pool {
			if claimed[r.ID] {
				continue
			}
			if models.SameDay(r.PostedAt, part.Date) && r.AbsAmount().Equal(part.Amount.Abs()) {
				matches = append(matches, r)
			}
		}
		switch len(matches) {
		case 1:
			claimed[matches[0].ID] = true
			members = append(members, matches[0])
		case 0:
			return nil, recerrors.Newf(recerrors.CodeNoCandidate,
				"declared part %s on %s resolves to no record", part.Amount.String(), part.Date.Format("2006-01-02"))
		default:
			return nil, recerrors.AmbiguousCandidates(entry.ID, len(matches)).
				WithContext("declared_amount", part.Amount.String())
		}
	}

	parent := pickParent(members)
	group := &SplitGroup{
		ID:             groupID,
		Topology:       TopologyCrossAccount,
		EntryID:        entry.ID,
		ParentRecordID: parent.ID,
		Total:          entry.AbsAmount(),
	}
	for _, r := range members {
		if r.ID != parent.ID {
			group.ChildRecordIDs = append(group.ChildRecordIDs, r.ID)
		}
	}
	return group, nil
}
