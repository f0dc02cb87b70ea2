// Package ledger is the authoritative keeper of confirmed match links.
//
// It enforces the core correctness invariant at write time: a given
// (entry, record) pair is linked at most once, and absent an explicit split
// flag each side appears in at most one link, so no revenue or expense is
// double-counted. All writes are idempotent so a reconciliation batch can be
// re-run safely after a partial failure. The ledger operates inside a
// transaction owned by the mutation executor; no other component touches
// match link state.
package ledger

import (
	"context"
	"fmt"

	"ledgermatch/internal/models"
	"ledgermatch/internal/store"
	recerrors "ledgermatch/pkg/errors"
	"ledgermatch/pkg/logger"
)

// ConfirmOutcome reports what a Confirm call did.
type ConfirmOutcome string

const (
	// OutcomeCreated - a new link was written.
	OutcomeCreated ConfirmOutcome = "created"
	// OutcomeNoop - an identical link already existed; nothing was written.
	OutcomeNoop ConfirmOutcome = "noop"
)

// Ledger validates and persists match links.
type Ledger struct {
	log logger.Logger
}

// New creates a match ledger.
func New(log logger.Logger) *Ledger {
	return &Ledger{log: log.WithComponent("ledger")}
}

// Confirm writes a match link after enforcing the non-split invariant on
// both sides. Confirming an identical existing link is a no-op success.
func (l *Ledger) Confirm(ctx context.Context, tx *store.Tx, link *models.MatchLink) (ConfirmOutcome, error) {
	if err := link.Validate(); err != nil {
		return "", recerrors.Wrap(err, recerrors.CodeInvalidData, "invalid match link")
	}

	existing, err := tx.GetLinkByPair(ctx, link.EntryID, link.RecordID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if existing.Kind == link.Kind {
			return OutcomeNoop, nil
		}
		return "", recerrors.InvariantViolation(fmt.Sprintf(
			"entry %d and record %d are already linked as %s, cannot re-link as %s",
			link.EntryID, link.RecordID, existing.Kind, link.Kind))
	}

	entry, err := tx.GetEntry(ctx, link.EntryID)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", recerrors.Newf(recerrors.CodeInvalidData, "ledger entry %d does not exist", link.EntryID)
	}
	record, err := tx.GetRecord(ctx, link.RecordID)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", recerrors.Newf(recerrors.CodeInvalidData, "record %d does not exist", link.RecordID)
	}

	entryLinks, err := tx.LinksForEntry(ctx, link.EntryID)
	if err != nil {
		return "", err
	}
	if err := checkSide(len(entryLinks), allSplit(entryLinks), link.Kind, entry.SplitSource,
		fmt.Sprintf("ledger entry %d", link.EntryID)); err != nil {
		return "", err
	}

	recordLinks, err := tx.LinksForRecord(ctx, link.RecordID)
	if err != nil {
		return "", err
	}
	if err := checkSide(len(recordLinks), allSplit(recordLinks), link.Kind, record.SplitTarget,
		fmt.Sprintf("record %d", link.RecordID)); err != nil {
		return "", err
	}

	id, err := tx.InsertLink(ctx, link)
	if err != nil {
		return "", err
	}
	link.ID = id

	if err := tx.SetEntryReconciled(ctx, link.EntryID, true); err != nil {
		return "", err
	}

	l.log.WithFields(logger.Fields{
		"entry_id":  link.EntryID,
		"record_id": link.RecordID,
		"kind":      link.Kind.String(),
	}).Debug("match link confirmed")

	return OutcomeCreated, nil
}

// checkSide enforces the multiplicity rule for one side of a proposed link:
// a second link is allowed only when the side is explicitly flagged for
// splitting and every link involved is a split link.
func checkSide(existingCount int, existingAllSplit bool, newKind models.LinkKind, splitFlagged bool, side string) error {
	if existingCount == 0 {
		return nil
	}
	if !splitFlagged {
		return recerrors.InvariantViolation(fmt.Sprintf(
			"%s already has a match link and is not flagged for splitting", side))
	}
	if !newKind.IsSplit() || !existingAllSplit {
		return recerrors.InvariantViolation(fmt.Sprintf(
			"%s mixes split and non-split links", side))
	}
	return nil
}

func allSplit(links []*models.MatchLink) bool {
	for _, l := range links {
		if !l.Kind.IsSplit() {
			return false
		}
	}
	return true
}

// Revoke removes a link. Revoking a missing link is a no-op so batches are
// re-runnable. When the entry has no links left its reconciled flag is
// cleared.
func (l *Ledger) Revoke(ctx context.Context, tx *store.Tx, linkID int64) error {
	link, err := tx.GetLink(ctx, linkID)
	if err != nil {
		return err
	}
	if link == nil {
		return nil
	}
	if _, err := tx.DeleteLink(ctx, linkID); err != nil {
		return err
	}
	remaining, err := tx.LinksForEntry(ctx, link.EntryID)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		if err := tx.SetEntryReconciled(ctx, link.EntryID, false); err != nil {
			return err
		}
	}
	return nil
}

// LinksForEntry returns all links involving a ledger entry.
func (l *Ledger) LinksForEntry(ctx context.Context, s *store.Store, entryID int64) ([]*models.MatchLink, error) {
	return s.LinksForEntry(ctx, entryID)
}

// LinksForRecord returns all links involving a record.
func (l *Ledger) LinksForRecord(ctx context.Context, s *store.Store, recordID int64) ([]*models.MatchLink, error) {
	return s.LinksForRecord(ctx, recordID)
}

// VerifyInvariants re-checks every link in the store against the core
// invariant. The mutation executor runs this after applying a batch and
// rolls the whole batch back on any violation.
func (l *Ledger) VerifyInvariants(ctx context.Context, tx *store.Tx) error {
	links, err := tx.AllLinks(ctx)
	if err != nil {
		return err
	}

	byEntry := make(map[int64][]*models.MatchLink)
	byRecord := make(map[int64][]*models.MatchLink)
	pairs := make(map[[2]int64]bool)
	for _, link := range links {
		pair := [2]int64{link.EntryID, link.RecordID}
		if pairs[pair] {
			return recerrors.InvariantViolation(fmt.Sprintf(
				"entry %d and record %d are linked more than once", link.EntryID, link.RecordID))
		}
		pairs[pair] = true
		byEntry[link.EntryID] = append(byEntry[link.EntryID], link)
		byRecord[link.RecordID] = append(byRecord[link.RecordID], link)
	}

	for entryID, entryLinks := range byEntry {
		if len(entryLinks) < 2 {
			continue
		}
		entry, err := tx.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if entry == nil || !entry.SplitSource || !allSplit(entryLinks) {
			return recerrors.InvariantViolation(fmt.Sprintf(
				"ledger entry %d has %d links without a split-source flag", entryID, len(entryLinks)))
		}
	}

	for recordID, recordLinks := range byRecord {
		if len(recordLinks) < 2 {
			continue
		}
		record, err := tx.GetRecord(ctx, recordID)
		if err != nil {
			return err
		}
		if record == nil || !record.SplitTarget || !allSplit(recordLinks) {
			return recerrors.InvariantViolation(fmt.Sprintf(
				"record %d has %d links without a split-target flag", recordID, len(recordLinks)))
		}
	}

	return nil
}
