// Package executor is the single writer of the reconciliation core. Decision
// components (matcher, split resolver, duplicate detector, canonicalizer)
// only propose; every mutation funnels through here.
//
// Batches run dry by default: the full batch is applied inside a transaction,
// verified, and rolled back, so the caller sees exactly what would happen
// without any state change. With apply enabled the same transaction is
// committed instead, together with one audit row per applied mutation. Any
// error or invariant violation rolls the entire batch back; there are no
// partial applications.
package executor

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"ledgermatch/internal/ledger"
	"ledgermatch/internal/models"
	"ledgermatch/internal/store"
	recerrors "ledgermatch/pkg/errors"
	"ledgermatch/pkg/logger"
)

// Outcome reports what happened to one mutation in a batch.
type Outcome string

const (
	// OutcomeApplied - the mutation changed state.
	OutcomeApplied Outcome = "applied"
	// OutcomeSkipped - the mutation was already satisfied; nothing written.
	OutcomeSkipped Outcome = "skipped"
)

// Change is the per-mutation entry in a batch result.
type Change struct {
	Action     Action  `json:"action"`
	EntityType string  `json:"entity_type"`
	EntityID   string  `json:"entity_id"`
	Outcome    Outcome `json:"outcome"`
}

// Result summarizes one executed batch.
type Result struct {
	BatchID string   `json:"batch_id"`
	DryRun  bool     `json:"dry_run"`
	Applied int      `json:"applied"`
	Skipped int      `json:"skipped"`
	Changes []Change `json:"changes"`
}

// Batch is an ordered set of mutations applied atomically.
type Batch struct {
	ID        string
	Mutations []*Mutation
}

// NewBatch wraps mutations in a batch with a fresh id.
func NewBatch(mutations []*Mutation) *Batch {
	return &Batch{ID: uuid.New().String(), Mutations: mutations}
}

// Executor applies mutation batches against the store.
type Executor struct {
	store  *store.Store
	ledger *ledger.Ledger
	log    logger.Logger

	// mu serializes batches. Concurrent executions against the same store are
	// not supported; the second caller waits.
	mu    sync.Mutex
	apply bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithApply enables committing batches. Without it every batch is a dry run.
func WithApply(apply bool) Option {
	return func(e *Executor) { e.apply = apply }
}

// New creates an executor. Dry-run is the default mode.
func New(s *store.Store, l *ledger.Ledger, log logger.Logger, opts ...Option) *Executor {
	e := &Executor{
		store:  s,
		ledger: l,
		log:    log.WithComponent("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs a batch: every mutation in order, then a full invariant
// verification, then audit rows, inside one transaction. In dry-run mode the
// transaction is rolled back after verification so the result reflects what
// would happen; otherwise it is committed. Any error aborts the whole batch.
func (e *Executor) Execute(ctx context.Context, batch *Batch) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}

	result := &Result{BatchID: batch.ID, DryRun: !e.apply}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	type applied struct {
		mutation *Mutation
		before   string
		after    string
	}
	var audit []applied

	for _, m := range batch.Mutations {
		outcome, before, after, err := e.applyOne(ctx, tx, m)
		if err != nil {
			e.log.WithError(err).WithField("action", string(m.Action)).Error("batch aborted")
			return nil, err
		}
		entityType, entityID := m.EntityRef()
		result.Changes = append(result.Changes, Change{
			Action:     m.Action,
			EntityType: entityType,
			EntityID:   entityID,
			Outcome:    outcome,
		})
		if outcome == OutcomeApplied {
			result.Applied++
			audit = append(audit, applied{mutation: m, before: before, after: after})
		} else {
			result.Skipped++
		}
	}

	if err := e.ledger.VerifyInvariants(ctx, tx); err != nil {
		e.log.WithError(err).Error("post-mutation verification failed, rolling back")
		return nil, err
	}

	for _, a := range audit {
		entityType, entityID := a.mutation.EntityRef()
		if err := tx.InsertAudit(ctx, &store.AuditRecord{
			ID:          uuid.New().String(),
			BatchID:     batch.ID,
			EntityType:  entityType,
			EntityID:    entityID,
			Action:      string(a.mutation.Action),
			BeforeState: a.before,
			AfterState:  a.after,
			ProposedBy:  a.mutation.ProposedBy,
		}); err != nil {
			return nil, err
		}
	}

	if result.DryRun {
		if err := tx.Rollback(); err != nil {
			return nil, err
		}
	} else {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
	}

	e.log.WithFields(logger.Fields{
		"batch_id": batch.ID,
		"dry_run":  result.DryRun,
		"applied":  result.Applied,
		"skipped":  result.Skipped,
	}).Info("batch executed")

	return result, nil
}

// applyOne dispatches a single mutation. It returns the outcome plus JSON
// before/after snapshots for the audit log.
func (e *Executor) applyOne(ctx context.Context, tx *store.Tx, m *Mutation) (Outcome, string, string, error) {
	switch m.Action {
	case ActionConfirmLink:
		return e.confirmLink(ctx, tx, m)
	case ActionRevokeLink:
		return e.revokeLink(ctx, tx, m)
	case ActionDeleteRecord:
		return e.deleteRecord(ctx, tx, m.RecordID)
	case ActionRewriteAmount:
		return e.rewriteAmount(ctx, tx, m)
	case ActionSetSplitGroup:
		return e.setSplitGroup(ctx, tx, m)
	case ActionFlagSplitSource:
		return e.flagSplitSource(ctx, tx, m)
	case ActionFlagSplitTarget:
		return e.flagSplitTarget(ctx, tx, m)
	case ActionAddVendorAlias:
		return e.addVendorAlias(ctx, tx, m)
	case ActionMergeVendors:
		return e.mergeVendors(ctx, tx, m)
	case ActionAnnotateEntryVendor:
		return e.annotateEntryVendor(ctx, tx, m)
	case ActionAnnotateRecordVendor:
		return e.annotateRecordVendor(ctx, tx, m)
	case ActionResolveDuplicateGroup:
		return e.resolveDuplicateGroup(ctx, tx, m)
	}
	return "", "", "", recerrors.Newf(recerrors.CodeInvalidData, "unknown mutation action %q", m.Action)
}

func snapshot(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func (e *Executor) confirmLink(ctx context.Context, tx *store.Tx, m *Mutation) (Outcome, string, string, error) {
	outcome, err := e.ledger.Confirm(ctx, tx, m.Link)
	if err != nil {
		return "", "", "", err
	}
	if outcome == ledger.OutcomeNoop {
		return OutcomeSkipped, "", "", nil
	}
	return OutcomeApplied, "", snapshot(m.Link), nil
}

func (e *Executor) revokeLink(ctx context.Context, tx *store.Tx, m *Mutation) (Outcome, string, string, error) {
	link, err := tx.GetLink(ctx, m.LinkID)
	if err != nil {
		return "", "", "", err
	}
	if link == nil {
		return OutcomeSkipped, "", "", nil
	}
	if err := e.ledger.Revoke(ctx, tx, m.LinkID); err != nil {
		return "", "", "", err
	}
	return OutcomeApplied, snapshot(link), "", nil
}

func (e *Executor) deleteRecord(ctx context.Context, tx *store.Tx, recordID int64) (Outcome, string, string, error) {
	record, err := tx.GetRecord(ctx, recordID)
	if err != nil {
		return "", "", "", err
	}
	if record == nil {
		return OutcomeSkipped, "", "", nil
	}
	links, err := tx.LinksForRecord(ctx, recordID)
	if err != nil {
		return "", "", "", err
	}
	if len(links) > 0 {
		return "", "", "", recerrors.InvariantViolation(
			"cannot delete record " + record.String() + " while match links reference it")
	}
	if _, err := tx.DeleteRecord(ctx, recordID); err != nil {
		return "", "", "", err
	}
	return OutcomeApplied, snapshot(record), "", nil
}

func (e *Executor) rewriteAmount(ctx context.Context, tx *store.Tx, m *Mutation) (Outcome, string, string, error) {
	record, err := tx.GetRecord(ctx, m.RecordID)
	if err != nil {
		return "", "", "", err
	}
	if record == nil {
		return "", "", "", recerrors.Newf(recerrors.CodeInvalidData, "record %d does not exist", m.RecordID)
	}
	if record.Amount.Equal(m.Amount) {
		return OutcomeSkipped, "", "", nil
	}
	before := snapshot(record)
	if err := tx.UpdateRecordAmount(ctx, m.RecordID, m.Amount); err != nil {
		return "", "", "", err
	}
	record.Amount = m.Amount
	return OutcomeApplied, before, snapshot(record), nil
}

func (e *Executor) setSplitGroup(ctx context.Context, tx *store.Tx, m *Mutation) (Outcome, string, string, error) {
	group := m.Group
	changed := 0
	for _, id := range group.MemberIDs() {
		record, err := tx.GetRecord(ctx, id)
		if err != nil {
			return "", "", "", err
		}
		if record == nil {
			return "", "", "", recerrors.Newf(recerrors.CodeInvalidData, "split member record %d does not exist", id)
		}
		isParent := id == group.ParentRecordID
		var parentID *int64
		if !isParent {
			parentID = &group.ParentRecordID
		}
		if record.SplitGroupID == group.ID && record.SplitParent == isParent && sameParent(record.ParentID, parentID) {
			continue
		}
		if err := tx.UpdateRecordGrouping(ctx, id, parentID, group.ID, isParent); err != nil {
			return "", "", "", err
		}
		changed++
	}
	if changed == 0 {
		return OutcomeSkipped, "", "", nil
	}
	return OutcomeApplied, "", snapshot(group), nil
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (e *Executor) flagSplitSource(ctx context.Context, tx *store.Tx, m *Mutation) (Outcome, string, string, error) {
	entry, err := tx.GetEntry(ctx, m.EntryID)
	if err != nil {
		return "", "", "", err
	}
	if entry == nil {
		return "", "", "", recerrors.Newf(recerrors.CodeInvalidData, "ledger entry %d does not exist", m.EntryID)
	}
	if entry.SplitSource {
		return OutcomeSkipped, "", "", nil
	}
	before := snapshot(entry)
	if err := tx.SetEntrySplitSource(ctx, m.EntryID, true); err != nil {
		return "", "", "", err
	}
	entry.SplitSource = true
	return OutcomeApplied, before, snapshot(entry), nil
}

func (e *Executor) flagSplitTarget(ctx context.Context, tx *store.Tx, m *Mutation) (Outcome, string, string, error) {
	record, err := tx.GetRecord(ctx, m.RecordID)
	if err != nil {
		return "", "", "", err
	}
	if record == nil {
		return "", "", "", recerrors.Newf(recerrors.CodeInvalidData, "record %d does not exist", m.RecordID)
	}
	if record.SplitTarget {
		return OutcomeSkipped, "", "", nil
	}
	before := snapshot(record)
	if err := tx.SetRecordSplitTarget(ctx, m.RecordID, true); err != nil {
		return "", "", "", err
	}
	record.SplitTarget = true
	return OutcomeApplied, before, snapshot(record), nil
}

func (e *Executor) addVendorAlias(ctx context.Context, tx *store.Tx, m *Mutation) (Outcome, string, string, error) {
	inserted, err := tx.InsertVendorAlias(ctx, m.VendorID, m.Alias)
	if err != nil {
		return "", "", "", err
	}
	if !inserted {
		return OutcomeSkipped, "", "", nil
	}
	return OutcomeApplied, "", snapshot(map[string]interface{}{"vendor_id": m.VendorID, "alias": m.Alias}), nil
}

func (e *Executor) mergeVendors(ctx context.Context, tx *store.Tx, m *Mutation) (Outcome, string, string, error) {
	if m.FromVendor == m.IntoVendor {
		return OutcomeSkipped, "", "", nil
	}
	touched, err := tx.MergeVendors(ctx, m.FromVendor, m.IntoVendor)
	if err != nil {
		return "", "", "", err
	}
	if touched == 0 {
		return OutcomeSkipped, "", "", nil
	}
	return OutcomeApplied,
		snapshot(map[string]string{"from": m.FromVendor}),
		snapshot(map[string]string{"into": m.IntoVendor}), nil
}

func (e *Executor) annotateEntryVendor(ctx context.Context, tx *store.Tx, m *Mutation) (Outcome, string, string, error) {
	entry, err := tx.GetEntry(ctx, m.EntryID)
	if err != nil {
		return "", "", "", err
	}
	if entry == nil {
		return "", "", "", recerrors.Newf(recerrors.CodeInvalidData, "ledger entry %d does not exist", m.EntryID)
	}
	if entry.VendorKey == m.VendorKey {
		return OutcomeSkipped, "", "", nil
	}
	before := snapshot(entry)
	if err := tx.SetEntryVendorKey(ctx, m.EntryID, m.VendorKey); err != nil {
		return "", "", "", err
	}
	entry.VendorKey = m.VendorKey
	return OutcomeApplied, before, snapshot(entry), nil
}

func (e *Executor) annotateRecordVendor(ctx context.Context, tx *store.Tx, m *Mutation) (Outcome, string, string, error) {
	record, err := tx.GetRecord(ctx, m.RecordID)
	if err != nil {
		return "", "", "", err
	}
	if record == nil {
		return "", "", "", recerrors.Newf(recerrors.CodeInvalidData, "record %d does not exist", m.RecordID)
	}
	if record.VendorKey == m.VendorKey {
		return OutcomeSkipped, "", "", nil
	}
	before := snapshot(record)
	if err := tx.SetRecordVendorKey(ctx, m.RecordID, m.VendorKey); err != nil {
		return "", "", "", err
	}
	record.VendorKey = m.VendorKey
	return OutcomeApplied, before, snapshot(record), nil
}

func (e *Executor) resolveDuplicateGroup(ctx context.Context, tx *store.Tx, m *Mutation) (Outcome, string, string, error) {
	group := m.DuplicateGroup
	deleted := 0
	for _, id := range group.DeleteCandidates {
		// A candidate that picked up a match link since detection is
		// reconciled; it leaves the group rather than failing it.
		links, err := tx.LinksForRecord(ctx, id)
		if err != nil {
			return "", "", "", err
		}
		if len(links) > 0 {
			e.log.WithFields(logger.Fields{
				"record_id": id,
				"group_key": group.GroupKey,
			}).Warn("skipping linked duplicate candidate")
			continue
		}
		outcome, _, _, err := e.deleteRecord(ctx, tx, id)
		if err != nil {
			return "", "", "", err
		}
		if outcome == OutcomeApplied {
			deleted++
		}
	}
	if deleted == 0 {
		return OutcomeSkipped, "", "", nil
	}
	if err := tx.UpsertDuplicateGroup(ctx, group.GroupKey, group.KeeperID, models.DispositionRemoved); err != nil {
		return "", "", "", err
	}
	return OutcomeApplied,
		snapshot(group),
		snapshot(map[string]interface{}{"keeper_id": group.KeeperID, "deleted": deleted}), nil
}
