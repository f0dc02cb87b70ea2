package executor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgermatch/internal/dedupe"
	"ledgermatch/internal/ledger"
	"ledgermatch/internal/models"
	"ledgermatch/internal/store"
	recerrors "ledgermatch/pkg/errors"
	"ledgermatch/pkg/logger"
)

func testLogger() logger.Logger {
	log, err := logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Format: logger.TextFormat})
	if err != nil {
		panic(err)
	}
	return log
}

type fixture struct {
	store *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &fixture{store: s}
}

func (f *fixture) executor(apply bool) *Executor {
	log := testLogger()
	return New(f.store, ledger.New(log), log, WithApply(apply))
}

func day(d int) time.Time {
	return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
}

func (f *fixture) entry(t *testing.T, amount float64, desc string) int64 {
	t.Helper()
	id, err := f.store.InsertEntry(context.Background(), &models.LedgerEntry{
		Account:        "operating",
		PostedAt:       day(10),
		Amount:         decimal.NewFromFloat(amount),
		RawDescription: desc,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) record(t *testing.T, amount float64, desc string) int64 {
	t.Helper()
	id, err := f.store.InsertRecord(context.Background(), &models.Record{
		PostedAt:    day(10),
		Amount:      decimal.NewFromFloat(amount),
		Description: desc,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) counts(t *testing.T) map[string]int64 {
	t.Helper()
	counts, err := f.store.TableCounts(context.Background())
	require.NoError(t, err)
	return counts
}

func directLink(entryID, recordID int64) *models.MatchLink {
	return &models.MatchLink{
		EntryID:    entryID,
		RecordID:   recordID,
		Kind:       models.LinkDirect,
		Confidence: 0.95,
		ProposedBy: "test",
	}
}

func TestDryRunLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entryID := f.entry(t, -116.53, "FUEL CHARGE")
	recordID := f.record(t, 116.53, "FUEL RECEIPT")

	before := f.counts(t)

	exec := f.executor(false)
	result, err := exec.Execute(ctx, NewBatch([]*Mutation{
		ConfirmLink(directLink(entryID, recordID)),
	}))
	require.NoError(t, err)

	assert.True(t, result.DryRun)
	assert.Equal(t, 1, result.Applied, "dry run reports what would be applied")

	after := f.counts(t)
	assert.Equal(t, before, after, "dry run must not change any table")
}

func TestApplyCommitsAndAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entryID := f.entry(t, -116.53, "FUEL CHARGE")
	recordID := f.record(t, 116.53, "FUEL RECEIPT")

	exec := f.executor(true)
	result, err := exec.Execute(ctx, NewBatch([]*Mutation{
		ConfirmLink(directLink(entryID, recordID)),
	}))
	require.NoError(t, err)

	assert.False(t, result.DryRun)
	assert.Equal(t, 1, result.Applied)

	counts := f.counts(t)
	assert.EqualValues(t, 1, counts["match_links"])
	assert.EqualValues(t, 1, counts["audit_log"], "one audit row per applied mutation")

	audits, err := f.store.ListAuditRecords(ctx, result.BatchID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, string(ActionConfirmLink), audits[0].Action)
	assert.Equal(t, "test", audits[0].ProposedBy)
	assert.NotEmpty(t, audits[0].AfterState)
}

func TestReRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entryID := f.entry(t, -116.53, "FUEL CHARGE")
	recordID := f.record(t, 116.53, "FUEL RECEIPT")

	mutations := func() []*Mutation {
		return []*Mutation{ConfirmLink(directLink(entryID, recordID))}
	}

	exec := f.executor(true)
	first, err := exec.Execute(ctx, NewBatch(mutations()))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Applied)

	countsAfterFirst := f.counts(t)

	second, err := exec.Execute(ctx, NewBatch(mutations()))
	require.NoError(t, err)
	assert.Zero(t, second.Applied, "re-running the same batch applies nothing")
	assert.Equal(t, 1, second.Skipped)

	countsAfterSecond := f.counts(t)
	assert.Equal(t, countsAfterFirst, countsAfterSecond,
		"an idempotent re-run writes nothing, not even audit rows")
}

func TestInvariantViolationRollsBackWholeBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entryID := f.entry(t, -50.00, "CHARGE")
	recordA := f.record(t, 50.00, "RECEIPT A")
	recordB := f.record(t, 50.00, "RECEIPT B")

	exec := f.executor(true)
	_, err := exec.Execute(ctx, NewBatch([]*Mutation{
		ConfirmLink(directLink(entryID, recordA)),
		ConfirmLink(directLink(entryID, recordB)), // second non-split link
	}))
	require.Error(t, err)
	assert.True(t, recerrors.IsCode(err, recerrors.CodeInvariantViolation))

	counts := f.counts(t)
	assert.Zero(t, counts["match_links"], "the valid first mutation must roll back too")
	assert.Zero(t, counts["audit_log"])
}

func TestDeleteRecordRefusesLinkedRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entryID := f.entry(t, -50.00, "CHARGE")
	recordID := f.record(t, 50.00, "RECEIPT")

	exec := f.executor(true)
	_, err := exec.Execute(ctx, NewBatch([]*Mutation{
		ConfirmLink(directLink(entryID, recordID)),
	}))
	require.NoError(t, err)

	_, err = exec.Execute(ctx, NewBatch([]*Mutation{
		DeleteRecord(recordID, "test"),
	}))
	require.Error(t, err)
	assert.True(t, recerrors.IsCode(err, recerrors.CodeInvariantViolation))

	counts := f.counts(t)
	assert.EqualValues(t, 1, counts["records"], "linked record survives")
}

func TestRevokeThenDeleteRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entryID := f.entry(t, -50.00, "CHARGE")
	recordID := f.record(t, 50.00, "RECEIPT")

	exec := f.executor(true)
	_, err := exec.Execute(ctx, NewBatch([]*Mutation{
		ConfirmLink(directLink(entryID, recordID)),
	}))
	require.NoError(t, err)

	links, err := f.store.LinksForRecord(ctx, recordID)
	require.NoError(t, err)
	require.Len(t, links, 1)

	result, err := exec.Execute(ctx, NewBatch([]*Mutation{
		RevokeLink(links[0].ID, "test"),
		DeleteRecord(recordID, "test"),
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Applied)

	counts := f.counts(t)
	assert.Zero(t, counts["match_links"])
	assert.Zero(t, counts["records"])
}

func TestResolveDuplicateGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	keeper := f.record(t, 45.00, "OFFICE DEPOT SUPPLIES")
	dupeA := f.record(t, 45.00, "OFFICE DEPOT SUPPLIES")
	dupeB := f.record(t, 45.00, "OFFICE DEPOT SUPPLIES")

	records, err := f.store.ListRecords(ctx, store.Scope{})
	require.NoError(t, err)

	detector := dedupe.NewDetector(dedupe.DefaultPredicates(), testLogger())
	groups := detector.FindDuplicateGroups(records, 1)
	require.Len(t, groups, 1)
	require.Equal(t, keeper, groups[0].KeeperID)

	exec := f.executor(true)
	result, err := exec.Execute(ctx, NewBatch([]*Mutation{
		ResolveDuplicateGroup(groups[0], "dedupe"),
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)

	remaining, err := f.store.ListRecords(ctx, store.Scope{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, keeper, remaining[0].ID)
	assert.NotContains(t, []int64{dupeA, dupeB}, remaining[0].ID)

	counts := f.counts(t)
	assert.EqualValues(t, 1, counts["duplicate_groups"])

	// Resolving the same group again is a no-op.
	again, err := exec.Execute(ctx, NewBatch([]*Mutation{
		ResolveDuplicateGroup(groups[0], "dedupe"),
	}))
	require.NoError(t, err)
	assert.Zero(t, again.Applied)
}

func TestResolveDuplicateGroupSkipsLinkedCandidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	keeper := f.record(t, 48.00, "COURIER CHARGE")
	linkedDupe := f.record(t, 48.00, "COURIER CHARGE")
	looseDupe := f.record(t, 48.00, "COURIER CHARGE")
	entryID := f.entry(t, -48.00, "COURIER DEBIT")

	records, err := f.store.ListRecords(ctx, store.Scope{})
	require.NoError(t, err)
	detector := dedupe.NewDetector(dedupe.DefaultPredicates(), testLogger())
	groups := detector.FindDuplicateGroups(records, 1)
	require.Len(t, groups, 1)
	require.Equal(t, keeper, groups[0].KeeperID)

	// One delete candidate gets reconciled between detection and resolution.
	exec := f.executor(true)
	_, err = exec.Execute(ctx, NewBatch([]*Mutation{
		ConfirmLink(directLink(entryID, linkedDupe)),
	}))
	require.NoError(t, err)

	result, err := exec.Execute(ctx, NewBatch([]*Mutation{
		ResolveDuplicateGroup(groups[0], "dedupe"),
	}))
	require.NoError(t, err, "a linked candidate must not abort the batch")
	assert.Equal(t, 1, result.Applied)

	remaining, err := f.store.ListRecords(ctx, store.Scope{})
	require.NoError(t, err)
	ids := make([]int64, 0, len(remaining))
	for _, r := range remaining {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []int64{keeper, linkedDupe}, ids,
		"only the unlinked candidate is deleted")
	assert.NotContains(t, ids, looseDupe)
}

func TestVendorMutations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	vendorID, err := f.store.InsertVendor(ctx, "Starbucks")
	require.NoError(t, err)
	entryID := f.entry(t, -12.50, "STARBUCKS #1234")

	exec := f.executor(true)
	result, err := exec.Execute(ctx, NewBatch([]*Mutation{
		AddVendorAlias(vendorID, "STARBUCKS #1234", "reconciler"),
		AnnotateEntryVendor(entryID, "Starbucks", "reconciler"),
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Applied)

	vendors, err := f.store.ListVendors(ctx)
	require.NoError(t, err)
	require.Len(t, vendors, 1)
	assert.Contains(t, vendors[0].Aliases, "STARBUCKS #1234")

	entries, err := f.store.ListEntries(ctx, store.Scope{})
	require.NoError(t, err)
	assert.Equal(t, "Starbucks", entries[0].VendorKey)

	// Both mutations are no-ops the second time.
	again, err := exec.Execute(ctx, NewBatch([]*Mutation{
		AddVendorAlias(vendorID, "STARBUCKS #1234", "reconciler"),
		AnnotateEntryVendor(entryID, "Starbucks", "reconciler"),
	}))
	require.NoError(t, err)
	assert.Zero(t, again.Applied)
}

func TestRewriteAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	recordID := f.record(t, 45.00, "TYPO RECEIPT")

	exec := f.executor(true)
	corrected := decimal.NewFromFloat(54.00)
	result, err := exec.Execute(ctx, NewBatch([]*Mutation{
		RewriteAmount(recordID, corrected, "manual"),
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)

	audits, err := f.store.ListAuditRecords(ctx, result.BatchID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Contains(t, audits[0].BeforeState, "45")
	assert.Contains(t, audits[0].AfterState, "54")

	records, err := f.store.ListRecords(ctx, store.Scope{})
	require.NoError(t, err)
	assert.True(t, records[0].Amount.Equal(corrected))
}

func TestEmptyBatch(t *testing.T) {
	f := newFixture(t)

	exec := f.executor(true)
	result, err := exec.Execute(context.Background(), NewBatch(nil))
	require.NoError(t, err)
	assert.Zero(t, result.Applied)
	assert.Zero(t, result.Skipped)
}
