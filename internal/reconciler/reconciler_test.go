package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgermatch/internal/executor"
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

func (f *fixture) service(t *testing.T, apply bool, config *Config) *Service {
	t.Helper()
	log := testLogger()
	exec := executor.New(f.store, ledger.New(log), log, executor.WithApply(apply))
	svc, err := NewService(f.store, exec, config, log)
	require.NoError(t, err)
	return svc
}

func day(d int) time.Time {
	return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
}

func (f *fixture) entry(t *testing.T, d int, amount float64, desc string) int64 {
	t.Helper()
	id, err := f.store.InsertEntry(context.Background(), &models.LedgerEntry{
		Account:        "operating",
		PostedAt:       day(d),
		Amount:         decimal.NewFromFloat(amount),
		RawDescription: desc,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) record(t *testing.T, d int, amount float64, desc string) int64 {
	t.Helper()
	id, err := f.store.InsertRecord(context.Background(), &models.Record{
		PostedAt:    day(d),
		Amount:      decimal.NewFromFloat(amount),
		Description: desc,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) splitRecord(t *testing.T, d int, amount, total float64, desc string) int64 {
	t.Helper()
	gt := decimal.NewFromFloat(total)
	id, err := f.store.InsertRecord(context.Background(), &models.Record{
		PostedAt:    day(d),
		Amount:      decimal.NewFromFloat(amount),
		Description: desc,
		GroupTotal:  &gt,
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

// seedBooks loads one month of activity covering a direct match, a component
// split, a triple-imported receipt and an unrecognizable charge.
func (f *fixture) seedBooks(t *testing.T) (directEntry, fundingEntry, strayEntry int64) {
	t.Helper()
	ctx := context.Background()

	vendorID, err := f.store.InsertVendor(ctx, "Petro-Canada")
	require.NoError(t, err)
	err = f.store.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.InsertVendorAlias(ctx, vendorID, "PETRO-CANADA")
		return err
	})
	require.NoError(t, err)

	directEntry = f.entry(t, 10, -116.53, "PETRO-CANADA")
	f.record(t, 11, 116.53, "PETRO-CANADA")

	fundingEntry = f.entry(t, 5, -682.50, "TRUCK REPAIR INVOICE")
	f.splitRecord(t, 5, 400.00, 682.50, "INVOICE FRAGMENT")
	f.splitRecord(t, 5, 282.50, 682.50, "INVOICE FRAGMENT")

	f.record(t, 20, 45.00, "OFFICE DEPOT SUPPLIES")
	f.record(t, 20, 45.00, "OFFICE DEPOT SUPPLIES")
	f.record(t, 20, 45.00, "OFFICE DEPOT SUPPLIES")

	strayEntry = f.entry(t, 15, -77.77, "ZZKJQ 9910")
	return directEntry, fundingEntry, strayEntry
}

func TestRunDryRunChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.seedBooks(t)

	before := f.counts(t)

	svc := f.service(t, false, nil)
	summary, err := svc.Run(context.Background(), store.Scope{})
	require.NoError(t, err)

	require.NotNil(t, summary.Execution)
	assert.True(t, summary.Execution.DryRun)
	assert.Equal(t, 7, summary.Execution.Applied,
		"two annotations, one split flag, one grouping, three links")
	assert.Equal(t, 1, summary.Proposed)
	assert.Equal(t, 1, summary.SplitGroups)

	after := f.counts(t)
	assert.Equal(t, before, after, "dry run must leave every table untouched")
}

func TestRunApplyThenRerunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	directEntry, fundingEntry, strayEntry := f.seedBooks(t)
	ctx := context.Background()

	svc := f.service(t, true, nil)
	summary, err := svc.Run(ctx, store.Scope{})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Entries)
	assert.Equal(t, 6, summary.Records)
	assert.Equal(t, 1, summary.Proposed)
	assert.Equal(t, 1, summary.SplitGroups)
	assert.Equal(t, 7, summary.Execution.Applied)
	assert.Contains(t, summary.Unmatched, strayEntry)
	assert.Contains(t, summary.UnresolvedVendors, "ZZKJQ 9910")
	require.Len(t, summary.DuplicateGroups, 1, "triple import surfaces as one group")
	assert.Equal(t, 3, summary.DuplicateGroups[0].Size())
	assert.NotZero(t, summary.ErrorCounts[recerrors.CodeUnresolvedVendor])

	counts := f.counts(t)
	assert.EqualValues(t, 3, counts["match_links"], "one direct link and two split links")
	assert.EqualValues(t, 7, counts["audit_log"])
	assert.EqualValues(t, 6, counts["records"], "duplicates are surfaced, never auto-deleted")

	entries, err := f.store.ListEntries(ctx, store.Scope{})
	require.NoError(t, err)
	byID := make(map[int64]*models.LedgerEntry)
	for _, e := range entries {
		byID[e.ID] = e
	}
	assert.True(t, byID[directEntry].Reconciled)
	assert.Equal(t, "Petro-Canada", byID[directEntry].VendorKey)
	assert.True(t, byID[fundingEntry].Reconciled)
	assert.True(t, byID[fundingEntry].SplitSource)
	assert.False(t, byID[strayEntry].Reconciled)

	records, err := f.store.ListRecords(ctx, store.Scope{})
	require.NoError(t, err)
	grouped := 0
	for _, r := range records {
		if r.SplitGroupID != "" {
			grouped++
		}
	}
	assert.Equal(t, 2, grouped, "both split fragments carry the group id")

	// A second pass over reconciled books proposes nothing new.
	again, err := svc.Run(ctx, store.Scope{})
	require.NoError(t, err)
	assert.Zero(t, again.Execution.Applied)
	assert.Zero(t, again.Proposed)
	assert.Zero(t, again.SplitGroups)
	assert.Len(t, again.DuplicateGroups, 1, "unresolved duplicates keep surfacing")

	countsAfter := f.counts(t)
	assert.Equal(t, counts, countsAfter, "re-run writes nothing, audit log included")
}

func TestRunResolveDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.record(t, 20, 45.00, "OFFICE DEPOT SUPPLIES")
	f.record(t, 20, 45.00, "OFFICE DEPOT SUPPLIES")
	keeperAndDupes, err := f.store.ListRecords(ctx, store.Scope{})
	require.NoError(t, err)
	require.Len(t, keeperAndDupes, 2)

	config := DefaultConfig()
	config.ResolveDuplicates = true

	svc := f.service(t, true, config)
	summary, err := svc.Run(ctx, store.Scope{})
	require.NoError(t, err)
	require.Len(t, summary.DuplicateGroups, 1)
	assert.Equal(t, 1, summary.Execution.Applied)

	remaining, err := f.store.ListRecords(ctx, store.Scope{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, keeperAndDupes[0].ID, remaining[0].ID, "earliest import survives")

	counts := f.counts(t)
	assert.EqualValues(t, 1, counts["duplicate_groups"])
}

func TestRunOffsetPairsExcluded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A charge and its same-day reversal; a record that would otherwise match
	// the charge.
	f.entry(t, 10, -120.00, "DOUBLE BILLED CHARGE")
	f.entry(t, 10, 120.00, "CHARGE REVERSAL")
	f.record(t, 10, 120.00, "RECEIPT FOR REVERSED CHARGE")

	svc := f.service(t, true, nil)
	summary, err := svc.Run(ctx, store.Scope{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.OffsetPairs)
	assert.Zero(t, summary.Proposed, "neither side of an offset pair participates in matching")

	counts := f.counts(t)
	assert.Zero(t, counts["match_links"])
}

func TestRunAmbiguousCandidatesSurfaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entryID := f.entry(t, 10, -80.00, "FUEL STOP A")
	f.record(t, 10, 80.00, "FUEL RECEIPT ONE")
	f.record(t, 11, 80.00, "FUEL RECEIPT TWO")

	svc := f.service(t, true, nil)
	summary, err := svc.Run(ctx, store.Scope{})
	require.NoError(t, err)

	require.Len(t, summary.Ambiguous, 1)
	assert.Equal(t, entryID, summary.Ambiguous[0].EntryID)
	assert.Equal(t, 2, summary.Ambiguous[0].Candidates)
	assert.NotZero(t, summary.ErrorCounts[recerrors.CodeAmbiguousCandidates])

	counts := f.counts(t)
	assert.Zero(t, counts["match_links"], "ambiguity never auto-confirms")
}

func TestNewServiceRejectsBadConfig(t *testing.T) {
	f := newFixture(t)
	log := testLogger()
	exec := executor.New(f.store, ledger.New(log), log)

	config := DefaultConfig()
	config.DuplicateThreshold = 0

	_, err := NewService(f.store, exec, config, log)
	require.Error(t, err)
	assert.True(t, recerrors.IsCode(err, recerrors.CodeInvalidConfig))
}
