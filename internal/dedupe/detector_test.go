package dedupe

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledgermatch/internal/models"
	"ledgermatch/pkg/logger"
)

func testLogger() logger.Logger {
	log, err := logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Format: logger.TextFormat})
	if err != nil {
		panic(err)
	}
	return log
}

func importedRecord(id int64, description string, amount float64, postedAt, createdAt time.Time) *models.Record {
	return &models.Record{
		ID:          id,
		PostedAt:    postedAt,
		Amount:      decimal.NewFromFloat(amount),
		Description: description,
		CreatedAt:   createdAt,
	}
}

func day(d int) time.Time {
	return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
}

func TestFindDuplicateGroupsTripleImport(t *testing.T) {
	detector := NewDetector(DefaultPredicates(), testLogger())

	// The same receipt imported three times on different days.
	posted := day(12)
	records := []*models.Record{
		importedRecord(1, "OFFICE DEPOT SUPPLIES", 45.00, posted, day(12)),
		importedRecord(2, "OFFICE DEPOT SUPPLIES", 45.00, posted, day(13)),
		importedRecord(3, "OFFICE DEPOT SUPPLIES", 45.00, posted, day(14)),
		importedRecord(4, "UNRELATED PURCHASE", 45.00, posted, day(12)),
	}

	groups := detector.FindDuplicateGroups(records, 1)
	if len(groups) != 1 {
		t.Fatalf("expected 1 duplicate group, got %d", len(groups))
	}

	g := groups[0]
	if g.Size() != 3 {
		t.Errorf("expected 3 members, got %d", g.Size())
	}
	if g.KeeperID != 1 {
		t.Errorf("expected earliest import as keeper, got record %d", g.KeeperID)
	}
	if len(g.DeleteCandidates) != 2 {
		t.Fatalf("expected 2 delete candidates, got %d", len(g.DeleteCandidates))
	}
	if g.Disposition != models.DispositionPending {
		t.Errorf("surfaced groups start pending, got %s", g.Disposition)
	}
}

func TestProtectedFeesNeverGroup(t *testing.T) {
	detector := NewDetector(DefaultPredicates(), testLogger())

	// Two NSF fees on the same day are legitimate repeats, not duplicates.
	records := []*models.Record{
		importedRecord(1, "NSF FEE", 48.00, day(12), day(12)),
		importedRecord(2, "NSF FEE", 48.00, day(12), day(12)),
		importedRecord(3, "SERVICE CHARGE", 5.00, day(12), day(12)),
		importedRecord(4, "SERVICE CHARGE", 5.00, day(12), day(12)),
	}

	if groups := detector.FindDuplicateGroups(records, 1); len(groups) != 0 {
		t.Errorf("protected fee records must never form duplicate groups, got %d", len(groups))
	}
}

func TestThresholdControlsSurfacing(t *testing.T) {
	detector := NewDetector(DefaultPredicates(), testLogger())

	records := []*models.Record{
		importedRecord(1, "FUEL STOP", 80.00, day(12), day(12)),
		importedRecord(2, "FUEL STOP", 80.00, day(12), day(13)),
	}

	if groups := detector.FindDuplicateGroups(records, 1); len(groups) != 1 {
		t.Errorf("pair must surface at threshold 1, got %d groups", len(groups))
	}
	if groups := detector.FindDuplicateGroups(records, 2); len(groups) != 0 {
		t.Errorf("pair must not surface at threshold 2, got %d groups", len(groups))
	}
}

func TestGroupingUsesVendorWhenResolved(t *testing.T) {
	detector := NewDetector(DefaultPredicates(), testLogger())

	// Same vendor annotation with differently worded descriptions still groups.
	a := importedRecord(1, "PETRO CAN 1234 TORONTO", 60.00, day(12), day(12))
	a.VendorKey = "Petro-Canada"
	b := importedRecord(2, "PETRO-CANADA #1234", 60.00, day(12), day(13))
	b.VendorKey = "Petro-Canada"

	groups := detector.FindDuplicateGroups([]*models.Record{a, b}, 1)
	if len(groups) != 1 {
		t.Fatalf("expected vendor-keyed grouping, got %d groups", len(groups))
	}
	if groups[0].KeeperID != 1 {
		t.Errorf("expected record 1 as keeper, got %d", groups[0].KeeperID)
	}
}

func TestDifferentDaysDoNotGroup(t *testing.T) {
	detector := NewDetector(DefaultPredicates(), testLogger())

	records := []*models.Record{
		importedRecord(1, "FUEL STOP", 80.00, day(12), day(12)),
		importedRecord(2, "FUEL STOP", 80.00, day(13), day(13)),
	}

	if groups := detector.FindDuplicateGroups(records, 1); len(groups) != 0 {
		t.Errorf("records on different days must not group, got %d", len(groups))
	}
}

func TestKeeperTieBreaksOnID(t *testing.T) {
	detector := NewDetector(DefaultPredicates(), testLogger())

	created := day(12)
	records := []*models.Record{
		importedRecord(9, "COURIER CHARGE", 22.00, day(12), created),
		importedRecord(4, "COURIER CHARGE", 22.00, day(12), created),
	}

	groups := detector.FindDuplicateGroups(records, 1)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if groups[0].KeeperID != 4 {
		t.Errorf("equal creation times must keep the lowest id, got %d", groups[0].KeeperID)
	}
}

func TestCompilePredicatesInvalidPattern(t *testing.T) {
	if _, err := CompilePredicates([]PredicateSpec{{Name: "broken", Pattern: "["}}); err == nil {
		t.Error("expected error for invalid pattern")
	}
}
