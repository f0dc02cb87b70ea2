package matcher

import (
	"sort"

	"github.com/shopspring/decimal"

	"ledgermatch/internal/models"
)

// RecordIndex provides candidate lookups over a record pool without scanning
// the whole pool per entry.
type RecordIndex struct {
	// exactAmount maps absolute amount strings to records.
	exactAmount map[string][]*models.Record

	// byDay maps calendar days to records.
	byDay map[string][]*models.Record

	// amountRange holds unique absolute amounts in sorted order for
	// tolerance-window lookups.
	amountRange []*amountBucket

	// All holds every indexed record in creation order.
	All []*models.Record
}

type amountBucket struct {
	amount  decimal.Decimal
	records []*models.Record
}

// NewRecordIndex builds an index over the pool. The pool is re-sorted by
// creation order (created_at, then id) so that downstream tie-breaking is
// deterministic regardless of input order.
func NewRecordIndex(pool []*models.Record) *RecordIndex {
	sorted := make([]*models.Record, len(pool))
	copy(sorted, pool)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	idx := &RecordIndex{
		exactAmount: make(map[string][]*models.Record),
		byDay:       make(map[string][]*models.Record),
		All:         sorted,
	}

	buckets := make(map[string]*amountBucket)
	for _, r := range sorted {
		amountKey := r.AbsAmount().String()
		idx.exactAmount[amountKey] = append(idx.exactAmount[amountKey], r)
		idx.byDay[models.DayKey(r.PostedAt)] = append(idx.byDay[models.DayKey(r.PostedAt)], r)

		b, ok := buckets[amountKey]
		if !ok {
			b = &amountBucket{amount: r.AbsAmount()}
			buckets[amountKey] = b
			idx.amountRange = append(idx.amountRange, b)
		}
		b.records = append(b.records, r)
	}

	sort.Slice(idx.amountRange, func(i, j int) bool {
		return idx.amountRange[i].amount.LessThan(idx.amountRange[j].amount)
	})

	return idx
}

// WithinAmount returns records whose absolute amount lies within tolerance of
// target, in creation order.
func (idx *RecordIndex) WithinAmount(target, tolerance decimal.Decimal) []*models.Record {
	if tolerance.IsZero() {
		return idx.exactAmount[target.String()]
	}

	low := target.Sub(tolerance)
	high := target.Add(tolerance)

	first := sort.Search(len(idx.amountRange), func(i int) bool {
		return idx.amountRange[i].amount.GreaterThanOrEqual(low)
	})

	var out []*models.Record
	for i := first; i < len(idx.amountRange); i++ {
		if idx.amountRange[i].amount.GreaterThan(high) {
			break
		}
		out = append(out, idx.amountRange[i].records...)
	}
	return out
}

// OnDay returns records posted on the given calendar day.
func (idx *RecordIndex) OnDay(day string) []*models.Record {
	return idx.byDay[day]
}

// Stats describes the shape of the index.
type Stats struct {
	Records       int `json:"records"`
	UniqueAmounts int `json:"unique_amounts"`
	UniqueDays    int `json:"unique_days"`
}

// GetStats returns index statistics.
func (idx *RecordIndex) GetStats() Stats {
	return Stats{
		Records:       len(idx.All),
		UniqueAmounts: len(idx.amountRange),
		UniqueDays:    len(idx.byDay),
	}
}
