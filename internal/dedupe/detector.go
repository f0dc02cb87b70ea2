// Package dedupe finds records that are accidental re-imports of the same
// real-world event, as opposed to legitimate repeated fees.
//
// Records are grouped by (calendar day, vendor, amount). Caller-supplied
// protected predicates remove legitimately recurring rows (fee codes,
// reversals) before grouping, so a protected record can never appear in any
// duplicate candidate group. The detector only proposes: the earliest-created
// member of each group is the keeper and the rest are deletion candidates,
// applied exclusively through the mutation executor.
package dedupe

import (
	"fmt"
	"regexp"
	"sort"

	"ledgermatch/internal/models"
	"ledgermatch/pkg/logger"
)

// ProtectedPredicate excludes records from duplicate detection. Matching is
// against the normalized record description.
type ProtectedPredicate struct {
	Name    string
	Pattern *regexp.Regexp
}

// Matches reports whether the record is protected by this predicate.
func (p *ProtectedPredicate) Matches(r *models.Record) bool {
	return p.Pattern.MatchString(models.NormalizeDescription(r.Description))
}

// PredicateSpec is the serializable form of a ProtectedPredicate.
type PredicateSpec struct {
	Name    string `mapstructure:"name"`
	Pattern string `mapstructure:"pattern"`
}

// CompilePredicates compiles predicate specs. Invalid patterns fail loudly.
func CompilePredicates(specs []PredicateSpec) ([]ProtectedPredicate, error) {
	out := make([]ProtectedPredicate, 0, len(specs))
	for _, spec := range specs {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("predicate %q: invalid pattern: %w", spec.Name, err)
		}
		out = append(out, ProtectedPredicate{Name: spec.Name, Pattern: re})
	}
	return out, nil
}

// DefaultPredicates returns the built-in exclusions for fee codes that
// legitimately recur on the same day with the same amount.
func DefaultPredicates() []ProtectedPredicate {
	predicates, err := CompilePredicates([]PredicateSpec{
		{Name: "nsf_fee", Pattern: `\bNSF\b`},
		{Name: "email_transfer_fee", Pattern: `E-?(?:MAIL)?\s*TRANSFER\s+FEE`},
		{Name: "wire_fee", Pattern: `WIRE\s+(?:TRANSFER\s+)?FEE`},
		{Name: "service_charge", Pattern: `SERVICE\s+CHARGE`},
		{Name: "overdraft", Pattern: `OVERDRAFT\s+(?:FEE|INTEREST)`},
	})
	if err != nil {
		panic(err)
	}
	return predicates
}

// Detector finds duplicate candidate groups.
type Detector struct {
	predicates []ProtectedPredicate
	log        logger.Logger
}

// NewDetector creates a detector with the given protected predicates.
func NewDetector(predicates []ProtectedPredicate, log logger.Logger) *Detector {
	return &Detector{
		predicates: predicates,
		log:        log.WithComponent("dedupe"),
	}
}

// groupKey returns the collision key: calendar day, canonical vendor when
// resolved (normalized description otherwise), and absolute amount.
func groupKey(r *models.Record) string {
	vendor := r.VendorKey
	if vendor == "" {
		vendor = models.NormalizeDescription(r.Description)
	}
	return fmt.Sprintf("%s|%s|%s", models.DayKey(r.PostedAt), vendor, r.AbsAmount().String())
}

// FindDuplicateGroups groups unprotected records by (day, vendor, amount)
// and surfaces every group with more than threshold members. The keeper is
// the earliest-created member; everything else is a deletion candidate.
// Nothing is deleted here.
func (d *Detector) FindDuplicateGroups(records []*models.Record, threshold int) []*models.DuplicateCandidateGroup {
	if threshold < 1 {
		threshold = 1
	}

	grouped := make(map[string][]*models.Record)
	var order []string
	for _, r := range records {
		if d.isProtected(r) {
			continue
		}
		k := groupKey(r)
		if _, seen := grouped[k]; !seen {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], r)
	}

	var out []*models.DuplicateCandidateGroup
	for _, k := range order {
		members := grouped[k]
		if len(members) <= threshold {
			continue
		}

		sort.SliceStable(members, func(i, j int) bool {
			if !members[i].CreatedAt.Equal(members[j].CreatedAt) {
				return members[i].CreatedAt.Before(members[j].CreatedAt)
			}
			return members[i].ID < members[j].ID
		})

		group := &models.DuplicateCandidateGroup{
			GroupKey:    k,
			Records:     members,
			KeeperID:    members[0].ID,
			Disposition: models.DispositionPending,
		}
		for _, r := range members[1:] {
			group.DeleteCandidates = append(group.DeleteCandidates, r.ID)
		}
		out = append(out, group)
	}

	d.log.WithFields(logger.Fields{
		"records": len(records),
		"groups":  len(out),
	}).Debug("duplicate detection complete")

	return out
}

// isProtected reports whether any predicate shields the record.
func (d *Detector) isProtected(r *models.Record) bool {
	for i := range d.predicates {
		if d.predicates[i].Matches(r) {
			return true
		}
	}
	return false
}
