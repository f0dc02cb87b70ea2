// Package reconciler orchestrates one reconciliation run: vendor
// canonicalization, split resolution, candidate matching and duplicate
// detection over a scoped working set, with every resulting write funneled
// into a single mutation batch.
package reconciler

import (
	"context"

	"ledgermatch/internal/dedupe"
	"ledgermatch/internal/executor"
	"ledgermatch/internal/matcher"
	"ledgermatch/internal/models"
	"ledgermatch/internal/splits"
	"ledgermatch/internal/store"
	"ledgermatch/internal/vendor"
	recerrors "ledgermatch/pkg/errors"
	"ledgermatch/pkg/logger"
)

// Config holds reconciliation run settings.
type Config struct {
	// Matcher configures the candidate matching engine.
	Matcher *matcher.Config

	// DuplicateThreshold is the group size above which records surface as
	// duplicate candidates.
	DuplicateThreshold int

	// VendorThreshold is the fuzzy similarity floor for vendor resolution.
	VendorThreshold float64

	// ResolveDuplicates includes duplicate-group deletions in the batch.
	// Off by default; duplicates are only surfaced.
	ResolveDuplicates bool

	// ProposedBy labels this run's mutations in links and audit rows.
	ProposedBy string
}

// DefaultConfig returns the standard run settings.
func DefaultConfig() *Config {
	return &Config{
		Matcher:            matcher.DefaultConfig(),
		DuplicateThreshold: 1,
		VendorThreshold:    vendor.DefaultSimilarityThreshold,
		ProposedBy:         "reconciler",
	}
}

// Validate checks the run configuration.
func (c *Config) Validate() error {
	if c.Matcher == nil {
		return recerrors.New(recerrors.CodeInvalidConfig, "matcher configuration is required")
	}
	if err := c.Matcher.Validate(); err != nil {
		return err
	}
	if c.DuplicateThreshold < 1 {
		return recerrors.New(recerrors.CodeInvalidConfig, "duplicate threshold must be at least 1")
	}
	if c.VendorThreshold <= 0 || c.VendorThreshold > 1 {
		return recerrors.New(recerrors.CodeInvalidConfig, "vendor threshold must be in (0, 1]")
	}
	if c.ProposedBy == "" {
		return recerrors.New(recerrors.CodeInvalidConfig, "proposed-by label is required")
	}
	return nil
}

// AmbiguousEntry is one entry the matcher refused to auto-confirm.
type AmbiguousEntry struct {
	EntryID    int64 `json:"entry_id"`
	Candidates int   `json:"candidates"`
}

// Summary is the outcome of one reconciliation run.
type Summary struct {
	Entries           int                              `json:"entries"`
	Records           int                              `json:"records"`
	Proposed          int                              `json:"proposed_matches"`
	SplitGroups       int                              `json:"split_groups"`
	OffsetPairs       int                              `json:"offset_pairs"`
	Ambiguous         []AmbiguousEntry                 `json:"ambiguous,omitempty"`
	Unmatched         []int64                          `json:"unmatched_entries,omitempty"`
	UnresolvedVendors []string                         `json:"unresolved_vendors,omitempty"`
	DuplicateGroups   []*models.DuplicateCandidateGroup `json:"duplicate_groups,omitempty"`
	ErrorCounts       map[recerrors.Code]int           `json:"error_counts,omitempty"`
	Execution         *executor.Result                 `json:"execution"`
}

// Service runs the reconciliation pipeline.
type Service struct {
	store    *store.Store
	exec     *executor.Executor
	engine   *matcher.Engine
	detector *dedupe.Detector
	config   *Config
	log      logger.Logger
}

// NewService creates a reconciliation service.
func NewService(s *store.Store, exec *executor.Executor, config *Config, log logger.Logger) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		store:    s,
		exec:     exec,
		engine:   matcher.NewEngine(config.Matcher, log),
		detector: dedupe.NewDetector(dedupe.DefaultPredicates(), log),
		config:   config,
		log:      log.WithComponent("reconciler"),
	}, nil
}

// Run executes one reconciliation pass over the scope. Decision components
// only propose; the assembled batch goes through the executor, which applies
// or dry-runs it atomically. Recoverable conditions are summarized, never
// fatal.
func (s *Service) Run(ctx context.Context, scope store.Scope) (*Summary, error) {
	entries, err := s.store.ListEntries(ctx, scope)
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListRecords(ctx, scope)
	if err != nil {
		return nil, err
	}
	vendors, err := s.store.ListVendors(ctx)
	if err != nil {
		return nil, err
	}
	links, err := s.store.AllLinks(ctx)
	if err != nil {
		return nil, err
	}

	linkedEntry := make(map[int64]bool)
	linkedRecord := make(map[int64]bool)
	for _, l := range links {
		linkedEntry[l.EntryID] = true
		linkedRecord[l.RecordID] = true
	}

	summary := &Summary{Entries: len(entries), Records: len(records)}
	collector := recerrors.NewCollector()
	var mutations []*executor.Mutation

	canon := vendor.NewCanonicalizer(vendors, s.log, vendor.WithThreshold(s.config.VendorThreshold))
	mutations = append(mutations, s.annotateVendors(canon, entries, records, collector, summary)...)

	// Same-day offsetting entry pairs are charge/reversal shapes; neither side
	// participates in matching.
	excluded := make(map[int64]bool)
	for _, pair := range matcher.FindOffsetEntryPairs(entries) {
		excluded[pair.Charge.ID] = true
		excluded[pair.Reversal.ID] = true
		summary.OffsetPairs++
	}

	consumed := make(map[int64]bool) // record ids claimed by a split group
	splitMutations, splitEntries := s.resolveSplits(entries, records, linkedEntry, excluded, consumed, collector, summary)
	mutations = append(mutations, splitMutations...)

	var pool []*models.Record
	for _, r := range records {
		if !linkedRecord[r.ID] && !consumed[r.ID] {
			pool = append(pool, r)
		}
	}
	idx := matcher.NewRecordIndex(pool)

	claimed := make(map[int64]bool) // record ids proposed for a direct link this run
	for _, entry := range entries {
		if entry.Reconciled || linkedEntry[entry.ID] || excluded[entry.ID] || splitEntries[entry.ID] {
			continue
		}
		candidates := s.engine.FindCandidates(entry, idx)
		outcome, matchErr := matcher.Classify(entry, candidates)
		switch outcome {
		case matcher.OutcomeUnique:
			best := matcher.Best(candidates)
			if claimed[best.Record.ID] {
				_ = collector.Add(recerrors.NoCandidate(entry.ID).
					WithContext("reason", "sole candidate already claimed this run"))
				summary.Unmatched = append(summary.Unmatched, entry.ID)
				continue
			}
			claimed[best.Record.ID] = true
			mutations = append(mutations, executor.ConfirmLink(&models.MatchLink{
				EntryID:    entry.ID,
				RecordID:   best.Record.ID,
				Kind:       models.LinkDirect,
				Confidence: best.Score,
				ProposedBy: s.config.ProposedBy,
			}))
			summary.Proposed++
		case matcher.OutcomeAmbiguous:
			summary.Ambiguous = append(summary.Ambiguous, AmbiguousEntry{
				EntryID:    entry.ID,
				Candidates: len(candidates),
			})
			_ = collector.Add(matchErr)
		case matcher.OutcomeSelfCancelling:
			// Surfaced via offset pairs on the entry side; nothing to confirm.
		default:
			summary.Unmatched = append(summary.Unmatched, entry.ID)
			_ = collector.Add(matchErr)
		}
	}

	var dedupePool []*models.Record
	for _, r := range pool {
		if !claimed[r.ID] {
			dedupePool = append(dedupePool, r)
		}
	}
	summary.DuplicateGroups = s.detector.FindDuplicateGroups(dedupePool, s.config.DuplicateThreshold)
	if s.config.ResolveDuplicates {
		for _, g := range summary.DuplicateGroups {
			mutations = append(mutations, executor.ResolveDuplicateGroup(g, s.config.ProposedBy))
		}
	}

	result, err := s.exec.Execute(ctx, executor.NewBatch(mutations))
	if err != nil {
		return nil, err
	}
	summary.Execution = result
	summary.ErrorCounts = collector.ByCode()

	s.log.WithFields(logger.Fields{
		"entries":  summary.Entries,
		"records":  summary.Records,
		"proposed": summary.Proposed,
		"splits":   summary.SplitGroups,
		"errors":   collector.Len(),
	}).Info("reconciliation run complete")

	return summary, nil
}

// annotateVendors resolves canonical vendors for every unannotated entry and
// record, proposing annotations and alias additions. Unresolved text is
// collected, never guessed.
func (s *Service) annotateVendors(canon *vendor.Canonicalizer, entries []*models.LedgerEntry,
	records []*models.Record, collector *recerrors.Collector, summary *Summary) []*executor.Mutation {

	var mutations []*executor.Mutation
	unresolved := make(map[string]bool)

	propose := func(p *vendor.ProposedAlias) {
		if p != nil {
			mutations = append(mutations, executor.AddVendorAlias(p.VendorID, p.Alias, s.config.ProposedBy))
		}
	}

	for _, e := range entries {
		if e.VendorKey != "" {
			continue
		}
		v, proposal, err := canon.Canonicalize(e.RawDescription)
		if err != nil {
			if !unresolved[e.RawDescription] {
				unresolved[e.RawDescription] = true
				summary.UnresolvedVendors = append(summary.UnresolvedVendors, e.RawDescription)
			}
			_ = collector.Add(err)
			continue
		}
		mutations = append(mutations, executor.AnnotateEntryVendor(e.ID, v.Name, s.config.ProposedBy))
		e.VendorKey = v.Name
		propose(proposal)
	}

	for _, r := range records {
		if r.VendorKey != "" {
			continue
		}
		v, proposal, err := canon.Canonicalize(r.Description)
		if err != nil {
			if !unresolved[r.Description] {
				unresolved[r.Description] = true
				summary.UnresolvedVendors = append(summary.UnresolvedVendors, r.Description)
			}
			_ = collector.Add(err)
			continue
		}
		mutations = append(mutations, executor.AnnotateRecordVendor(r.ID, v.Name, s.config.ProposedBy))
		r.VendorKey = v.Name
		propose(proposal)
	}

	return mutations
}

// resolveSplits finds component split groups in the record pool and pairs
// each with the single ledger entry funding it. Groups that do not reconcile
// or cannot be funded unambiguously are surfaced and left unsplit.
func (s *Service) resolveSplits(entries []*models.LedgerEntry, records []*models.Record,
	linkedEntry, excluded, consumed map[int64]bool,
	collector *recerrors.Collector, summary *Summary) ([]*executor.Mutation, map[int64]bool) {

	var mutations []*executor.Mutation
	splitEntries := make(map[int64]bool)

	recordByID := make(map[int64]*models.Record, len(records))
	for _, r := range records {
		recordByID[r.ID] = r
	}

	for _, members := range splits.FindComponentGroups(records) {
		group, err := splits.ResolveComponentGroup(members)
		if err != nil {
			if fatal := collector.Add(err); fatal != nil {
				s.log.WithError(fatal).Warn("split resolution failed")
			}
			continue
		}

		parent := recordByID[group.ParentRecordID]
		funding := s.fundingEntries(entries, group, parent, linkedEntry, excluded, splitEntries)
		switch len(funding) {
		case 1:
			entry := funding[0]
			splitEntries[entry.ID] = true
			for _, id := range group.MemberIDs() {
				consumed[id] = true
			}
			mutations = append(mutations, executor.FlagSplitSource(entry.ID, s.config.ProposedBy))
			mutations = append(mutations, executor.SetSplitGroup(group, s.config.ProposedBy))
			for _, link := range group.ProposeLinks(entry.ID, s.config.ProposedBy) {
				mutations = append(mutations, executor.ConfirmLink(link))
			}
			summary.SplitGroups++
		case 0:
			_ = collector.Add(recerrors.Newf(recerrors.CodeNoCandidate,
				"no ledger entry funds split group %s (total %s)", group.ID, group.Total.String()).
				WithContext("group_id", group.ID))
		default:
			_ = collector.Add(recerrors.Newf(recerrors.CodeAmbiguousCandidates,
				"%d ledger entries could fund split group %s", len(funding), group.ID).
				WithContext("group_id", group.ID).
				WithContext("candidate_count", len(funding)))
		}
	}

	return mutations, splitEntries
}

// fundingEntries returns the eligible entries whose amount covers the group
// total within the configured tolerance and date window of the parent record.
func (s *Service) fundingEntries(entries []*models.LedgerEntry, group *splits.SplitGroup,
	parent *models.Record, linkedEntry, excluded, splitEntries map[int64]bool) []*models.LedgerEntry {

	var out []*models.LedgerEntry
	for _, e := range entries {
		if e.Reconciled || linkedEntry[e.ID] || excluded[e.ID] || splitEntries[e.ID] {
			continue
		}
		if !models.AmountsEqualWithin(e.AbsAmount(), group.Total.Abs(), s.config.Matcher.AmountTolerance) {
			continue
		}
		if parent != nil && models.DaysBetween(e.PostedAt, parent.PostedAt) > s.config.Matcher.DateWindowDays {
			continue
		}
		out = append(out, e)
	}
	return out
}
