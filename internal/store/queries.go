package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"ledgermatch/internal/models"
	recerrors "ledgermatch/pkg/errors"
)

const timeFormat = time.RFC3339

// Scope bounds a working set: a date range, an optional account, and an
// optional cap on rows for staged rollout.
type Scope struct {
	Start   time.Time
	End     time.Time
	Account string
	Limit   int
}

// querier abstracts *sql.DB and *sql.Tx for shared read helpers.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func scopeClause(scope Scope, dateCol string, withAccount bool) (string, []interface{}) {
	clause := " WHERE 1=1"
	var args []interface{}
	if !scope.Start.IsZero() {
		clause += " AND " + dateCol + " >= ?"
		args = append(args, scope.Start.UTC().Format(timeFormat))
	}
	if !scope.End.IsZero() {
		clause += " AND " + dateCol + " <= ?"
		args = append(args, scope.End.UTC().Format(timeFormat))
	}
	if withAccount && scope.Account != "" {
		clause += " AND account = ?"
		args = append(args, scope.Account)
	}
	return clause, args
}

func limitClause(scope Scope) string {
	if scope.Limit > 0 {
		return " LIMIT ?"
	}
	return ""
}

// --- ledger entries ---

const entryColumns = "id, account, posted_at, amount, raw_desc, vendor_key, split_source, reconciled, created_at"

func scanEntry(row interface{ Scan(...interface{}) error }) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	var postedAt, amount, createdAt string
	var vendorKey sql.NullString
	if err := row.Scan(&e.ID, &e.Account, &postedAt, &amount, &e.RawDescription,
		&vendorKey, &e.SplitSource, &e.Reconciled, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if e.PostedAt, err = time.Parse(timeFormat, postedAt); err != nil {
		return nil, err
	}
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, err
	}
	e.VendorKey = vendorKey.String
	return &e, nil
}

func listEntries(ctx context.Context, q querier, scope Scope) ([]*models.LedgerEntry, error) {
	clause, args := scopeClause(scope, "posted_at", true)
	query := "SELECT " + entryColumns + " FROM ledger_entries" + clause + " ORDER BY posted_at, id" + limitClause(scope)
	if scope.Limit > 0 {
		args = append(args, scope.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, recerrors.StoreUnavailable("list_entries", err)
	}
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, recerrors.StoreUnavailable("list_entries", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, recerrors.StoreUnavailable("list_entries", err)
	}
	return entries, nil
}

// ListEntries returns ledger entries within the scope, ordered by date then id.
func (s *Store) ListEntries(ctx context.Context, scope Scope) ([]*models.LedgerEntry, error) {
	return listEntries(ctx, s.db, scope)
}

// GetEntry returns one ledger entry by id, or nil when it does not exist.
func (s *Store) GetEntry(ctx context.Context, id int64) (*models.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM ledger_entries WHERE id = ?", id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, recerrors.StoreUnavailable("get_entry", err)
	}
	return e, nil
}

// GetEntry returns one ledger entry by id.
func (t *Tx) GetEntry(ctx context.Context, id int64) (*models.LedgerEntry, error) {
	row := t.tx.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM ledger_entries WHERE id = ?", id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, recerrors.StoreUnavailable("get_entry", err)
	}
	return e, nil
}

// InsertEntry inserts a ledger entry, keyed by its natural key for re-import
// idempotence. Returns the id of the new or pre-existing row.
func (s *Store) InsertEntry(ctx context.Context, e *models.LedgerEntry) (int64, error) {
	if err := e.Validate(); err != nil {
		return 0, recerrors.Wrap(err, recerrors.CodeInvalidData, "invalid ledger entry")
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO ledger_entries
			(account, posted_at, amount, raw_desc, desc_hash, vendor_key, split_source, reconciled, created_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)`,
		e.Account, e.PostedAt.UTC().Format(timeFormat), e.Amount.String(), e.RawDescription,
		e.DescriptionHash(), e.VendorKey, e.SplitSource, e.Reconciled, created.UTC().Format(timeFormat))
	if err != nil {
		return 0, recerrors.StoreUnavailable("insert_entry", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return res.LastInsertId()
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM ledger_entries WHERE account = ? AND posted_at = ? AND amount = ? AND desc_hash = ?`,
		e.Account, e.PostedAt.UTC().Format(timeFormat), e.Amount.String(), e.DescriptionHash()).Scan(&id)
	if err != nil {
		return 0, recerrors.StoreUnavailable("insert_entry", err)
	}
	return id, nil
}

// SetEntryReconciled flips the reconciliation flag on an entry.
func (t *Tx) SetEntryReconciled(ctx context.Context, id int64, reconciled bool) error {
	_, err := t.tx.ExecContext(ctx, "UPDATE ledger_entries SET reconciled = ? WHERE id = ?", reconciled, id)
	if err != nil {
		return recerrors.StoreUnavailable("set_entry_reconciled", err)
	}
	return nil
}

// SetEntrySplitSource flags an entry as an explicit split source, permitting
// multiple split links on it.
func (t *Tx) SetEntrySplitSource(ctx context.Context, id int64, flagged bool) error {
	_, err := t.tx.ExecContext(ctx, "UPDATE ledger_entries SET split_source = ? WHERE id = ?", flagged, id)
	if err != nil {
		return recerrors.StoreUnavailable("set_entry_split_source", err)
	}
	return nil
}

// SetEntryVendorKey annotates an entry with its canonical vendor.
func (t *Tx) SetEntryVendorKey(ctx context.Context, id int64, key string) error {
	_, err := t.tx.ExecContext(ctx, "UPDATE ledger_entries SET vendor_key = NULLIF(?, '') WHERE id = ?", key, id)
	if err != nil {
		return recerrors.StoreUnavailable("set_entry_vendor", err)
	}
	return nil
}

// --- records ---

const recordColumns = "id, posted_at, amount, description, vendor_key, parent_id, split_group_id, group_total, split_parent, split_target, created_at"

func scanRecord(row interface{ Scan(...interface{}) error }) (*models.Record, error) {
	var r models.Record
	var postedAt, amount, createdAt string
	var vendorKey, groupID, groupTotal sql.NullString
	var parentID sql.NullInt64
	if err := row.Scan(&r.ID, &postedAt, &amount, &r.Description, &vendorKey,
		&parentID, &groupID, &groupTotal, &r.SplitParent, &r.SplitTarget, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if r.PostedAt, err = time.Parse(timeFormat, postedAt); err != nil {
		return nil, err
	}
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, err
	}
	r.VendorKey = vendorKey.String
	r.SplitGroupID = groupID.String
	if parentID.Valid {
		r.ParentID = &parentID.Int64
	}
	if groupTotal.Valid {
		total, err := decimal.NewFromString(groupTotal.String)
		if err != nil {
			return nil, err
		}
		r.GroupTotal = &total
	}
	return &r, nil
}

func listRecords(ctx context.Context, q querier, scope Scope) ([]*models.Record, error) {
	clause, args := scopeClause(scope, "posted_at", false)
	query := "SELECT " + recordColumns + " FROM records" + clause + " ORDER BY created_at, id" + limitClause(scope)
	if scope.Limit > 0 {
		args = append(args, scope.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, recerrors.StoreUnavailable("list_records", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, recerrors.StoreUnavailable("list_records", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, recerrors.StoreUnavailable("list_records", err)
	}
	return records, nil
}

// ListRecords returns records within the scope, ordered by creation.
func (s *Store) ListRecords(ctx context.Context, scope Scope) ([]*models.Record, error) {
	return listRecords(ctx, s.db, scope)
}

// GetRecord returns one record by id, or nil when it does not exist.
func (t *Tx) GetRecord(ctx context.Context, id int64) (*models.Record, error) {
	row := t.tx.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM records WHERE id = ?", id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, recerrors.StoreUnavailable("get_record", err)
	}
	return r, nil
}

// InsertRecord inserts an expense/income record.
func (s *Store) InsertRecord(ctx context.Context, r *models.Record) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, recerrors.Wrap(err, recerrors.CodeInvalidData, "invalid record")
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = Now()
	}
	var groupTotal interface{}
	if r.GroupTotal != nil {
		groupTotal = r.GroupTotal.String()
	}
	var parentID interface{}
	if r.ParentID != nil {
		parentID = *r.ParentID
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO records
			(posted_at, amount, description, vendor_key, parent_id, split_group_id, group_total, split_parent, split_target, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, ?, ?)`,
		r.PostedAt.UTC().Format(timeFormat), r.Amount.String(), r.Description, r.VendorKey,
		parentID, r.SplitGroupID, groupTotal, r.SplitParent, r.SplitTarget, created.UTC().Format(timeFormat))
	if err != nil {
		return 0, recerrors.StoreUnavailable("insert_record", err)
	}
	return res.LastInsertId()
}

// DeleteRecord removes a record. Returns the number of rows removed so the
// executor can treat re-deletes as no-ops.
func (t *Tx) DeleteRecord(ctx context.Context, id int64) (int64, error) {
	res, err := t.tx.ExecContext(ctx, "DELETE FROM records WHERE id = ?", id)
	if err != nil {
		return 0, recerrors.StoreUnavailable("delete_record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, recerrors.StoreUnavailable("delete_record", err)
	}
	return n, nil
}

// UpdateRecordAmount rewrites a record amount.
func (t *Tx) UpdateRecordAmount(ctx context.Context, id int64, amount decimal.Decimal) error {
	_, err := t.tx.ExecContext(ctx, "UPDATE records SET amount = ? WHERE id = ?", amount.String(), id)
	if err != nil {
		return recerrors.StoreUnavailable("update_record_amount", err)
	}
	return nil
}

// UpdateRecordGrouping sets the split grouping fields on a record.
func (t *Tx) UpdateRecordGrouping(ctx context.Context, id int64, parentID *int64, groupID string, splitParent bool) error {
	var parent interface{}
	if parentID != nil {
		parent = *parentID
	}
	_, err := t.tx.ExecContext(ctx,
		"UPDATE records SET parent_id = ?, split_group_id = NULLIF(?, ''), split_parent = ? WHERE id = ?",
		parent, groupID, splitParent, id)
	if err != nil {
		return recerrors.StoreUnavailable("update_record_grouping", err)
	}
	return nil
}

// SetRecordSplitTarget flags a record as an explicit split target, permitting
// multiple split links on it.
func (t *Tx) SetRecordSplitTarget(ctx context.Context, id int64, flagged bool) error {
	_, err := t.tx.ExecContext(ctx, "UPDATE records SET split_target = ? WHERE id = ?", flagged, id)
	if err != nil {
		return recerrors.StoreUnavailable("set_record_split_target", err)
	}
	return nil
}

// SetRecordVendorKey annotates a record with its canonical vendor.
func (t *Tx) SetRecordVendorKey(ctx context.Context, id int64, key string) error {
	_, err := t.tx.ExecContext(ctx, "UPDATE records SET vendor_key = NULLIF(?, '') WHERE id = ?", key, id)
	if err != nil {
		return recerrors.StoreUnavailable("set_record_vendor", err)
	}
	return nil
}

// --- vendors ---

// ListVendors returns all canonical vendors with their aliases.
func (s *Store) ListVendors(ctx context.Context) ([]*models.CanonicalVendor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.name, a.alias
		FROM vendors v LEFT JOIN vendor_aliases a ON a.vendor_id = v.id
		ORDER BY v.id`)
	if err != nil {
		return nil, recerrors.StoreUnavailable("list_vendors", err)
	}
	defer rows.Close()

	byID := make(map[int64]*models.CanonicalVendor)
	var vendors []*models.CanonicalVendor
	for rows.Next() {
		var id int64
		var name string
		var alias sql.NullString
		if err := rows.Scan(&id, &name, &alias); err != nil {
			return nil, recerrors.StoreUnavailable("list_vendors", err)
		}
		v, ok := byID[id]
		if !ok {
			v = &models.CanonicalVendor{ID: id, Name: name}
			byID[id] = v
			vendors = append(vendors, v)
		}
		if alias.Valid {
			v.Aliases = append(v.Aliases, alias.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, recerrors.StoreUnavailable("list_vendors", err)
	}
	return vendors, nil
}

// InsertVendor creates a canonical vendor, returning the existing id when the
// name is already known.
func (s *Store) InsertVendor(ctx context.Context, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO vendors (name) VALUES (?)", name)
	if err != nil {
		return 0, recerrors.StoreUnavailable("insert_vendor", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return res.LastInsertId()
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, "SELECT id FROM vendors WHERE name = ?", name).Scan(&id); err != nil {
		return 0, recerrors.StoreUnavailable("insert_vendor", err)
	}
	return id, nil
}

// InsertVendorAlias adds a raw-text alias to a vendor. Idempotent: returns
// false when the alias already exists.
func (t *Tx) InsertVendorAlias(ctx context.Context, vendorID int64, alias string) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO vendor_aliases (vendor_id, alias) VALUES (?, ?)", vendorID, alias)
	if err != nil {
		return false, recerrors.StoreUnavailable("insert_vendor_alias", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, recerrors.StoreUnavailable("insert_vendor_alias", err)
	}
	return n > 0, nil
}

// MergeVendors re-points every alias of the from vendor to the into vendor and
// rewrites vendor annotations. The from vendor row is kept; merges accrete,
// nothing is deleted. Returns the number of rows touched so a repeated merge
// is recognizable as a no-op.
func (t *Tx) MergeVendors(ctx context.Context, fromName, intoName string) (int64, error) {
	var touched int64
	res, err := t.tx.ExecContext(ctx, `
		UPDATE vendor_aliases SET vendor_id = (SELECT id FROM vendors WHERE name = ?)
		WHERE vendor_id = (SELECT id FROM vendors WHERE name = ?)`, intoName, fromName)
	if err != nil {
		return 0, recerrors.StoreUnavailable("merge_vendors", err)
	}
	n, _ := res.RowsAffected()
	touched += n
	res, err = t.tx.ExecContext(ctx,
		"UPDATE ledger_entries SET vendor_key = ? WHERE vendor_key = ?", intoName, fromName)
	if err != nil {
		return 0, recerrors.StoreUnavailable("merge_vendors", err)
	}
	n, _ = res.RowsAffected()
	touched += n
	res, err = t.tx.ExecContext(ctx,
		"UPDATE records SET vendor_key = ? WHERE vendor_key = ?", intoName, fromName)
	if err != nil {
		return 0, recerrors.StoreUnavailable("merge_vendors", err)
	}
	n, _ = res.RowsAffected()
	touched += n
	return touched, nil
}

// --- match links ---

const linkColumns = "id, entry_id, record_id, kind, confidence, proposed_by, created_at"

func scanLink(row interface{ Scan(...interface{}) error }) (*models.MatchLink, error) {
	var l models.MatchLink
	var kind, createdAt string
	if err := row.Scan(&l.ID, &l.EntryID, &l.RecordID, &kind, &l.Confidence, &l.ProposedBy, &createdAt); err != nil {
		return nil, err
	}
	l.Kind = models.LinkKind(kind)
	var err error
	if l.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func queryLinks(ctx context.Context, q querier, query string, args ...interface{}) ([]*models.MatchLink, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, recerrors.StoreUnavailable("query_links", err)
	}
	defer rows.Close()

	var links []*models.MatchLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, recerrors.StoreUnavailable("query_links", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, recerrors.StoreUnavailable("query_links", err)
	}
	return links, nil
}

// LinksForEntry returns all links involving a ledger entry.
func (t *Tx) LinksForEntry(ctx context.Context, entryID int64) ([]*models.MatchLink, error) {
	return queryLinks(ctx, t.tx, "SELECT "+linkColumns+" FROM match_links WHERE entry_id = ? ORDER BY id", entryID)
}

// LinksForRecord returns all links involving a record.
func (t *Tx) LinksForRecord(ctx context.Context, recordID int64) ([]*models.MatchLink, error) {
	return queryLinks(ctx, t.tx, "SELECT "+linkColumns+" FROM match_links WHERE record_id = ? ORDER BY id", recordID)
}

// AllLinks returns every link. Used by the post-mutation verification pass.
func (t *Tx) AllLinks(ctx context.Context) ([]*models.MatchLink, error) {
	return queryLinks(ctx, t.tx, "SELECT "+linkColumns+" FROM match_links ORDER BY id")
}

// AllLinks reads every link outside any transaction. The pipeline uses it to
// exclude already-linked entries and records from a run's working set.
func (s *Store) AllLinks(ctx context.Context) ([]*models.MatchLink, error) {
	return queryLinks(ctx, s.db, "SELECT "+linkColumns+" FROM match_links ORDER BY id")
}

// LinksForEntry reads links outside any transaction.
func (s *Store) LinksForEntry(ctx context.Context, entryID int64) ([]*models.MatchLink, error) {
	return queryLinks(ctx, s.db, "SELECT "+linkColumns+" FROM match_links WHERE entry_id = ? ORDER BY id", entryID)
}

// LinksForRecord reads links outside any transaction.
func (s *Store) LinksForRecord(ctx context.Context, recordID int64) ([]*models.MatchLink, error) {
	return queryLinks(ctx, s.db, "SELECT "+linkColumns+" FROM match_links WHERE record_id = ? ORDER BY id", recordID)
}

// GetLinkByPair returns the link for an (entry, record) pair, or nil.
func (t *Tx) GetLinkByPair(ctx context.Context, entryID, recordID int64) (*models.MatchLink, error) {
	row := t.tx.QueryRowContext(ctx,
		"SELECT "+linkColumns+" FROM match_links WHERE entry_id = ? AND record_id = ?", entryID, recordID)
	l, err := scanLink(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, recerrors.StoreUnavailable("get_link", err)
	}
	return l, nil
}

// GetLink returns a link by id, or nil.
func (t *Tx) GetLink(ctx context.Context, id int64) (*models.MatchLink, error) {
	row := t.tx.QueryRowContext(ctx, "SELECT "+linkColumns+" FROM match_links WHERE id = ?", id)
	l, err := scanLink(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, recerrors.StoreUnavailable("get_link", err)
	}
	return l, nil
}

// InsertLink inserts a match link and returns its id.
func (t *Tx) InsertLink(ctx context.Context, l *models.MatchLink) (int64, error) {
	created := l.CreatedAt
	if created.IsZero() {
		created = Now()
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO match_links (entry_id, record_id, kind, confidence, proposed_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.EntryID, l.RecordID, l.Kind.String(), l.Confidence, l.ProposedBy, created.UTC().Format(timeFormat))
	if err != nil {
		return 0, recerrors.StoreUnavailable("insert_link", err)
	}
	return res.LastInsertId()
}

// DeleteLink removes a link. Returns rows removed.
func (t *Tx) DeleteLink(ctx context.Context, id int64) (int64, error) {
	res, err := t.tx.ExecContext(ctx, "DELETE FROM match_links WHERE id = ?", id)
	if err != nil {
		return 0, recerrors.StoreUnavailable("delete_link", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, recerrors.StoreUnavailable("delete_link", err)
	}
	return n, nil
}

// --- duplicate groups ---

// UpsertDuplicateGroup records the disposition of a duplicate candidate group.
func (t *Tx) UpsertDuplicateGroup(ctx context.Context, groupKey string, keeperID int64, disposition models.Disposition) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO duplicate_groups (group_key, keeper_record_id, disposition, resolved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (group_key) DO UPDATE SET
			keeper_record_id = excluded.keeper_record_id,
			disposition = excluded.disposition,
			resolved_at = excluded.resolved_at`,
		groupKey, keeperID, string(disposition), Now().Format(timeFormat))
	if err != nil {
		return recerrors.StoreUnavailable("upsert_duplicate_group", err)
	}
	return nil
}

// --- audit log ---

// AuditRecord is one append-only audit row: what changed, which component
// proposed it, and when.
type AuditRecord struct {
	ID          string
	BatchID     string
	EntityType  string
	EntityID    string
	Action      string
	BeforeState string
	AfterState  string
	ProposedBy  string
	CreatedAt   time.Time
}

// InsertAudit appends an audit record within the batch transaction.
func (t *Tx) InsertAudit(ctx context.Context, a *AuditRecord) error {
	created := a.CreatedAt
	if created.IsZero() {
		created = Now()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, batch_id, entity_type, entity_id, action, before_state, after_state, proposed_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.BatchID, a.EntityType, a.EntityID, a.Action, a.BeforeState, a.AfterState,
		a.ProposedBy, created.UTC().Format(timeFormat))
	if err != nil {
		return recerrors.StoreUnavailable("insert_audit", err)
	}
	return nil
}

// ListAuditRecords returns the audit rows for one batch, in append order.
func (s *Store) ListAuditRecords(ctx context.Context, batchID string) ([]*AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, entity_type, entity_id, action, before_state, after_state, proposed_by, created_at
		FROM audit_log WHERE batch_id = ? ORDER BY rowid`, batchID)
	if err != nil {
		return nil, recerrors.StoreUnavailable("list_audit", err)
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		var a AuditRecord
		var before, after sql.NullString
		var createdAt string
		if err := rows.Scan(&a.ID, &a.BatchID, &a.EntityType, &a.EntityID, &a.Action,
			&before, &after, &a.ProposedBy, &createdAt); err != nil {
			return nil, recerrors.StoreUnavailable("list_audit", err)
		}
		a.BeforeState = before.String
		a.AfterState = after.String
		if a.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, recerrors.StoreUnavailable("list_audit", err)
		}
		records = append(records, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, recerrors.StoreUnavailable("list_audit", err)
	}
	return records, nil
}

// TableCounts returns row counts per table. Used to verify dry-run purity.
func (s *Store) TableCounts(ctx context.Context) (map[string]int64, error) {
	tables := []string{"ledger_entries", "records", "vendors", "vendor_aliases", "match_links", "duplicate_groups", "audit_log"}
	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, recerrors.StoreUnavailable("table_counts", err)
		}
		counts[table] = n
	}
	return counts, nil
}
