package executor

import (
	"fmt"

	"github.com/shopspring/decimal"

	"ledgermatch/internal/models"
	"ledgermatch/internal/splits"
)

// Action identifies a mutation type. The action vocabulary is closed: every
// write the system can perform against ledger state is one of these.
type Action string

const (
	ActionConfirmLink           Action = "confirm_link"
	ActionRevokeLink            Action = "revoke_link"
	ActionDeleteRecord          Action = "delete_record"
	ActionRewriteAmount         Action = "rewrite_amount"
	ActionSetSplitGroup         Action = "set_split_group"
	ActionFlagSplitSource       Action = "flag_split_source"
	ActionFlagSplitTarget       Action = "flag_split_target"
	ActionAddVendorAlias        Action = "add_vendor_alias"
	ActionMergeVendors          Action = "merge_vendors"
	ActionAnnotateEntryVendor   Action = "annotate_entry_vendor"
	ActionAnnotateRecordVendor  Action = "annotate_record_vendor"
	ActionResolveDuplicateGroup Action = "resolve_duplicate_group"
)

// Mutation is one proposed write. Mutations are built by the decision
// components through the constructors below and applied only by the executor.
type Mutation struct {
	Action     Action
	ProposedBy string

	Link           *models.MatchLink
	LinkID         int64
	EntryID        int64
	RecordID       int64
	Amount         decimal.Decimal
	Group          *splits.SplitGroup
	VendorID       int64
	Alias          string
	VendorKey      string
	FromVendor     string
	IntoVendor     string
	DuplicateGroup *models.DuplicateCandidateGroup
}

// EntityRef returns the audit (entity_type, entity_id) pair for this mutation.
func (m *Mutation) EntityRef() (string, string) {
	switch m.Action {
	case ActionConfirmLink:
		return "match_link", fmt.Sprintf("%d:%d", m.Link.EntryID, m.Link.RecordID)
	case ActionRevokeLink:
		return "match_link", fmt.Sprintf("%d", m.LinkID)
	case ActionDeleteRecord, ActionRewriteAmount, ActionFlagSplitTarget, ActionAnnotateRecordVendor:
		return "record", fmt.Sprintf("%d", m.RecordID)
	case ActionFlagSplitSource, ActionAnnotateEntryVendor:
		return "ledger_entry", fmt.Sprintf("%d", m.EntryID)
	case ActionSetSplitGroup:
		return "split_group", m.Group.ID
	case ActionAddVendorAlias:
		return "vendor", fmt.Sprintf("%d", m.VendorID)
	case ActionMergeVendors:
		return "vendor", m.FromVendor
	case ActionResolveDuplicateGroup:
		return "duplicate_group", m.DuplicateGroup.GroupKey
	}
	return "unknown", ""
}

// ConfirmLink proposes writing a match link.
func ConfirmLink(link *models.MatchLink) *Mutation {
	return &Mutation{Action: ActionConfirmLink, ProposedBy: link.ProposedBy, Link: link}
}

// RevokeLink proposes removing a match link by id.
func RevokeLink(linkID int64, proposedBy string) *Mutation {
	return &Mutation{Action: ActionRevokeLink, ProposedBy: proposedBy, LinkID: linkID}
}

// DeleteRecord proposes removing a record.
func DeleteRecord(recordID int64, proposedBy string) *Mutation {
	return &Mutation{Action: ActionDeleteRecord, ProposedBy: proposedBy, RecordID: recordID}
}

// RewriteAmount proposes correcting a record amount.
func RewriteAmount(recordID int64, amount decimal.Decimal, proposedBy string) *Mutation {
	return &Mutation{Action: ActionRewriteAmount, ProposedBy: proposedBy, RecordID: recordID, Amount: amount}
}

// SetSplitGroup proposes writing a resolved split grouping onto its member
// records.
func SetSplitGroup(group *splits.SplitGroup, proposedBy string) *Mutation {
	return &Mutation{Action: ActionSetSplitGroup, ProposedBy: proposedBy, Group: group}
}

// FlagSplitSource proposes flagging a ledger entry as an explicit split source.
func FlagSplitSource(entryID int64, proposedBy string) *Mutation {
	return &Mutation{Action: ActionFlagSplitSource, ProposedBy: proposedBy, EntryID: entryID}
}

// FlagSplitTarget proposes flagging a record as an explicit split target.
func FlagSplitTarget(recordID int64, proposedBy string) *Mutation {
	return &Mutation{Action: ActionFlagSplitTarget, ProposedBy: proposedBy, RecordID: recordID}
}

// AddVendorAlias proposes teaching a vendor a new raw-text alias.
func AddVendorAlias(vendorID int64, alias, proposedBy string) *Mutation {
	return &Mutation{Action: ActionAddVendorAlias, ProposedBy: proposedBy, VendorID: vendorID, Alias: alias}
}

// MergeVendors proposes folding one canonical vendor into another.
func MergeVendors(fromName, intoName, proposedBy string) *Mutation {
	return &Mutation{Action: ActionMergeVendors, ProposedBy: proposedBy, FromVendor: fromName, IntoVendor: intoName}
}

// AnnotateEntryVendor proposes annotating a ledger entry with its canonical
// vendor.
func AnnotateEntryVendor(entryID int64, vendorKey, proposedBy string) *Mutation {
	return &Mutation{Action: ActionAnnotateEntryVendor, ProposedBy: proposedBy, EntryID: entryID, VendorKey: vendorKey}
}

// AnnotateRecordVendor proposes annotating a record with its canonical vendor.
func AnnotateRecordVendor(recordID int64, vendorKey, proposedBy string) *Mutation {
	return &Mutation{Action: ActionAnnotateRecordVendor, ProposedBy: proposedBy, RecordID: recordID, VendorKey: vendorKey}
}

// ResolveDuplicateGroup proposes deleting a group's deletion candidates and
// recording the keeper.
func ResolveDuplicateGroup(group *models.DuplicateCandidateGroup, proposedBy string) *Mutation {
	return &Mutation{Action: ActionResolveDuplicateGroup, ProposedBy: proposedBy, DuplicateGroup: group}
}
