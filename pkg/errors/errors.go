// Package errors defines the reconciliation error taxonomy.
//
// Errors fall into two severities. Recoverable errors (unresolved vendors,
// missing or ambiguous candidates, split sums that do not reconcile) are
// collected into a per-run summary for human review and never abort a batch.
// Fatal errors (invariant violations, store failures) abort the current batch
// and trigger a full rollback of its writes.
package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Severity classifies how an error affects the current batch.
type Severity string

const (
	// SeverityRecoverable errors are reported in the run summary; the batch continues.
	SeverityRecoverable Severity = "recoverable"
	// SeverityFatal errors abort the batch and roll back any writes made so far.
	SeverityFatal Severity = "fatal"
)

// Code identifies a specific reconciliation error condition.
type Code string

const (
	// CodeUnresolvedVendor - the canonicalizer could not classify a raw description.
	CodeUnresolvedVendor Code = "unresolved_vendor"
	// CodeNoCandidate - the matcher found no record for a ledger entry.
	CodeNoCandidate Code = "no_candidate"
	// CodeAmbiguousCandidates - the matcher found more than one plausible record.
	CodeAmbiguousCandidates Code = "ambiguous_candidates"
	// CodeAmountMismatch - split group component sums do not reconcile within epsilon.
	CodeAmountMismatch Code = "amount_mismatch"
	// CodeInvariantViolation - an attempted double-link on a non-split side.
	CodeInvariantViolation Code = "invariant_violation"
	// CodeStoreUnavailable - the underlying store could not be reached or failed mid-write.
	CodeStoreUnavailable Code = "store_unavailable"
	// CodeInvalidConfig - run configuration failed validation.
	CodeInvalidConfig Code = "invalid_config"
	// CodeInvalidData - input rows failed basic validation.
	CodeInvalidData Code = "invalid_data"
)

// Context carries structured details about where an error occurred.
type Context map[string]interface{}

// Error is the base error type for all reconciliation errors.
type Error struct {
	Code       Code              `json:"code"`
	Severity   Severity          `json:"severity"`
	Message    string            `json:"message"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsFatal reports whether the error must abort the current batch.
func (e *Error) IsFatal() bool {
	return e.Severity == SeverityFatal
}

// WithContext attaches a structured detail to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// GetExitCode maps the error to a process exit code. Recoverable conditions
// are part of a normal run summary and exit 0.
func (e *Error) GetExitCode() int {
	switch e.Code {
	case CodeInvalidConfig:
		return 2
	case CodeInvalidData:
		return 3
	case CodeInvariantViolation:
		return 4
	case CodeStoreUnavailable:
		return 5
	default:
		return 0
	}
}

// severityFor returns the default severity for a code.
func severityFor(code Code) Severity {
	switch code {
	case CodeInvariantViolation, CodeStoreUnavailable, CodeInvalidConfig, CodeInvalidData:
		return SeverityFatal
	default:
		return SeverityRecoverable
	}
}

// New creates a new Error with the default severity for its code.
func New(code Code, message string) *Error {
	return &Error{
		Code:       code,
		Severity:   severityFor(code),
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a reconciliation code.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:       code,
		Severity:   severityFor(code),
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Constructors for the specific conditions in the taxonomy.

// UnresolvedVendor reports a raw description the canonicalizer could not classify.
func UnresolvedVendor(rawText string) *Error {
	return Newf(CodeUnresolvedVendor, "could not resolve vendor for %q", rawText).
		WithContext("raw_text", rawText)
}

// NoCandidate reports a ledger entry with no matching record.
func NoCandidate(entryID int64) *Error {
	return Newf(CodeNoCandidate, "no candidate record for ledger entry %d", entryID).
		WithContext("entry_id", entryID)
}

// AmbiguousCandidates reports a ledger entry with multiple plausible records.
func AmbiguousCandidates(entryID int64, count int) *Error {
	return Newf(CodeAmbiguousCandidates, "ledger entry %d has %d candidate records, manual resolution required", entryID, count).
		WithContext("entry_id", entryID).
		WithContext("candidate_count", count)
}

// AmountMismatch reports a split group whose parts do not sum to the declared total.
func AmountMismatch(groupID string, declared, actual string) *Error {
	return Newf(CodeAmountMismatch, "split group %s does not reconcile: declared %s, components sum to %s", groupID, declared, actual).
		WithContext("group_id", groupID).
		WithContext("declared_total", declared).
		WithContext("component_sum", actual)
}

// InvariantViolation reports an attempted second non-split link.
func InvariantViolation(message string) *Error {
	return New(CodeInvariantViolation, message)
}

// StoreUnavailable wraps a failure reaching the underlying store.
func StoreUnavailable(operation string, err error) *Error {
	return Wrap(err, CodeStoreUnavailable, fmt.Sprintf("store operation %s failed", operation)).
		WithContext("operation", operation)
}

// IsCode reports whether err carries the given reconciliation code.
func IsCode(err error, code Code) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// AsError extracts an *Error from an error chain. A typed-nil *Error stored
// in an error interface reports false, same as a plain nil.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}

// Collector accumulates recoverable errors during a run.
// Fatal errors must not be collected; they abort the batch instead.
type Collector struct {
	errs []*Error
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Add records a recoverable error. Fatal errors are returned unchanged so the
// caller can abort; nil is returned when the error was absorbed.
func (c *Collector) Add(err error) error {
	if err == nil {
		return nil
	}
	if typed, ok := err.(*Error); ok && typed == nil {
		return nil
	}
	e, ok := AsError(err)
	if !ok {
		return err
	}
	if e.IsFatal() {
		return e
	}
	c.errs = append(c.errs, e)
	return nil
}

// Errors returns the collected errors in insertion order.
func (c *Collector) Errors() []*Error {
	return c.errs
}

// Len returns the number of collected errors.
func (c *Collector) Len() int {
	return len(c.errs)
}

// ByCode returns counts of collected errors grouped by code.
func (c *Collector) ByCode() map[Code]int {
	counts := make(map[Code]int)
	for _, e := range c.errs {
		counts[e.Code]++
	}
	return counts
}

// Summary returns a one-line human-readable description of the collection.
func (c *Collector) Summary() string {
	if len(c.errs) == 0 {
		return "no recoverable errors"
	}
	var parts []string
	for code, count := range c.ByCode() {
		parts = append(parts, fmt.Sprintf("%s: %d", code, count))
	}
	return fmt.Sprintf("%d recoverable errors (%s)", len(c.errs), strings.Join(parts, ", "))
}
