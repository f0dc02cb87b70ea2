package errors

import (
	stderrors "errors"
	"testing"
)

func TestSeverityByCode(t *testing.T) {
	recoverable := []Code{CodeUnresolvedVendor, CodeNoCandidate, CodeAmbiguousCandidates, CodeAmountMismatch}
	for _, code := range recoverable {
		if New(code, "x").IsFatal() {
			t.Errorf("code %s should be recoverable", code)
		}
	}

	fatal := []Code{CodeInvalidConfig, CodeInvalidData, CodeInvariantViolation, CodeStoreUnavailable}
	for _, code := range fatal {
		if !New(code, "x").IsFatal() {
			t.Errorf("code %s should be fatal", code)
		}
	}
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeInvalidConfig, 2},
		{CodeInvalidData, 3},
		{CodeInvariantViolation, 4},
		{CodeStoreUnavailable, 5},
		{CodeNoCandidate, 0},
	}
	for _, tt := range tests {
		if got := New(tt.code, "x").GetExitCode(); got != tt.want {
			t.Errorf("exit code for %s = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(cause, CodeStoreUnavailable, "write failed")

	if !stderrors.Is(err, cause) {
		t.Error("wrapped error must unwrap to its cause")
	}
	if !IsCode(err, CodeStoreUnavailable) {
		t.Error("wrapped error must carry its code")
	}
	if err.StackTrace == nil {
		t.Error("wrapping must capture a stack trace")
	}
}

func TestIsCodeOnForeignError(t *testing.T) {
	if IsCode(stderrors.New("plain"), CodeNoCandidate) {
		t.Error("plain errors carry no code")
	}
	if IsCode(nil, CodeNoCandidate) {
		t.Error("nil carries no code")
	}
}

func TestTypedNilError(t *testing.T) {
	// A nil *Error returned through a typed signature is still a non-nil
	// interface value; it must behave like no error at all.
	var typed *Error

	if IsCode(typed, CodeNoCandidate) {
		t.Error("typed nil carries no code")
	}
	if _, ok := AsError(typed); ok {
		t.Error("typed nil is not an Error")
	}

	var iface error = typed
	if IsCode(iface, CodeNoCandidate) {
		t.Error("typed nil behind an interface carries no code")
	}

	c := NewCollector()
	if fatal := c.Add(iface); fatal != nil {
		t.Errorf("typed nil must be absorbed silently, got %v", fatal)
	}
	if c.Len() != 0 {
		t.Errorf("typed nil must not be collected, got %d errors", c.Len())
	}
}

func TestWithContext(t *testing.T) {
	err := NoCandidate(42)
	if err.Context["entry_id"] != int64(42) {
		t.Errorf("expected entry_id 42 in context, got %v", err.Context["entry_id"])
	}

	err = err.WithContext("reason", "empty pool")
	if err.Context["reason"] != "empty pool" {
		t.Error("WithContext must record the value")
	}
}

func TestCollectorAbsorbsRecoverable(t *testing.T) {
	c := NewCollector()

	if fatal := c.Add(UnresolvedVendor("MYSTERY CHARGE")); fatal != nil {
		t.Errorf("recoverable errors are absorbed, got %v", fatal)
	}
	if fatal := c.Add(NoCandidate(1)); fatal != nil {
		t.Errorf("recoverable errors are absorbed, got %v", fatal)
	}
	if fatal := c.Add(nil); fatal != nil {
		t.Errorf("nil is ignored, got %v", fatal)
	}

	if c.Len() != 2 {
		t.Errorf("expected 2 collected errors, got %d", c.Len())
	}
	byCode := c.ByCode()
	if byCode[CodeUnresolvedVendor] != 1 || byCode[CodeNoCandidate] != 1 {
		t.Errorf("unexpected tally: %v", byCode)
	}
}

func TestCollectorPassesFatalThrough(t *testing.T) {
	c := NewCollector()

	violation := InvariantViolation("entry 1 carries two direct links")
	if fatal := c.Add(violation); fatal == nil {
		t.Error("fatal errors must come back to the caller")
	}
}
