package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	recerrors "ledgermatch/pkg/errors"
)

func writeMapping(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "splits.csv")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write mapping file: %v", err)
	}
	return path
}

func TestLoadMappingFile(t *testing.T) {
	path := writeMapping(t, `entry_id,account,date,amount
42,operating,2024-03-05,500.00
42,savings,2024-03-05,400.00
99,operating,2024-03-10,75.00
`)

	declarations, err := loadMappingFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(declarations) != 2 {
		t.Fatalf("expected 2 declarations, got %d", len(declarations))
	}

	first := declarations[0]
	if first.entryID != 42 {
		t.Errorf("expected entry 42 first, got %d", first.entryID)
	}
	if len(first.parts) != 2 {
		t.Fatalf("expected 2 parts for entry 42, got %d", len(first.parts))
	}
	if first.parts[0].Account != "operating" || first.parts[1].Account != "savings" {
		t.Errorf("parts out of file order: %+v", first.parts)
	}
	if !first.parts[0].Amount.Equal(decimal.NewFromFloat(500.00)) {
		t.Errorf("expected 500.00, got %s", first.parts[0].Amount.String())
	}

	if declarations[1].entryID != 99 || len(declarations[1].parts) != 1 {
		t.Errorf("unexpected second declaration: %+v", declarations[1])
	}
}

func TestLoadMappingFileColumnOrderFlexible(t *testing.T) {
	path := writeMapping(t, `amount,entry_id,date,account
500.00,42,2024-03-05,operating
`)

	declarations, err := loadMappingFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(declarations) != 1 || declarations[0].entryID != 42 {
		t.Errorf("header columns must be matched by name, got %+v", declarations)
	}
}

func TestLoadMappingFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing column", "entry_id,account,amount\n42,operating,500.00\n"},
		{"bad entry id", "entry_id,account,date,amount\nforty-two,operating,2024-03-05,500.00\n"},
		{"bad date", "entry_id,account,date,amount\n42,operating,someday,500.00\n"},
		{"bad amount", "entry_id,account,date,amount\n42,operating,2024-03-05,lots\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadMappingFile(writeMapping(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !recerrors.IsCode(err, recerrors.CodeInvalidData) {
				t.Errorf("expected invalid_data, got %v", err)
			}
		})
	}

	if _, err := loadMappingFile("/no/such/mapping.csv"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain error", errors.New("boom"), 1},
		{"invalid config", recerrors.New(recerrors.CodeInvalidConfig, "x"), 2},
		{"invalid data", recerrors.New(recerrors.CodeInvalidData, "x"), 3},
		{"invariant violation", recerrors.InvariantViolation("x"), 4},
		{"store unavailable", recerrors.New(recerrors.CodeStoreUnavailable, "x"), 5},
		{"recoverable", recerrors.NoCandidate(1), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
