package logging

import (
	"errors"
	"io/fs"
	"testing"
)

func TestNewOperationErrorKeepsNil(t *testing.T) {
	if err := NewOperationError("scratch.save", "req-1", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestOperationErrorUnwrapsAndFormats(t *testing.T) {
	err := NewOperationError("scratch.open", "req-2", fs.ErrNotExist)

	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected wrapped fs.ErrNotExist, got %v", err)
	}
	if got, want := err.Error(), "scratch.open [req-2]: file does not exist"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if op := OperationOf(err); op != "scratch.open" {
		t.Fatalf("unexpected operation: %s", op)
	}
}

func TestOperationOfPlainError(t *testing.T) {
	if op := OperationOf(errors.New("boom")); op != "" {
		t.Fatalf("expected empty operation, got %s", op)
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	logger, err := NewLogger("debug")
	if err != nil {
		t.Fatalf("expected logger, got error: %v", err)
	}
	_ = logger.Sync()
}
