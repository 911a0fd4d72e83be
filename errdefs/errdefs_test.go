package errdefs

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_IsKind(t *testing.T) {
	err := MissingParameter("missing %s", "image_source")
	if !IsMissingParameter(err) {
		t.Fatalf("expected missing parameter, got %v", err)
	}
	if IsInvalidParameter(err) {
		t.Error("missing parameter must not match invalid parameter")
	}
	if err.Error() != "missing image_source" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestError_WrappedKeepsKind(t *testing.T) {
	wrapped := fmt.Errorf("continue deploy: %w", InvalidParameter("bad key"))
	if !IsInvalidParameter(wrapped) {
		t.Errorf("expected wrapped invalid parameter, got %v", wrapped)
	}
	var e *Error
	if !errors.As(wrapped, &e) {
		t.Fatal("expected *Error in chain")
	}
	if e.Kind() != ErrInvalidParameter {
		t.Errorf("unexpected kind %v", e.Kind())
	}
}

func TestNodeLocked_Message(t *testing.T) {
	err := NodeLocked("n1", "host-a")
	if !IsNodeLocked(err) {
		t.Fatalf("expected node locked, got %v", err)
	}
}
