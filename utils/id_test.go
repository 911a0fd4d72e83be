package utils

import (
	"regexp"
	"testing"
)

var alnumRE = regexp.MustCompile(`^[A-Za-z0-9]{32}$`)

func TestRandomAlnum(t *testing.T) {
	a, err := RandomAlnum(32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !alnumRE.MatchString(a) {
		t.Errorf("expected 32 alphanumeric characters, got %q", a)
	}
	b, _ := RandomAlnum(32)
	if a == b {
		t.Error("expected two keys to differ")
	}
}

func TestGenerateID(t *testing.T) {
	id, err := GenerateID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(id) != 16 {
		t.Errorf("expected 16 hex chars, got %q", id)
	}
}
