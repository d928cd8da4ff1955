package utils

import (
	"testing"

	"github.com/google/uuid"
)

func TestNormalizeSessionId_KeepsValidUUID(t *testing.T) {
	in := "4f9a1b1e-7c39-4d4a-9e55-2b1b1d1f2a3c"
	if got := NormalizeSessionId(in); got != in {
		t.Fatalf("expected %s, got %s", in, got)
	}
}

func TestNormalizeSessionId_ReplacesInvalid(t *testing.T) {
	cases := []string{"", "   ", "not-a-uuid", "1234"}
	for _, in := range cases {
		got := NormalizeSessionId(in)
		if got == in {
			t.Fatalf("NormalizeSessionId(%q) returned input unchanged", in)
		}
		if _, err := uuid.Parse(got); err != nil {
			t.Fatalf("NormalizeSessionId(%q) returned invalid uuid %q", in, got)
		}
	}
}

func TestNewBatchId_IsUnique(t *testing.T) {
	a, b := NewBatchId(), NewBatchId()
	if a == b {
		t.Fatalf("expected distinct batch ids, got %s twice", a)
	}
}
