package requestid

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewReturnsDistinctUUIDs(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct ids, got %q twice", a)
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Fatalf("id %q is not a uuid: %v", a, err)
	}
}
