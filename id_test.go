package caravan

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewID(t *testing.T) {
	id := NewID()
	parsed, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("NewID() = %q: %v", id, err)
	}
	if parsed.Version() != 7 {
		t.Errorf("uuid version = %d, want 7", parsed.Version())
	}
}

func TestNewIDOrdering(t *testing.T) {
	// Cursor pagination and run listings rely on ids sorting in creation
	// order, even within the same millisecond.
	prev := NewID()
	for i := 0; i < 1000; i++ {
		next := NewID()
		if next <= prev {
			t.Fatalf("id %q does not sort after %q", next, prev)
		}
		prev = next
	}
}

func TestNowUnix(t *testing.T) {
	got := NowUnix()
	now := time.Now().Unix()
	if got < now-2 || got > now+2 {
		t.Errorf("NowUnix() = %d, want about %d", got, now)
	}
}
