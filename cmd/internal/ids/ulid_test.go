package ids

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewULID(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(s) != 26 {
		t.Fatalf("len=%d want=26", len(s))
	}

	id, err := ulid.Parse(s)
	if err != nil {
		t.Fatalf("ulid.Parse: %v", err)
	}
	if got := ulid.Time(id.Time()); !got.Equal(now) {
		t.Fatalf("time=%v want=%v", got, now)
	}
}

func TestMake_Sortable(t *testing.T) {
	t.Parallel()

	prev := Make()
	for i := 0; i < 100; i++ {
		next := Make()
		if next <= prev {
			t.Fatalf("ulid not increasing: prev=%s next=%s", prev, next)
		}
		prev = next
	}
}
