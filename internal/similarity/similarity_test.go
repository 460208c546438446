package similarity_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/similarity"
)

func newTestGuard(clock clockwork.Clock) *similarity.Guard {
	return similarity.NewGuard(0.6, 200, 24*time.Hour, clock, nil)
}

func TestIsDuplicateThreshold(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		window    []string
		candidate string
		want      bool
	}{
		{
			name:      "near-identical with punctuation noise",
			window:    []string{"I love this product!"},
			candidate: "I love this product!!",
			want:      true,
		},
		{
			name:      "unrelated text",
			window:    []string{"Check out our new offer today"},
			candidate: "I love this product!!",
			want:      false,
		},
		{
			name:      "empty window",
			window:    nil,
			candidate: "Great post!",
			want:      false,
		},
		{
			name:      "case insensitive match",
			window:    []string{"GREAT POST EVERYONE"},
			candidate: "great post everyone",
			want:      true,
		},
		{
			name:      "partial overlap below threshold",
			window:    []string{"the weather is lovely today in the park"},
			candidate: "the stock market crashed badly this morning again",
			want:      false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			guard := newTestGuard(clockwork.NewFakeClock())
			for _, text := range tc.window {
				guard.Record(text)
			}
			if got := guard.IsDuplicate(tc.candidate); got != tc.want {
				t.Fatalf("IsDuplicate(%q) = %v, want %v", tc.candidate, got, tc.want)
			}
		})
	}
}

func TestWindowIsCrossAccountAndOrdered(t *testing.T) {
	t.Parallel()

	guard := newTestGuard(clockwork.NewFakeClock())

	// Payloads recorded by any account must block near-duplicates from
	// every other account; the guard has no per-account scoping at all.
	guard.Record("Totally agree with this take")
	if !guard.IsDuplicate("Totally agree with this take") {
		t.Fatal("exact duplicate not detected")
	}
	if guard.Size() != 1 {
		t.Fatalf("window size = %d, want 1", guard.Size())
	}
}

func TestWindowPrunesByAge(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	guard := newTestGuard(clock)

	guard.Record("I love this product!")
	clock.Advance(25 * time.Hour)

	if guard.IsDuplicate("I love this product!!") {
		t.Fatal("expired entry still matched")
	}
	if guard.Size() != 0 {
		t.Fatalf("window size = %d after expiry, want 0", guard.Size())
	}
}

func TestWindowPrunesBySize(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	guard := similarity.NewGuard(0.6, 3, 24*time.Hour, clock, nil)

	for i := 0; i < 5; i++ {
		guard.Record(fmt.Sprintf("unique filler payload number %d with extra words", i))
	}
	if guard.Size() != 3 {
		t.Fatalf("window size = %d, want capped at 3", guard.Size())
	}
}

func TestBlankPayloadIgnored(t *testing.T) {
	t.Parallel()

	guard := newTestGuard(clockwork.NewFakeClock())
	guard.Record("   ")
	if guard.Size() != 0 {
		t.Fatalf("blank payload recorded, window size = %d", guard.Size())
	}
	if guard.IsDuplicate("") {
		t.Fatal("empty candidate flagged as duplicate")
	}
}
