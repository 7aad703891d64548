package types

import (
	"testing"
	"time"
)

func TestSubmitDeadlineUsesEarlierBound(t *testing.T) {
	discovered := time.Date(2025, 11, 20, 12, 0, 0, 0, time.UTC)
	window := 24 * time.Hour

	c := &Challenge{ID: "c1", DiscoveredAt: discovered}
	if got := c.SubmitDeadline(window); !got.Equal(discovered.Add(window)) {
		t.Fatalf("local deadline: got %v, want %v", got, discovered.Add(window))
	}

	// Server deadline before the local window wins.
	server := discovered.Add(6 * time.Hour)
	c.LatestSubmission = server
	if got := c.SubmitDeadline(window); !got.Equal(server) {
		t.Fatalf("server deadline: got %v, want %v", got, server)
	}

	// Server deadline after the local window loses.
	c.LatestSubmission = discovered.Add(48 * time.Hour)
	if got := c.SubmitDeadline(window); !got.Equal(discovered.Add(window)) {
		t.Fatalf("capped deadline: got %v, want %v", got, discovered.Add(window))
	}
}

func TestSubmittableWindowBoundary(t *testing.T) {
	window := 24 * time.Hour
	now := time.Date(2025, 11, 21, 12, 0, 0, 0, time.UTC)

	inside := &Challenge{ID: "in", DiscoveredAt: now.Add(-23*time.Hour - 59*time.Minute)}
	if !inside.Submittable(now, window) {
		t.Error("challenge discovered 23h59m ago should be submittable")
	}

	expired := &Challenge{ID: "out", DiscoveredAt: now.Add(-window - time.Second)}
	if expired.Submittable(now, window) {
		t.Error("challenge discovered 24h1s ago should not be submittable")
	}

	// The deadline instant itself is exclusive.
	exact := &Challenge{ID: "edge", DiscoveredAt: now.Add(-window)}
	if exact.Submittable(now, window) {
		t.Error("challenge at the exact deadline should not be submittable")
	}
}

func TestDifficultyValue(t *testing.T) {
	c := &Challenge{Difficulty: "000000ffabcdef"}
	v, err := c.DifficultyValue()
	if err != nil {
		t.Fatalf("DifficultyValue: %v", err)
	}
	if v != 0x000000ff {
		t.Fatalf("got %08x, want 000000ff", v)
	}

	for _, bad := range []string{"", "123", "zzzzzzzz"} {
		c := &Challenge{Difficulty: bad}
		if _, err := c.DifficultyValue(); err == nil {
			t.Errorf("difficulty %q: expected error", bad)
		}
	}
}

func TestPendingSolutionExpired(t *testing.T) {
	now := time.Now()
	window := 24 * time.Hour

	fresh := &PendingSolution{DiscoveredAt: now.Add(-time.Hour)}
	if fresh.Expired(now, window) {
		t.Error("fresh solution reported expired")
	}
	stale := &PendingSolution{DiscoveredAt: now.Add(-window - time.Minute)}
	if !stale.Expired(now, window) {
		t.Error("stale solution not reported expired")
	}
}

func TestShortAddr(t *testing.T) {
	if got := ShortAddr("addr1v1234567890abcdef1234567890"); got != "addr1v1234567890abcd..." {
		t.Fatalf("ShortAddr: got %q", got)
	}
	if got := ShortAddr("short"); got != "short" {
		t.Fatalf("ShortAddr short input: got %q", got)
	}
}
