package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/whonion/MidnightMiner/internal/config"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func testConfig(t *testing.T, apiBase string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Preset.APIBase = apiBase
	cfg.WalletsFile = filepath.Join(dir, "wallets.json")
	cfg.ChallengesFile = filepath.Join(dir, "challenges.db")
	cfg.SolutionsFile = filepath.Join(dir, "solutions.csv")
	cfg.DevPoolFile = filepath.Join(dir, "developer_addresses.json")
	cfg.TableSize = 1 << 16
	cfg.Workers = 2
	return cfg
}

func TestPollMergesChallengeOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"active","challenge":{
			"challenge_id":"c-1","day":1,"challenge_number":1,
			"difficulty":"000000ff","no_pre_mine":"seed",
			"latest_submission":"2099-01-01T00:00:00Z"}}`))
	}))
	defer srv.Close()

	o, err := New(testConfig(t, srv.URL), testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer o.challenges.Close()

	ctx := context.Background()
	o.poll(ctx)
	if o.challenges.Count() != 1 {
		t.Fatalf("challenges = %d, want 1", o.challenges.Count())
	}
	c, ok := o.challenges.Get("c-1")
	if !ok || c.DiscoveredAt.IsZero() {
		t.Fatal("challenge not cached with a discovery time")
	}

	// Re-polling the same challenge changes nothing.
	discovered := c.DiscoveredAt
	o.poll(ctx)
	if o.challenges.Count() != 1 {
		t.Fatalf("repoll duplicated the challenge: %d", o.challenges.Count())
	}
	c2, _ := o.challenges.Get("c-1")
	if !c2.DiscoveredAt.Equal(discovered) {
		t.Fatal("repoll reset the discovery time")
	}
}

func TestPollToleratesAPIFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	o, err := New(testConfig(t, srv.URL), testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer o.challenges.Close()

	// A failing poll must not kill the orchestrator or dirty the cache.
	o.poll(context.Background())
	if o.challenges.Count() != 0 {
		t.Fatalf("challenges = %d, want 0", o.challenges.Count())
	}
}

func TestRunDrainsOnCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"waiting"}`))
	}))
	defer srv.Close()

	o, err := New(testConfig(t, srv.URL), testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(ctx) }()

	// Let the workers settle into their waiting state, then pull the plug.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run returned %v after cancellation", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not drain after cancellation")
	}
}

func TestStatusAggregatesSlots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"waiting"}`))
	}))
	defer srv.Close()

	o, err := New(testConfig(t, srv.URL), testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer o.challenges.Close()
	o.started = time.Now().Add(-time.Minute)

	snap := o.Status()
	if len(snap.Slots) != 2 {
		t.Fatalf("slots = %d, want 2", len(snap.Slots))
	}
	if snap.Uptime < time.Minute {
		t.Fatalf("uptime = %v", snap.Uptime)
	}
	if snap.Wallets != 0 || snap.Challenges != 0 || snap.Pending != 0 {
		t.Fatalf("fresh snapshot not empty: %+v", snap)
	}
	for i, slot := range snap.Slots {
		if slot.Slot != i {
			t.Fatalf("slot %d reports index %d", i, slot.Slot)
		}
	}
}
