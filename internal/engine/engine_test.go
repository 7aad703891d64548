package engine

import (
	"context"
	"errors"
	"testing"
)

const testTableSize = 1 << 16

func buildTestTable(t *testing.T, seed string) *Table {
	t.Helper()
	tbl, err := New().BuildTable(context.Background(), Params{Seed: seed, TableSize: testTableSize})
	if err != nil {
		t.Fatalf("build table: %v", err)
	}
	return tbl
}

func TestBuildTableDeterministic(t *testing.T) {
	t1 := buildTestTable(t, "seed-a")
	t2 := buildTestTable(t, "seed-a")
	if len(t1.words) != testTableSize || len(t2.words) != testTableSize {
		t.Fatalf("table sizes %d/%d", len(t1.words), len(t2.words))
	}
	for i := range t1.words {
		if t1.words[i] != t2.words[i] {
			t.Fatalf("tables diverge at word %d", i)
		}
	}

	t3 := buildTestTable(t, "seed-b")
	same := 0
	for i := 0; i < 64; i++ {
		if t1.words[i] == t3.words[i] {
			same++
		}
	}
	if same > 4 {
		t.Fatalf("different seeds produced %d/64 identical leading words", same)
	}
}

func TestBuildTableRejectsBadSize(t *testing.T) {
	if _, err := New().BuildTable(context.Background(), Params{Seed: "x", TableSize: 0}); err == nil {
		t.Fatal("expected error for zero table size")
	}
}

func TestBuildTableHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().BuildTable(ctx, Params{Seed: "x", TableSize: testTableSize}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSearchFindsVerifiableNonce(t *testing.T) {
	tbl := buildTestTable(t, "seed-a")

	// An all-ones mask covers any hash, so the very first candidate wins.
	nonce, attempts, err := searchFrom(context.Background(), tbl, 0xffffffff, 1<<20, "prefix", nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	if !tbl.Verify(nonce, 0xffffffff) {
		t.Fatal("winning nonce does not verify")
	}

	// A moderate mask still terminates and the nonce verifies against it.
	const mask = 0xffffff00
	nonce, _, err = searchFrom(context.Background(), tbl, mask, 1<<22, "prefix", nil)
	if err != nil {
		t.Fatalf("search with mask: %v", err)
	}
	if !tbl.Verify(nonce, mask) {
		t.Fatal("nonce fails verification against its own mask")
	}
}

func TestSearchIsReplayable(t *testing.T) {
	tbl := buildTestTable(t, "seed-a")
	const mask = 0xfffffff0
	n1, a1, err := searchFrom(context.Background(), tbl, mask, 1<<20, "fixed", nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	n2, a2, err := searchFrom(context.Background(), tbl, mask, 1<<20, "fixed", nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n1 != n2 || a1 != a2 {
		t.Fatalf("replay diverged: %s/%d vs %s/%d", n1, a1, n2, a2)
	}
}

func TestSearchBudgetExhaustion(t *testing.T) {
	tbl := buildTestTable(t, "seed-a")

	var reports []uint64
	// A zero mask demands an all-zero leading word, unreachable in a tiny budget.
	_, attempts, err := searchFrom(context.Background(), tbl, 0, 2*searchBatch, "prefix", func(a uint64, rate float64) {
		reports = append(reports, a)
	})
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
	if attempts != 2*searchBatch {
		t.Fatalf("attempts = %d, want %d", attempts, 2*searchBatch)
	}
	if len(reports) != 2 || reports[0] != searchBatch || reports[1] != 2*searchBatch {
		t.Fatalf("progress reports = %v", reports)
	}
}

func TestSearchHonorsCancellation(t *testing.T) {
	tbl := buildTestTable(t, "seed-a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := searchFrom(ctx, tbl, 0, 1<<30, "prefix", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMaskWideningPreservesWinners(t *testing.T) {
	tbl := buildTestTable(t, "seed-a")

	// A winner under a narrow mask stays a winner under any superset mask:
	// the digest word sets no bits outside the narrow mask, so none outside
	// the wide one either.
	const narrow = 0xfffff000
	nonce, _, err := searchFrom(context.Background(), tbl, narrow, 1<<24, "prefix", nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !tbl.Verify(nonce, 0xffffff00) {
		t.Fatal("winner rejected by a superset mask")
	}
	if !tbl.Verify(nonce, 0xffffffff) {
		t.Fatal("winner rejected by the all-ones mask")
	}
}

func TestVerifyRejectsWrongNonce(t *testing.T) {
	tbl := buildTestTable(t, "seed-a")
	const mask = 0xffffff00
	nonce, _, err := searchFrom(context.Background(), tbl, mask, 1<<22, "prefix", nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	// Overwhelmingly unlikely that a mutated nonce still satisfies the mask.
	if tbl.Verify(nonce+"x", mask) && tbl.Verify(nonce+"y", mask) && tbl.Verify(nonce+"z", mask) {
		t.Fatal("arbitrary nonces all verify; mask check is broken")
	}
}
