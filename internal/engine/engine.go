package engine

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ErrBudgetExhausted is returned by Search when the attempt budget runs
// out before a winning nonce is found. The caller rebuilds its view of
// the challenge and decides whether to search again.
var ErrBudgetExhausted = errors.New("search budget exhausted")

const (
	// searchBatch is how many nonces are hashed between context checks
	// and progress callbacks.
	searchBatch = 4096

	tableMixRounds = 4
)

// Params selects the memory table for a challenge. Seed is the
// challenge's pre-mine marker; tables are cached per seed by the caller.
type Params struct {
	Seed      string
	TableSize int
}

// Table is the seed-expanded lookup table nonce hashing walks through.
// It is immutable after construction and safe to share across workers.
type Table struct {
	seed  string
	words []uint64
}

// Seed returns the seed the table was expanded from.
func (t *Table) Seed() string { return t.seed }

// Progress reports search liveness: total attempts so far and the hash
// rate over the last batch, in hashes per second.
type Progress func(attempts uint64, hashRate float64)

// Engine builds challenge tables and searches them for winning nonces.
type Engine interface {
	BuildTable(ctx context.Context, p Params) (*Table, error)
	// Search hashes candidate nonces until one satisfies the difficulty
	// mask, the budget runs out, or ctx is done. Cancellation is observed
	// at batch boundaries only.
	Search(ctx context.Context, t *Table, mask uint32, budget uint64, progress Progress) (nonce string, attempts uint64, err error)
}

// Ash is the reference engine. The table is a blake2b XOF expansion of
// the challenge seed; each nonce is hashed, walked through the table,
// and hashed again, and wins when the leading word of the final digest
// sets no bits outside the difficulty mask.
type Ash struct{}

func New() *Ash { return &Ash{} }

func (a *Ash) BuildTable(ctx context.Context, p Params) (*Table, error) {
	if p.TableSize <= 0 {
		return nil, fmt.Errorf("build table: invalid size %d", p.TableSize)
	}
	xof, err := blake2b.NewXOF(blake2b.OutputLengthUnknown, nil)
	if err != nil {
		return nil, fmt.Errorf("build table: %w", err)
	}
	if _, err := xof.Write([]byte(p.Seed)); err != nil {
		return nil, fmt.Errorf("build table: %w", err)
	}

	words := make([]uint64, p.TableSize)
	var buf [8 * searchBatch]byte
	for i := 0; i < len(words); i += searchBatch {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		n := len(words) - i
		if n > searchBatch {
			n = searchBatch
		}
		if _, err := xof.Read(buf[:8*n]); err != nil {
			return nil, fmt.Errorf("build table: %w", err)
		}
		for j := 0; j < n; j++ {
			words[i+j] = binary.BigEndian.Uint64(buf[8*j:])
		}
	}
	return &Table{seed: p.Seed, words: words}, nil
}

func (a *Ash) Search(ctx context.Context, t *Table, mask uint32, budget uint64, progress Progress) (string, uint64, error) {
	var prefix [12]byte
	if _, err := rand.Read(prefix[:]); err != nil {
		return "", 0, fmt.Errorf("search: %w", err)
	}
	return searchFrom(ctx, t, mask, budget, hex.EncodeToString(prefix[:]), progress)
}

// searchFrom runs the search with a fixed nonce prefix. Nonces are the
// prefix followed by a hex counter, so a given prefix replays the same
// candidate sequence.
func searchFrom(ctx context.Context, t *Table, mask uint32, budget uint64, prefix string, progress Progress) (string, uint64, error) {
	var attempts uint64
	batchStart := time.Now()
	for attempts < budget {
		select {
		case <-ctx.Done():
			return "", attempts, ctx.Err()
		default:
		}

		n := budget - attempts
		if n > searchBatch {
			n = searchBatch
		}
		for i := uint64(0); i < n; i++ {
			nonce := fmt.Sprintf("%s%016x", prefix, attempts+i)
			if t.check(nonce, mask) {
				return nonce, attempts + i + 1, nil
			}
		}
		attempts += n

		if progress != nil {
			elapsed := time.Since(batchStart)
			rate := 0.0
			if elapsed > 0 {
				rate = float64(n) / elapsed.Seconds()
			}
			progress(attempts, rate)
		}
		batchStart = time.Now()
	}
	return "", attempts, ErrBudgetExhausted
}

// Verify reports whether a nonce satisfies the mask against this table.
func (t *Table) Verify(nonce string, mask uint32) bool {
	return t.check(nonce, mask)
}

func (t *Table) check(nonce string, mask uint32) bool {
	sum := blake2b.Sum256([]byte(nonce))
	idx := binary.BigEndian.Uint64(sum[:8]) % uint64(len(t.words))
	acc := t.words[idx]
	for i := 0; i < tableMixRounds; i++ {
		idx = (idx ^ acc) % uint64(len(t.words))
		acc = acc*0x9e3779b97f4a7c15 + t.words[idx]
	}

	var buf [40]byte
	copy(buf[:32], sum[:])
	binary.BigEndian.PutUint64(buf[32:], acc)
	final := blake2b.Sum256(buf[:])
	return binary.BigEndian.Uint32(final[:4])&^mask == 0
}
