package pending

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/whonion/MidnightMiner/internal/types"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Queue is the durable log of unsubmitted solutions. One CSV row per entry:
//
//	id,address,challenge_id,nonce,discovered_at,attempts
//
// Rows are only ever appended, rewritten in place (attempt counts), or
// removed after a confirmed successful submission or expiry; the queue
// never reorders or merges entries. Workers of this process and the
// out-of-band resubmission pass share the file through the advisory lock.
type Queue struct {
	path   string
	flk    *flock.Flock
	logger *zap.Logger
	mu     sync.Mutex
}

// Open prepares a queue backed by the CSV file at path. The file is
// created lazily on first append.
func Open(path string, logger *zap.Logger) *Queue {
	return &Queue{
		path:   path,
		flk:    flock.New(path + ".lock"),
		logger: logger,
	}
}

func (q *Queue) locked(fn func() error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.flk.Lock(); err != nil {
		return fmt.Errorf("acquire solutions lock: %w", err)
	}
	defer q.flk.Unlock()
	return fn()
}

// Append adds a solution to the end of the log and fsyncs before returning,
// so an enqueued solution survives a crash immediately after. An empty ID
// is assigned here.
func (q *Queue) Append(sol *types.PendingSolution) error {
	if sol.ID == "" {
		sol.ID = uuid.NewString()
	}
	if sol.DiscoveredAt.IsZero() {
		sol.DiscoveredAt = time.Now().UTC()
	}
	return q.locked(func() error {
		f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("open solutions log: %w", err)
		}
		defer f.Close()

		w := csv.NewWriter(f)
		if err := w.Write(encodeRow(sol)); err != nil {
			return fmt.Errorf("append solution: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return fmt.Errorf("append solution: %w", err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("sync solutions log: %w", err)
		}
		q.logger.Info("solution enqueued",
			zap.String("address", types.ShortAddr(sol.Address)),
			zap.String("challenge", sol.ChallengeID),
		)
		return nil
	})
}

// Ready returns entries whose originating challenge is still inside the
// submission window, in append order (oldest first). Expired entries are
// skipped, not removed; Prune drops them.
func (q *Queue) Ready(now time.Time, window time.Duration) ([]*types.PendingSolution, error) {
	var out []*types.PendingSolution
	err := q.locked(func() error {
		all, err := q.readAll()
		if err != nil {
			return err
		}
		for _, sol := range all {
			if !sol.Expired(now, window) {
				out = append(out, sol)
			}
		}
		return nil
	})
	return out, err
}

// Remove deletes the entry with the given id. Removing an id that is no
// longer present is not an error: a concurrent resubmission pass may have
// beaten us to it.
func (q *Queue) Remove(id string) error {
	return q.locked(func() error {
		all, err := q.readAll()
		if err != nil {
			return err
		}
		kept := all[:0]
		for _, sol := range all {
			if sol.ID != id {
				kept = append(kept, sol)
			}
		}
		if len(kept) == len(all) {
			return nil
		}
		return q.rewrite(kept)
	})
}

// Bump increments the attempt count of the entry with the given id.
func (q *Queue) Bump(id string) error {
	return q.locked(func() error {
		all, err := q.readAll()
		if err != nil {
			return err
		}
		for _, sol := range all {
			if sol.ID == id {
				sol.Attempts++
			}
		}
		return q.rewrite(all)
	})
}

// Prune removes entries outside the submission window and returns how many
// were dropped.
func (q *Queue) Prune(now time.Time, window time.Duration) (int, error) {
	dropped := 0
	err := q.locked(func() error {
		all, err := q.readAll()
		if err != nil {
			return err
		}
		kept := all[:0]
		for _, sol := range all {
			if sol.Expired(now, window) {
				dropped++
				continue
			}
			kept = append(kept, sol)
		}
		if dropped == 0 {
			return nil
		}
		return q.rewrite(kept)
	})
	if err != nil {
		return 0, err
	}
	if dropped > 0 {
		q.logger.Info("pruned expired solutions", zap.Int("count", dropped))
	}
	return dropped, nil
}

// Len returns the number of entries currently in the log.
func (q *Queue) Len() (int, error) {
	n := 0
	err := q.locked(func() error {
		all, err := q.readAll()
		if err != nil {
			return err
		}
		n = len(all)
		return nil
	})
	return n, err
}

// readAll parses the whole log. Caller holds the lock.
func (q *Queue) readAll() ([]*types.PendingSolution, error) {
	data, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read solutions log: %w", err)
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = 6
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse solutions log: %w", err)
	}
	out := make([]*types.PendingSolution, 0, len(records))
	for i, rec := range records {
		sol, err := decodeRow(rec)
		if err != nil {
			return nil, fmt.Errorf("solutions log row %d: %w", i+1, err)
		}
		out = append(out, sol)
	}
	return out, nil
}

// rewrite replaces the log atomically. Caller holds the lock.
func (q *Queue) rewrite(sols []*types.PendingSolution) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, sol := range sols {
		if err := w.Write(encodeRow(sol)); err != nil {
			return fmt.Errorf("encode solution: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode solutions: %w", err)
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("write solutions log: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("replace solutions log: %w", err)
	}
	return nil
}

func encodeRow(sol *types.PendingSolution) []string {
	return []string{
		sol.ID,
		sol.Address,
		sol.ChallengeID,
		sol.Nonce,
		sol.DiscoveredAt.UTC().Format(time.RFC3339),
		strconv.Itoa(sol.Attempts),
	}
}

func decodeRow(rec []string) (*types.PendingSolution, error) {
	discovered, err := time.Parse(time.RFC3339, rec[4])
	if err != nil {
		return nil, fmt.Errorf("bad discovery time %q: %w", rec[4], err)
	}
	attempts, err := strconv.Atoi(rec[5])
	if err != nil {
		return nil, fmt.Errorf("bad attempt count %q: %w", rec[5], err)
	}
	return &types.PendingSolution{
		ID:           rec[0],
		Address:      rec[1],
		ChallengeID:  rec[2],
		Nonce:        rec[3],
		DiscoveredAt: discovered,
		Attempts:     attempts,
	}, nil
}
