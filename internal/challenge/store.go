package challenge

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/whonion/MidnightMiner/internal/types"
)

// Store is the shared challenge cache: every challenge ever observed from
// the remote API, plus a per-wallet solved/unsolved/submit-pending status.
// Challenge parameters are immutable once cached; only statuses mutate.
type Store interface {
	// Merge upserts challenges by identifier. It is idempotent and
	// commutative: merging the same snapshot twice, or two snapshots in
	// either order, yields the same cache state. Existing parameters are
	// never overwritten. Returns the number of newly observed challenges.
	Merge(challenges []*types.Challenge) (int, error)
	// Get returns a cached challenge by identifier.
	Get(id string) (*types.Challenge, bool)
	// UnsolvedFor returns the challenges the wallet has not solved and can
	// still submit for, ordered oldest-discovered-first so work respects
	// the submission window.
	UnsolvedFor(wallet string, now time.Time, window time.Duration) []*types.Challenge
	// MarkStatus sets the per-wallet status of a challenge.
	MarkStatus(wallet, id string, status types.ChallengeStatus) error
	// StatusOf returns the per-wallet status of a challenge.
	StatusOf(wallet, id string) types.ChallengeStatus
	// SolvedCount counts solved statuses across the given addresses.
	SolvedCount(addresses []string) int
	// Count returns the number of cached challenges.
	Count() int
	Close() error
}

func statusKey(wallet, id string) string { return wallet + "|" + id }

func splitStatusKey(key string) (wallet, id string, ok bool) {
	i := strings.IndexByte(key, '|')
	if i < 0 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu         sync.RWMutex
	challenges map[string]*types.Challenge
	statuses   map[string]types.ChallengeStatus
}

// NewMemoryStore creates an empty in-memory challenge cache.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		challenges: make(map[string]*types.Challenge),
		statuses:   make(map[string]types.ChallengeStatus),
	}
}

func (s *MemoryStore) Merge(challenges []*types.Challenge) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, c := range challenges {
		if c == nil || c.ID == "" {
			continue
		}
		if _, known := s.challenges[c.ID]; known {
			continue
		}
		cc := *c
		if cc.DiscoveredAt.IsZero() {
			cc.DiscoveredAt = time.Now().UTC()
		}
		s.challenges[cc.ID] = &cc
		added++
	}
	return added, nil
}

func (s *MemoryStore) Get(id string) (*types.Challenge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.challenges[id]
	return c, ok
}

func (s *MemoryStore) UnsolvedFor(wallet string, now time.Time, window time.Duration) []*types.Challenge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return unsolvedFor(s.challenges, s.statuses, wallet, now, window)
}

func (s *MemoryStore) MarkStatus(wallet, id string, status types.ChallengeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[statusKey(wallet, id)] = status
	return nil
}

func (s *MemoryStore) StatusOf(wallet, id string) types.ChallengeStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statuses[statusKey(wallet, id)]
}

func (s *MemoryStore) SolvedCount(addresses []string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return solvedCount(s.statuses, addresses)
}

func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.challenges)
}

func (s *MemoryStore) Close() error { return nil }

// unsolvedFor filters and orders challenges for a wallet. Callers hold the
// appropriate lock.
func unsolvedFor(challenges map[string]*types.Challenge, statuses map[string]types.ChallengeStatus, wallet string, now time.Time, window time.Duration) []*types.Challenge {
	var out []*types.Challenge
	for id, c := range challenges {
		if statuses[statusKey(wallet, id)] != types.StatusUnsolved {
			continue
		}
		if !c.Submittable(now, window) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DiscoveredAt.Equal(out[j].DiscoveredAt) {
			return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func solvedCount(statuses map[string]types.ChallengeStatus, addresses []string) int {
	want := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		want[a] = true
	}
	total := 0
	for key, st := range statuses {
		if st != types.StatusSolved {
			continue
		}
		wallet, _, ok := splitStatusKey(key)
		if ok && want[wallet] {
			total++
		}
	}
	return total
}
