package challenge

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/whonion/MidnightMiner/internal/types"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketChallenges = []byte("challenges")
	bucketStatuses   = []byte("statuses")
)

// BoltStore is a write-through persistent Store backed by bbolt.
// All reads come from in-memory maps; writes go to both memory and disk.
// bbolt holds its own file lock, which also keeps a second process from
// opening the cache mid-write.
type BoltStore struct {
	mu         sync.RWMutex
	db         *bbolt.DB
	challenges map[string]*types.Challenge
	statuses   map[string]types.ChallengeStatus
	logger     *zap.Logger
}

// NewBoltStore opens (or creates) a bbolt database at path, loads all
// cached challenges and statuses into memory, and returns the store.
func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open challenge db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketChallenges); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketStatuses)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &BoltStore{
		db:         db,
		challenges: make(map[string]*types.Challenge),
		statuses:   make(map[string]types.ChallengeStatus),
		logger:     logger,
	}

	err = db.View(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketChallenges).ForEach(func(k, v []byte) error {
			c, err := decodeChallenge(v)
			if err != nil {
				return fmt.Errorf("decode challenge %s: %w", k, err)
			}
			s.challenges[string(k)] = c
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketStatuses).ForEach(func(k, v []byte) error {
			if len(v) != 1 {
				return fmt.Errorf("bad status record %q", k)
			}
			s.statuses[string(k)] = types.ChallengeStatus(v[0])
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load challenge cache: %w", err)
	}

	logger.Info("challenge cache loaded",
		zap.Int("challenges", len(s.challenges)),
		zap.Int("statuses", len(s.statuses)),
	)
	return s, nil
}

func (s *BoltStore) Merge(challenges []*types.Challenge) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type upsert struct {
		id string
		c  *types.Challenge
	}
	var fresh []upsert
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
		fresh = append(fresh, upsert{id: cc.ID, c: &cc})
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChallenges)
		for _, u := range fresh {
			data, err := encodeChallenge(u.c)
			if err != nil {
				return fmt.Errorf("encode challenge %s: %w", u.id, err)
			}
			if err := b.Put([]byte(u.id), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("persist challenges: %w", err)
	}

	for _, u := range fresh {
		s.challenges[u.id] = u.c
	}
	return len(fresh), nil
}

func (s *BoltStore) Get(id string) (*types.Challenge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.challenges[id]
	return c, ok
}

func (s *BoltStore) UnsolvedFor(wallet string, now time.Time, window time.Duration) []*types.Challenge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return unsolvedFor(s.challenges, s.statuses, wallet, now, window)
}

func (s *BoltStore) MarkStatus(wallet, id string, status types.ChallengeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := statusKey(wallet, id)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStatuses).Put([]byte(key), []byte{byte(status)})
	})
	if err != nil {
		return fmt.Errorf("persist status: %w", err)
	}
	s.statuses[key] = status
	return nil
}

func (s *BoltStore) StatusOf(wallet, id string) types.ChallengeStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statuses[statusKey(wallet, id)]
}

func (s *BoltStore) SolvedCount(addresses []string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return solvedCount(s.statuses, addresses)
}

func (s *BoltStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.challenges)
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func encodeChallenge(c *types.Challenge) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeChallenge(data []byte) (*types.Challenge, error) {
	var c types.Challenge
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
