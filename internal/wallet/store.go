package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/whonion/MidnightMiner/internal/metrics"
	"github.com/whonion/MidnightMiner/internal/types"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// ErrCorrupt is returned when the wallet file exists but cannot be parsed.
// This is fatal: a silently dropped wallet is a lost wallet, and a lost
// wallet is lost funds. The operator has to repair or restore the file.
var ErrCorrupt = errors.New("wallet file corrupt")

// Store is the durable wallet collection shared between this process and
// any concurrently running miner or resubmission process. The backing file
// is a JSON array; every read-modify-write runs under an advisory lock on a
// sibling .lock file, held only for the critical section, and writes go
// write-temp-then-rename so readers never observe a partial file.
//
// Checkout state is in-memory only: each wallet may be checked out by at
// most one slot of this process at a time. Cross-process exclusivity is not
// needed: separate invocations are expected to use separate wallet pools
// or the out-of-band tools, which never check wallets out.
type Store struct {
	path   string
	flk    *flock.Flock
	logger *zap.Logger

	mu       sync.Mutex
	wallets  []*types.Wallet
	byAddr   map[string]*types.Wallet
	checkout map[string]bool
}

// Open loads (or creates) the wallet file at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	s := &Store{
		path:     path,
		flk:      flock.New(path + ".lock"),
		logger:   logger,
		byAddr:   make(map[string]*types.Wallet),
		checkout: make(map[string]bool),
	}
	if err := s.locked(func() error { return s.reload() }); err != nil {
		return nil, err
	}
	logger.Info("wallet store loaded",
		zap.String("path", path),
		zap.Int("wallets", len(s.wallets)),
	)
	return s, nil
}

// locked runs fn while holding the cross-process advisory lock.
func (s *Store) locked(fn func() error) error {
	if err := s.flk.Lock(); err != nil {
		return fmt.Errorf("acquire wallet lock: %w", err)
	}
	defer s.flk.Unlock()
	return fn()
}

// reload reads the backing file into memory. Caller holds the flock.
func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.wallets = nil
		s.byAddr = make(map[string]*types.Wallet)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var wallets []*types.Wallet
	if err := json.Unmarshal(data, &wallets); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	s.wallets = wallets
	s.byAddr = make(map[string]*types.Wallet, len(wallets))
	for _, w := range wallets {
		if _, dup := s.byAddr[w.Address]; dup {
			return fmt.Errorf("%w: duplicate address %s", ErrCorrupt, w.Address)
		}
		s.byAddr[w.Address] = w
	}
	return nil
}

// persist writes the in-memory wallet list atomically. Caller holds the flock.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.wallets, "", "  ")
	if err != nil {
		return fmt.Errorf("encode wallets: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write wallets: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace wallets: %w", err)
	}
	return nil
}

// Allocate checks out an unused wallet for a slot, creating and persisting a
// new one when every existing wallet is either checked out or rejected by
// the eligible filter (nil means any unused wallet qualifies). The new
// wallet is persisted before it is returned, so a crash between creation
// and first use cannot orphan it.
func (s *Store) Allocate(eligible func(address string) bool) (*types.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out *types.Wallet
	err := s.locked(func() error {
		// Another process may have added wallets since the last load.
		if err := s.reload(); err != nil {
			return err
		}
		for _, w := range s.wallets {
			if s.checkout[w.Address] {
				continue
			}
			if eligible != nil && !eligible(w.Address) {
				continue
			}
			out = w
			return nil
		}
		w, err := Generate()
		if err != nil {
			return fmt.Errorf("create wallet: %w", err)
		}
		s.wallets = append(s.wallets, w)
		s.byAddr[w.Address] = w
		if err := s.persist(); err != nil {
			return err
		}
		metrics.WalletsCreated.Inc()
		s.logger.Info("created wallet", zap.String("address", w.ShortAddress()))
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.checkout[out.Address] = true
	return out, nil
}

// Release returns a checked-out wallet to the pool.
func (s *Store) Release(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkout, address)
}

// Update persists a mutation to a stored wallet (e.g. a freshly signed
// terms signature) under the advisory lock.
func (s *Store) Update(w *types.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked(func() error {
		if err := s.reload(); err != nil {
			return err
		}
		stored, ok := s.byAddr[w.Address]
		if !ok {
			return fmt.Errorf("wallet %s not in store", w.ShortAddress())
		}
		*stored = *w
		return s.persist()
	})
}

// MarkConsolidated records the consolidation destination for a wallet.
func (s *Store) MarkConsolidated(address, destination string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked(func() error {
		if err := s.reload(); err != nil {
			return err
		}
		w, ok := s.byAddr[address]
		if !ok {
			return fmt.Errorf("wallet %s not in store", types.ShortAddr(address))
		}
		w.Consolidated = destination
		return s.persist()
	})
}

// All returns a snapshot of every stored wallet.
func (s *Store) All() []*types.Wallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Wallet, len(s.wallets))
	copy(out, s.wallets)
	return out
}

// Count returns the number of stored wallets.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.wallets)
}
