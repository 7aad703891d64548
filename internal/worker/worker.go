package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/whonion/MidnightMiner/internal/api"
	"github.com/whonion/MidnightMiner/internal/challenge"
	"github.com/whonion/MidnightMiner/internal/config"
	"github.com/whonion/MidnightMiner/internal/engine"
	"github.com/whonion/MidnightMiner/internal/metrics"
	"github.com/whonion/MidnightMiner/internal/pending"
	"github.com/whonion/MidnightMiner/internal/types"
	"github.com/whonion/MidnightMiner/internal/wallet"

	"go.uber.org/zap"
)

// Worker slot states surfaced on the dashboard.
const (
	StateWaiting     = "waiting"
	StateRegistering = "registering"
	StateBuilding    = "building-table"
	StateSearching   = "searching"
	StateSubmitting  = "submitting"
	StateRotating    = "rotating"
)

// Worker drives one slot: it checks out a wallet, walks that wallet's
// unsolved challenges, and rotates to a fresh wallet when none remain.
// All durable state lives in the injected stores; the worker itself holds
// only its status snapshot.
type Worker struct {
	slot       int
	cfg        *config.Config
	wallets    *wallet.Store
	challenges challenge.Store
	queue      *pending.Queue
	client     *api.Client
	tables     *TableCache
	donations  *Donations
	logger     *zap.Logger
	rng        *rand.Rand

	mu     sync.Mutex
	status types.SlotStatus
}

func New(slot int, cfg *config.Config, wallets *wallet.Store, challenges challenge.Store,
	queue *pending.Queue, client *api.Client, tables *TableCache, donations *Donations,
	logger *zap.Logger) *Worker {
	return &Worker{
		slot:       slot,
		cfg:        cfg,
		wallets:    wallets,
		challenges: challenges,
		queue:      queue,
		client:     client,
		tables:     tables,
		donations:  donations,
		logger:     logger.With(zap.Int("slot", slot)),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(slot)<<32)),
		status:     types.SlotStatus{Slot: slot, State: StateWaiting},
	}
}

// Status returns the slot's latest snapshot.
func (w *Worker) Status() types.SlotStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) setStatus(fn func(s *types.SlotStatus)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(&w.status)
	w.status.UpdatedAt = time.Now().Unix()
}

// Run executes wallet cycles until ctx is cancelled. A corrupt wallet file
// is the one error that escapes; everything else is logged and the slot
// retries with a fresh wallet.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := w.runWallet(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, wallet.ErrCorrupt) {
			return err
		}
		if err != nil {
			w.logger.Warn("wallet cycle failed", zap.Error(err))
			w.sleep(ctx, 5*time.Second)
		}
		metrics.WorkerRotations.Inc()
	}
}

// runWallet is one full cycle: allocate, register, solve until exhausted,
// release. The checkout is released on every exit path so a crashed cycle
// never strands a wallet.
func (w *Worker) runWallet(ctx context.Context) error {
	if !w.waitForChallenges(ctx) {
		return ctx.Err()
	}

	now := time.Now()
	window := w.cfg.SubmitWindow
	eligible := func(address string) bool {
		return len(w.challenges.UnsolvedFor(address, now, window)) > 0
	}
	wlt, err := w.wallets.Allocate(eligible)
	if err != nil {
		return err
	}
	defer w.wallets.Release(wlt.Address)

	w.setStatus(func(s *types.SlotStatus) {
		s.State = StateRegistering
		s.Address = wlt.Address
		s.Challenge = ""
		s.Attempts = 0
		s.HashRate = 0
	})
	w.logger.Info("wallet checked out", zap.String("address", wlt.ShortAddress()))

	if err := w.ensureRegistered(ctx, wlt); err != nil {
		if errors.Is(err, api.ErrRegistrationRejected) {
			w.logger.Warn("wallet refused by API, abandoning", zap.String("address", wlt.ShortAddress()), zap.Error(err))
			return nil
		}
		return err
	}
	w.consolidate(ctx, wlt)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ch := w.nextChallenge(wlt.Address)
		if ch == nil {
			fields := []zap.Field{zap.String("address", wlt.ShortAddress())}
			if alloc, err := w.client.Statistics(ctx, wlt.Address); err == nil {
				fields = append(fields, zap.Float64("allocation", alloc))
			}
			w.logger.Info("wallet exhausted, rotating", fields...)
			w.setStatus(func(s *types.SlotStatus) { s.State = StateRotating })
			return nil
		}
		if err := w.solve(ctx, wlt, ch); err != nil {
			return err
		}
	}
}

// waitForChallenges blocks until the cache holds at least one submittable
// challenge. Returns false only on cancellation.
func (w *Worker) waitForChallenges(ctx context.Context) bool {
	for {
		if len(w.challenges.UnsolvedFor("", time.Now(), w.cfg.SubmitWindow)) > 0 {
			return true
		}
		w.setStatus(func(s *types.SlotStatus) { s.State = StateWaiting })
		if !w.sleep(ctx, w.cfg.PollInterval) {
			return false
		}
	}
}

func (w *Worker) nextChallenge(address string) *types.Challenge {
	chs := w.challenges.UnsolvedFor(address, time.Now(), w.cfg.SubmitWindow)
	if len(chs) == 0 {
		return nil
	}
	return chs[0]
}

// ensureRegistered signs the terms if the wallet never has, then registers
// it. Transient failures are retried with a doubling delay.
func (w *Worker) ensureRegistered(ctx context.Context, wlt *types.Wallet) error {
	if wlt.Signature == "" {
		terms := w.client.TermsAndConditions(ctx)
		if err := wallet.SignTerms(wlt, terms); err != nil {
			return err
		}
		if err := w.wallets.Update(wlt); err != nil {
			return err
		}
	}
	return w.register(ctx, wlt)
}

func (w *Worker) register(ctx context.Context, wlt *types.Wallet) error {
	delay := time.Second
	var lastErr error
	for attempt := 0; attempt <= w.cfg.SubmitRetries; attempt++ {
		lastErr = w.client.Register(ctx, wlt)
		if lastErr == nil || !api.IsTransient(lastErr) {
			return lastErr
		}
		if !w.sleep(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
	return lastErr
}

// consolidate assigns the wallet's accumulated rights to the configured
// destination. Failures are logged, not fatal: the next cycle with this
// wallet tries again.
func (w *Worker) consolidate(ctx context.Context, wlt *types.Wallet) {
	dest := w.cfg.ConsolidateAddress
	if dest == "" || wlt.Consolidated == dest || wlt.Address == dest {
		return
	}
	sig, err := wallet.SignConsolidation(wlt, dest)
	if err != nil {
		w.logger.Error("consolidation signing failed", zap.Error(err))
		return
	}
	if err := w.client.Consolidate(ctx, dest, wlt.Address, sig); err != nil {
		w.logger.Warn("consolidation failed",
			zap.String("address", wlt.ShortAddress()),
			zap.String("destination", types.ShortAddr(dest)),
			zap.Error(err))
		return
	}
	if err := w.wallets.MarkConsolidated(wlt.Address, dest); err != nil {
		w.logger.Error("recording consolidation failed", zap.Error(err))
		return
	}
	w.logger.Info("wallet consolidated",
		zap.String("address", wlt.ShortAddress()),
		zap.String("destination", types.ShortAddr(dest)))
}

// solve mines one challenge. The donation draw may redirect the solve to a
// developer address; a landed donation counts against the wallet too, so
// the challenge is forgone rather than re-mined.
func (w *Worker) solve(ctx context.Context, wlt *types.Wallet, ch *types.Challenge) error {
	target := wlt.Address
	donation := false
	if dev, ok := w.donations.Draw(w.rng); ok {
		if w.challenges.StatusOf(dev, ch.ID) == types.StatusUnsolved {
			target = dev
			donation = true
		}
	}

	mask, err := ch.DifficultyValue()
	if err != nil {
		// A malformed difficulty never parses; retire the challenge for
		// this wallet so it stops coming back every cycle.
		w.logger.Error("unusable challenge, retiring", zap.String("challenge", ch.ID), zap.Error(err))
		return w.challenges.MarkStatus(wlt.Address, ch.ID, types.StatusSolved)
	}

	w.setStatus(func(s *types.SlotStatus) {
		s.State = StateBuilding
		s.Challenge = ch.ID
		s.Attempts = 0
		s.HashRate = 0
	})
	table, err := w.tables.Get(ctx, ch.NoPreMine)
	if err != nil {
		return err
	}

	w.setStatus(func(s *types.SlotStatus) { s.State = StateSearching })
	searchCtx, cancel := context.WithTimeout(ctx, w.cfg.SearchBudget)
	defer cancel()
	nonce, attempts, err := w.tables.eng.Search(searchCtx, table, mask, math.MaxUint64, func(attempts uint64, rate float64) {
		w.setStatus(func(s *types.SlotStatus) {
			s.Attempts = attempts
			s.HashRate = rate
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, engine.ErrBudgetExhausted) || errors.Is(err, context.DeadlineExceeded) {
			// Time budget spent; re-pick in case the window moved on.
			w.logger.Info("search budget spent without a hit",
				zap.String("challenge", ch.ID), zap.Uint64("attempts", attempts))
			return nil
		}
		return err
	}

	w.logger.Info("nonce found",
		zap.String("challenge", ch.ID),
		zap.String("address", types.ShortAddr(target)),
		zap.Uint64("attempts", attempts),
		zap.Bool("donation", donation))
	w.setStatus(func(s *types.SlotStatus) { s.State = StateSubmitting })
	if err := w.submit(ctx, wlt, target, ch, nonce, donation); err != nil {
		return err
	}
	w.setStatus(func(s *types.SlotStatus) {
		s.Completed = w.challenges.SolvedCount([]string{wlt.Address})
	})
	return nil
}

// submit pushes a nonce to the API with bounded retries, then parks it in
// the pending queue if the API stayed unreachable. The nonce is never
// discarded on a transient failure.
func (w *Worker) submit(ctx context.Context, wlt *types.Wallet, target string, ch *types.Challenge, nonce string, donation bool) error {
	delay := time.Second
	var lastErr error
	for attempt := 0; attempt <= w.cfg.SubmitRetries; attempt++ {
		res, err := w.client.Submit(ctx, target, ch.ID, nonce)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !api.IsTransient(err) {
				return err
			}
			lastErr = err
			if !w.sleep(ctx, delay) {
				return ctx.Err()
			}
			delay *= 2
			continue
		}

		switch res {
		case api.SubmitAccepted, api.SubmitAlreadyExists:
			if err := w.challenges.MarkStatus(target, ch.ID, types.StatusSolved); err != nil {
				return err
			}
			if donation {
				// The wallet forgoes a donated challenge instead of
				// re-mining it for itself.
				if err := w.challenges.MarkStatus(wlt.Address, ch.ID, types.StatusSolved); err != nil {
					return err
				}
			}
			if res == api.SubmitAccepted {
				metrics.SolutionsAccepted.Inc()
				if donation {
					metrics.DonationSolves.Inc()
				}
			}
			w.logger.Info("solution "+res.String(),
				zap.String("challenge", ch.ID),
				zap.String("address", types.ShortAddr(target)))
			return nil
		case api.SubmitNeedsRegistration:
			if donation {
				// Developer address unknown to the API; keep the solve local.
				w.logger.Warn("beneficiary not registered, dropping donation",
					zap.String("address", types.ShortAddr(target)))
				return nil
			}
			if err := w.register(ctx, wlt); err != nil {
				return err
			}
			continue
		default: // SubmitRejected
			metrics.SolutionsRejected.Inc()
			w.logger.Warn("solution rejected",
				zap.String("challenge", ch.ID),
				zap.String("address", types.ShortAddr(target)))
			return nil
		}
	}

	sol := &types.PendingSolution{
		Address:      target,
		ChallengeID:  ch.ID,
		Nonce:        nonce,
		DiscoveredAt: ch.DiscoveredAt,
	}
	if err := w.queue.Append(sol); err != nil {
		return err
	}
	if err := w.challenges.MarkStatus(target, ch.ID, types.StatusSubmitPending); err != nil {
		return err
	}
	if donation {
		if err := w.challenges.MarkStatus(wlt.Address, ch.ID, types.StatusSolved); err != nil {
			return err
		}
	}
	metrics.SolutionsEnqueued.Inc()
	if n, err := w.queue.Len(); err == nil {
		metrics.PendingSolutions.Set(float64(n))
	}
	w.logger.Info("submission deferred",
		zap.String("challenge", ch.ID),
		zap.String("address", types.ShortAddr(target)),
		zap.Error(lastErr))
	return nil
}

// sleep waits for d or cancellation; returns false when cancelled.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
