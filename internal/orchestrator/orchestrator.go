package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/whonion/MidnightMiner/internal/api"
	"github.com/whonion/MidnightMiner/internal/challenge"
	"github.com/whonion/MidnightMiner/internal/config"
	"github.com/whonion/MidnightMiner/internal/engine"
	"github.com/whonion/MidnightMiner/internal/metrics"
	"github.com/whonion/MidnightMiner/internal/pending"
	"github.com/whonion/MidnightMiner/internal/proxyring"
	"github.com/whonion/MidnightMiner/internal/types"
	"github.com/whonion/MidnightMiner/internal/wallet"
	"github.com/whonion/MidnightMiner/internal/worker"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const statusInterval = 30 * time.Second

// Snapshot is a point-in-time view of the whole miner, consumed by the
// dashboard and the periodic status log line.
type Snapshot struct {
	Uptime     time.Duration      `json:"uptime_seconds"`
	Wallets    int                `json:"wallets"`
	Challenges int                `json:"challenges"`
	Pending    int                `json:"pending"`
	HashRate   float64            `json:"hash_rate"`
	Slots      []types.SlotStatus `json:"slots"`
}

// Orchestrator owns the shared stores and supervises the worker slots and
// the challenge poller.
type Orchestrator struct {
	cfg        *config.Config
	logger     *zap.Logger
	wallets    *wallet.Store
	challenges challenge.Store
	queue      *pending.Queue
	client     *api.Client
	workers    []*worker.Worker
	started    time.Time
}

// New assembles the full pipeline from configuration. Stores are opened
// here; Run closes them on the way out.
func New(cfg *config.Config, logger *zap.Logger) (*Orchestrator, error) {
	ring, err := proxyring.Load(cfg.ProxyFile, cfg.APITimeout, logger)
	if err != nil {
		return nil, err
	}
	client := api.New(cfg.Preset, ring, cfg.RequestsPerSec, cfg.LogAPIRequests, logger)

	wallets, err := wallet.Open(cfg.WalletsFile, logger)
	if err != nil {
		return nil, err
	}
	challenges, err := challenge.NewBoltStore(cfg.ChallengesFile, logger)
	if err != nil {
		return nil, err
	}
	queue := pending.Open(cfg.SolutionsFile, logger)

	tables := worker.NewTableCache(engine.New(), cfg.TableSize, logger)
	donations := worker.LoadDonations(cfg.DevPoolFile, cfg.DonationRate, cfg.DonationEnabled, logger)

	o := &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		wallets:    wallets,
		challenges: challenges,
		queue:      queue,
		client:     client,
	}
	for i := 0; i < cfg.Workers; i++ {
		o.workers = append(o.workers, worker.New(i, cfg, wallets, challenges, queue, client, tables, donations, logger))
	}
	return o, nil
}

// Run blocks until ctx is cancelled or a fatal error stops a component,
// then shuts everything down and closes the stores.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.started = time.Now()
	o.logger.Info("orchestrator starting",
		zap.Int("workers", len(o.workers)),
		zap.String("preset", o.cfg.Preset.Name),
		zap.Int("wallets", o.wallets.Count()),
		zap.Int("challenges", o.challenges.Count()),
	)

	o.poll(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for _, wk := range o.workers {
		wk := wk
		g.Go(func() error {
			metrics.ActiveWorkers.Inc()
			defer metrics.ActiveWorkers.Dec()
			if err := wk.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error { return o.pollLoop(gctx) })
	g.Go(func() error { return o.statusLoop(gctx) })

	err := g.Wait()
	if cerr := o.challenges.Close(); cerr != nil {
		o.logger.Error("closing challenge store", zap.Error(cerr))
	}
	o.logger.Info("orchestrator stopped", zap.Duration("uptime", time.Since(o.started)))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// poll fetches the current challenge and merges it into the cache. Errors
// are logged, never fatal: the next tick retries.
func (o *Orchestrator) poll(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.APITimeout)
	defer cancel()
	ch, err := o.client.CurrentChallenge(fetchCtx)
	if err != nil {
		o.logger.Warn("challenge poll failed", zap.Error(err))
		return
	}
	if ch == nil {
		return
	}
	added, err := o.challenges.Merge([]*types.Challenge{ch})
	if err != nil {
		o.logger.Error("challenge merge failed", zap.Error(err))
		return
	}
	if added > 0 {
		metrics.ChallengesDiscovered.Add(float64(added))
		o.logger.Info("new challenge discovered",
			zap.String("challenge", ch.ID),
			zap.Int("day", ch.Day),
			zap.Int("number", ch.Number),
			zap.String("difficulty", ch.Difficulty),
		)
	}
}

func (o *Orchestrator) pollLoop(ctx context.Context) error {
	t := time.NewTicker(o.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			o.poll(ctx)
		}
	}
}

func (o *Orchestrator) statusLoop(ctx context.Context) error {
	t := time.NewTicker(statusInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			snap := o.Status()
			metrics.TotalHashRate.Set(snap.HashRate)
			metrics.UptimeSeconds.Set(snap.Uptime.Seconds())
			metrics.PendingSolutions.Set(float64(snap.Pending))
			o.logger.Info("status",
				zap.Duration("uptime", snap.Uptime.Round(time.Second)),
				zap.Float64("hash_rate", snap.HashRate),
				zap.Int("wallets", snap.Wallets),
				zap.Int("challenges", snap.Challenges),
				zap.Int("pending", snap.Pending),
			)
		}
	}
}

// Status assembles the current snapshot from the worker slots and stores.
func (o *Orchestrator) Status() Snapshot {
	snap := Snapshot{
		Uptime:     time.Since(o.started),
		Wallets:    o.wallets.Count(),
		Challenges: o.challenges.Count(),
	}
	if n, err := o.queue.Len(); err == nil {
		snap.Pending = n
	}
	for _, wk := range o.workers {
		st := wk.Status()
		snap.HashRate += st.HashRate
		snap.Slots = append(snap.Slots, st)
	}
	return snap
}
