package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/whonion/MidnightMiner/internal/api"
	"github.com/whonion/MidnightMiner/internal/config"
	"github.com/whonion/MidnightMiner/internal/pending"
	"github.com/whonion/MidnightMiner/internal/proxyring"
	"github.com/whonion/MidnightMiner/internal/types"
	"github.com/whonion/MidnightMiner/internal/wallet"

	"go.uber.org/zap"
)

// resubmit drains the pending-solutions queue while the miner keeps
// running: both processes coordinate through the file locks on the queue
// and the wallet pool.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.DefaultConfig()

	var scheme string
	flag.StringVar(&scheme, "scheme", "standard", "token scheme (standard, alternate)")
	flag.StringVar(&cfg.WalletsFile, "wallets-file", cfg.WalletsFile, "wallet pool file")
	flag.StringVar(&cfg.SolutionsFile, "solutions-file", cfg.SolutionsFile, "pending-solutions log")
	flag.StringVar(&cfg.ProxyFile, "proxy-file", cfg.ProxyFile, "proxy list (absent = direct)")
	flag.DurationVar(&cfg.SubmitWindow, "submit-window", cfg.SubmitWindow, "submission window measured from challenge discovery")
	flag.Float64Var(&cfg.RequestsPerSec, "requests-per-sec", cfg.RequestsPerSec, "outbound API rate limit")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flag.Parse()

	switch scheme {
	case "standard":
		cfg.Preset = config.StandardPreset
	case "alternate":
		cfg.Preset = config.AlternatePreset
	default:
		return fmt.Errorf("unknown scheme %q (standard, alternate)", scheme)
	}

	logger, err := zap.NewDevelopment(zap.IncreaseLevel(parseLevel(cfg.LogLevel)))
	if err != nil {
		return err
	}
	defer logger.Sync()

	ring, err := proxyring.Load(cfg.ProxyFile, cfg.APITimeout, logger)
	if err != nil {
		return err
	}
	client := api.New(cfg.Preset, ring, cfg.RequestsPerSec, cfg.LogAPIRequests, logger)

	wallets, err := wallet.Open(cfg.WalletsFile, logger)
	if err != nil {
		return err
	}
	byAddr := make(map[string]*types.Wallet)
	for _, w := range wallets.All() {
		byAddr[w.Address] = w
	}

	queue := pending.Open(cfg.SolutionsFile, logger)
	now := time.Now()

	if dropped, err := queue.Prune(now, cfg.SubmitWindow); err != nil {
		return err
	} else if dropped > 0 {
		logger.Info("expired entries pruned", zap.Int("dropped", dropped))
	}

	ready, err := queue.Ready(now, cfg.SubmitWindow)
	if err != nil {
		return err
	}
	if len(ready) == 0 {
		logger.Info("nothing to resubmit")
		return nil
	}
	logger.Info("resubmitting", zap.Int("entries", len(ready)))

	ctx := context.Background()
	var done, deferred int
	for _, sol := range ready {
		resolved, err := resubmit(ctx, client, byAddr[sol.Address], sol, logger)
		if err != nil {
			if !api.IsTransient(err) {
				return err
			}
			logger.Warn("submission still failing",
				zap.String("challenge", sol.ChallengeID),
				zap.String("address", types.ShortAddr(sol.Address)),
				zap.Error(err))
			if err := queue.Bump(sol.ID); err != nil {
				return err
			}
			deferred++
			continue
		}
		if resolved {
			if err := queue.Remove(sol.ID); err != nil {
				return err
			}
			done++
		} else {
			deferred++
		}
	}
	logger.Info("resubmission pass complete", zap.Int("resolved", done), zap.Int("deferred", deferred))
	return nil
}

// resubmit pushes one parked solution. Returns true when the entry is
// resolved (accepted, duplicate, or definitively rejected) and can leave
// the queue.
func resubmit(ctx context.Context, client *api.Client, wlt *types.Wallet, sol *types.PendingSolution, logger *zap.Logger) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := client.Submit(callCtx, sol.Address, sol.ChallengeID, sol.Nonce)
	if err != nil {
		return false, err
	}
	switch res {
	case api.SubmitAccepted, api.SubmitAlreadyExists:
		logger.Info("solution "+res.String(),
			zap.String("challenge", sol.ChallengeID),
			zap.String("address", types.ShortAddr(sol.Address)))
		return true, nil
	case api.SubmitNeedsRegistration:
		if wlt == nil {
			logger.Warn("address missing from wallet pool, dropping entry",
				zap.String("address", types.ShortAddr(sol.Address)))
			return true, nil
		}
		if err := client.Register(callCtx, wlt); err != nil {
			return false, err
		}
		res, err = client.Submit(callCtx, sol.Address, sol.ChallengeID, sol.Nonce)
		if err != nil {
			return false, err
		}
		return res != api.SubmitNeedsRegistration, nil
	default: // SubmitRejected
		logger.Warn("solution rejected, dropping entry",
			zap.String("challenge", sol.ChallengeID),
			zap.String("address", types.ShortAddr(sol.Address)))
		return true, nil
	}
}

func parseLevel(level string) zap.AtomicLevel {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return lvl
}
