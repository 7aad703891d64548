package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/whonion/MidnightMiner/internal/config"
	"github.com/whonion/MidnightMiner/internal/orchestrator"
	"github.com/whonion/MidnightMiner/internal/web"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.DefaultConfig()

	// Define CLI flags
	var scheme string

	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "number of concurrent worker slots")
	flag.StringVar(&scheme, "scheme", "standard", "token scheme (standard, alternate)")
	flag.BoolVar(&cfg.DonationEnabled, "donation", cfg.DonationEnabled, "enable developer donation solves")
	flag.Float64Var(&cfg.DonationRate, "donation-rate", cfg.DonationRate, "per-challenge donation probability (0-1)")
	flag.StringVar(&cfg.ConsolidateAddress, "consolidate", cfg.ConsolidateAddress, "destination address wallets assign accumulated rights to")
	flag.StringVar(&cfg.WalletsFile, "wallets-file", cfg.WalletsFile, "wallet pool file (shared between processes)")
	flag.StringVar(&cfg.ChallengesFile, "challenges-file", cfg.ChallengesFile, "challenge cache database")
	flag.StringVar(&cfg.SolutionsFile, "solutions-file", cfg.SolutionsFile, "pending-solutions log (shared between processes)")
	flag.StringVar(&cfg.DevPoolFile, "dev-pool-file", cfg.DevPoolFile, "developer beneficiary pool file")
	flag.StringVar(&cfg.ProxyFile, "proxy-file", cfg.ProxyFile, "proxy list, one host:port[:user:pass] per line (absent = direct)")
	flag.BoolVar(&cfg.LogAPIRequests, "log-api-requests", cfg.LogAPIRequests, "log every outbound API request")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "challenge poll interval")
	flag.DurationVar(&cfg.SubmitWindow, "submit-window", cfg.SubmitWindow, "submission window measured from challenge discovery")
	flag.IntVar(&cfg.SubmitRetries, "submit-retries", cfg.SubmitRetries, "submission retries before deferring to the pending queue")
	flag.Float64Var(&cfg.RequestsPerSec, "requests-per-sec", cfg.RequestsPerSec, "outbound API rate limit")
	flag.IntVar(&cfg.TableSize, "table-size", cfg.TableSize, "challenge table size in words")
	flag.DurationVar(&cfg.SearchBudget, "search-budget", cfg.SearchBudget, "time limit per nonce search before re-checking the challenge")
	flag.IntVar(&cfg.DashboardPort, "dashboard-port", cfg.DashboardPort, "dashboard listen port (0 disables)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "miner - scavenger challenge mining pool\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n  miner [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  MINER_WORKERS        Override -workers\n")
		fmt.Fprintf(os.Stderr, "  MINER_SCHEME         Override -scheme\n")
		fmt.Fprintf(os.Stderr, "  MINER_CONSOLIDATE    Override -consolidate\n")
		fmt.Fprintf(os.Stderr, "  MINER_PROXY_FILE     Override -proxy-file\n")
		fmt.Fprintf(os.Stderr, "  LOG_LEVEL            Override -log-level\n")
	}

	flag.Parse()

	// Environment variables override flags (for containerized deployments)
	if v := os.Getenv("MINER_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MINER_WORKERS: %w", err)
		}
		cfg.Workers = n
	}
	if v := os.Getenv("MINER_SCHEME"); v != "" {
		scheme = v
	}
	if v := os.Getenv("MINER_CONSOLIDATE"); v != "" {
		cfg.ConsolidateAddress = v
	}
	if v := os.Getenv("MINER_PROXY_FILE"); v != "" {
		cfg.ProxyFile = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	switch scheme {
	case "standard":
		cfg.Preset = config.StandardPreset
	case "alternate":
		cfg.Preset = config.AlternatePreset
	default:
		return fmt.Errorf("unknown scheme %q (standard, alternate)", scheme)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Setup logger
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting miner",
		zap.Int("workers", cfg.Workers),
		zap.String("scheme", cfg.Preset.Name),
		zap.String("api", cfg.Preset.APIBase),
	)

	orch, err := orchestrator.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("assemble pipeline: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Dashboard + metrics
	var dashboard *http.Server
	if cfg.DashboardPort > 0 {
		handler := web.NewHandler(func() *web.StatusData {
			snap := orch.Status()
			return &web.StatusData{
				Preset:     cfg.Preset.Name,
				UptimeSecs: int64(snap.Uptime.Seconds()),
				Wallets:    snap.Wallets,
				Challenges: snap.Challenges,
				Pending:    snap.Pending,
				HashRate:   snap.HashRate,
				Slots:      snap.Slots,
			}
		})
		dashboard = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.DashboardPort),
			Handler: handler,
		}
		go func() {
			logger.Info("dashboard listening", zap.Int("port", cfg.DashboardPort))
			if err := dashboard.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("dashboard server failed", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- orch.Run(ctx) }()

	// Wait for shutdown signal or a fatal pipeline error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
		err = <-errCh
	case err = <-errCh:
	}

	if dashboard != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		dashboard.Shutdown(shutdownCtx)
	}
	return err
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return cfg.Build()
}
