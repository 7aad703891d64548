package config

import (
	"fmt"
	"time"
)

// Preset bundles the parameters that differ between the standard scavenger
// token scheme and the alternate one. Selected once at configuration time;
// the worker state machine is identical for both.
type Preset struct {
	Name            string
	APIBase         string
	TermsFallback   string
	AllocationField string
}

// StandardPreset is the default scavenger scheme.
var StandardPreset = Preset{
	Name:            "standard",
	APIBase:         "https://scavenger.prod.gd.midnighttge.io",
	TermsFallback:   "I agree to abide by the terms and conditions as described in version 1-0 of the Midnight scavenger mining process: 281ba5f69f4b943e3fb8a20390878a232787a04e4be22177f2472b63df01c200",
	AllocationField: "night_allocation",
}

// AlternatePreset is the alternate token scheme served by a different API.
var AlternatePreset = Preset{
	Name:            "alternate",
	APIBase:         "https://mine.defensio.io/api",
	TermsFallback:   "I agree to abide by the terms and conditions as described in version 1-0 of the Defensio DFO mining process: 2da58cd94d6ccf3d933c4a55ebc720ba03b829b84033b4844aafc36828477cc0",
	AllocationField: "dfo_allocation",
}

// Config holds all configuration for the miner.
type Config struct {
	// Worker pool
	Workers int

	// Donation
	DonationEnabled bool
	DonationRate    float64

	// Consolidation: optional destination address new wallets assign
	// their accumulated rights to at registration time.
	ConsolidateAddress string

	// Durable state
	WalletsFile    string
	ChallengesFile string
	SolutionsFile  string
	DevPoolFile    string

	// Proxies (absent file means direct connections)
	ProxyFile      string
	LogAPIRequests bool

	// Remote API
	Preset         Preset
	APITimeout     time.Duration
	PollInterval   time.Duration
	SubmitWindow   time.Duration
	SubmitRetries  int
	RequestsPerSec float64

	// Engine
	TableSize    int
	SearchBudget time.Duration

	// Dashboard
	DashboardPort int

	// Logging
	LogLevel string
}

// DefaultConfig returns a Config with the defaults the original deployment used.
func DefaultConfig() *Config {
	return &Config{
		Workers: 1,

		DonationEnabled: true,
		DonationRate:    0.05,

		WalletsFile:    "wallets.json",
		ChallengesFile: "challenges.db",
		SolutionsFile:  "solutions.csv",
		DevPoolFile:    "developer_addresses.json",

		Preset:         StandardPreset,
		APITimeout:     15 * time.Second,
		PollInterval:   30 * time.Second,
		SubmitWindow:   24 * time.Hour,
		SubmitRetries:  2,
		RequestsPerSec: 5,

		TableSize:    1 << 22,
		SearchBudget: time.Hour,

		DashboardPort: 8430,

		LogLevel: "info",
	}
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.DonationRate < 0 || c.DonationRate > 1 {
		return fmt.Errorf("donation-rate must be within [0, 1]")
	}
	if c.WalletsFile == "" {
		return fmt.Errorf("wallets-file is required")
	}
	if c.ChallengesFile == "" {
		return fmt.Errorf("challenges-file is required")
	}
	if c.SolutionsFile == "" {
		return fmt.Errorf("solutions-file is required")
	}
	if c.SubmitWindow < time.Minute {
		return fmt.Errorf("submit-window must be at least 1m")
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("poll-interval must be at least 1s")
	}
	if c.SubmitRetries < 0 {
		return fmt.Errorf("submit-retries must not be negative")
	}
	if c.RequestsPerSec <= 0 {
		return fmt.Errorf("requests-per-sec must be positive")
	}
	if c.DashboardPort < 0 || c.DashboardPort > 65535 {
		return fmt.Errorf("dashboard-port must be 0-65535")
	}
	if c.TableSize < 1<<16 {
		return fmt.Errorf("table-size must be at least %d", 1<<16)
	}
	return nil
}
