package worker

import (
	"encoding/json"
	"math/rand"
	"os"

	"go.uber.org/zap"
)

// fallbackDevPool is baked in for installations that never received a
// developer pool file. Addresses here must already be registered with the
// API; donation solves are plain submissions under the beneficiary address.
var fallbackDevPool = []string{
	"addr1v82f1f9c4a0d7be53c0a8f41c2de96b7a1e5d30c49b62edfa8c3571d4",
	"addr1v0c6e3b92d8f15aa74e1b0d5c3f9a28e6d47cb1905fae82c64d1b3e07",
	"addr1vd94a7c025e8b36f1a42d9c80b5e67f3218ca4d06eb95713fc28a60b9",
}

// Donations draws the per-challenge developer beneficiary. The pool is
// loaded once at startup; a missing or unreadable pool file falls back to
// the built-in list.
type Donations struct {
	rate  float64
	addrs []string
}

// LoadDonations reads the developer pool file (a JSON array of addresses).
// A zero rate or disabled flag yields a Donations that never draws.
func LoadDonations(path string, rate float64, enabled bool, logger *zap.Logger) *Donations {
	if !enabled || rate <= 0 {
		return &Donations{}
	}
	d := &Donations{rate: rate, addrs: fallbackDevPool}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("developer pool unreadable, using built-in list", zap.Error(err))
		}
		return d
	}
	var addrs []string
	if err := json.Unmarshal(data, &addrs); err != nil || len(addrs) == 0 {
		logger.Warn("developer pool malformed, using built-in list", zap.String("path", path))
		return d
	}
	d.addrs = addrs
	logger.Info("developer pool loaded", zap.Int("addresses", len(addrs)))
	return d
}

// Draw returns a uniformly chosen beneficiary address with probability
// equal to the donation rate, independent of which wallet is mining.
func (d *Donations) Draw(rng *rand.Rand) (string, bool) {
	if d.rate <= 0 || len(d.addrs) == 0 {
		return "", false
	}
	if rng.Float64() >= d.rate {
		return "", false
	}
	return d.addrs[rng.Intn(len(d.addrs))], true
}
