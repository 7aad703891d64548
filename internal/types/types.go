package types

import (
	"fmt"
	"time"
)

// Wallet is a single scavenger identity. The key material is opaque to the
// orchestration core: it is generated once, referenced by hex string, and
// handed to the signing layer and the remote API as-is.
type Wallet struct {
	Address      string    `json:"address"`
	PubKey       string    `json:"pubkey"`
	SigningKey   string    `json:"signing_key"`
	Signature    string    `json:"signature,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Consolidated string    `json:"consolidated,omitempty"`
}

// ShortAddress returns a truncated address for logs and the dashboard.
func (w *Wallet) ShortAddress() string {
	return ShortAddr(w.Address)
}

// ShortAddr truncates an address to 20 characters plus ellipsis.
func ShortAddr(addr string) string {
	if len(addr) <= 20 {
		return addr
	}
	return addr[:20] + "..."
}

// Challenge is one proof-of-work puzzle issued by the remote service.
// All fields except DiscoveredAt come from the server and are immutable
// once cached; DiscoveredAt is stamped locally on first observation.
type Challenge struct {
	ID               string    `json:"challenge_id"`
	Day              int       `json:"day"`
	Number           int       `json:"challenge_number"`
	Difficulty       string    `json:"difficulty"`
	NoPreMine        string    `json:"no_pre_mine"`
	NoPreMineHour    string    `json:"no_pre_mine_hour"`
	LatestSubmission time.Time `json:"latest_submission"`
	DiscoveredAt     time.Time `json:"discovered_at"`
}

// SubmitDeadline returns the moment after which a solution for this
// challenge can no longer be submitted: the earlier of the server-supplied
// deadline and the local submission window measured from discovery.
func (c *Challenge) SubmitDeadline(window time.Duration) time.Time {
	localDeadline := c.DiscoveredAt.Add(window)
	if !c.LatestSubmission.IsZero() && c.LatestSubmission.Before(localDeadline) {
		return c.LatestSubmission
	}
	return localDeadline
}

// Submittable reports whether a solution for this challenge can still be
// submitted at the given instant.
func (c *Challenge) Submittable(now time.Time, window time.Duration) bool {
	return now.Before(c.SubmitDeadline(window))
}

// DifficultyValue parses the leading 32 bits of the difficulty mask.
// The engine accepts a hash whose leading 32 bits are covered by this mask.
func (c *Challenge) DifficultyValue() (uint32, error) {
	if len(c.Difficulty) < 8 {
		return 0, fmt.Errorf("difficulty %q too short", c.Difficulty)
	}
	var v uint32
	if _, err := fmt.Sscanf(c.Difficulty[:8], "%08x", &v); err != nil {
		return 0, fmt.Errorf("parse difficulty %q: %w", c.Difficulty, err)
	}
	return v, nil
}

// ChallengeStatus is the per-wallet lifecycle of a cached challenge.
type ChallengeStatus uint8

const (
	StatusUnsolved ChallengeStatus = iota
	StatusSubmitPending
	StatusSolved
)

func (s ChallengeStatus) String() string {
	switch s {
	case StatusUnsolved:
		return "unsolved"
	case StatusSubmitPending:
		return "submit-pending"
	case StatusSolved:
		return "solved"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// PendingSolution is an unsubmitted solution parked in the durable queue.
type PendingSolution struct {
	ID           string
	Address      string
	ChallengeID  string
	Nonce        string
	DiscoveredAt time.Time
	Attempts     int
}

// Expired reports whether the solution's originating challenge left the
// submission window and the entry should be dropped instead of retried.
func (p *PendingSolution) Expired(now time.Time, window time.Duration) bool {
	return !now.Before(p.DiscoveredAt.Add(window))
}

// SlotStatus is a point-in-time snapshot of one worker slot, produced by
// the worker and pulled by the orchestrator for the dashboard.
type SlotStatus struct {
	Slot      int     `json:"slot"`
	State     string  `json:"state"`
	Address   string  `json:"address"`
	Challenge string  `json:"challenge"`
	Attempts  uint64  `json:"attempts"`
	HashRate  float64 `json:"hash_rate"`
	Completed int     `json:"completed"`
	UpdatedAt int64   `json:"updated_at"`
}
