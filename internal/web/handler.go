package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/whonion/MidnightMiner/internal/metrics"
	"github.com/whonion/MidnightMiner/internal/types"
)

// StatusData holds all dashboard metrics.
type StatusData struct {
	Preset     string             `json:"preset"`
	UptimeSecs int64              `json:"uptime_secs"`
	Wallets    int                `json:"wallets"`
	Challenges int                `json:"challenges"`
	Pending    int                `json:"pending"`
	HashRate   float64            `json:"hash_rate"`
	Slots      []types.SlotStatus `json:"slots"`
}

// statusCache holds a cached JSON response so dashboard polling does not
// hammer the stores.
type statusCache struct {
	mu      sync.Mutex
	data    []byte
	expires time.Time
}

const statusCacheTTL = 2 * time.Second

func (c *statusCache) get(dataFunc func() *StatusData) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().Before(c.expires) {
		return c.data
	}
	buf, _ := json.Marshal(dataFunc())
	c.data = buf
	c.expires = time.Now().Add(statusCacheTTL)
	return c.data
}

// NewHandler creates an HTTP handler serving the dashboard and JSON API.
func NewHandler(dataFunc func() *StatusData) http.Handler {
	mux := http.NewServeMux()
	cache := &statusCache{}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Security-Policy",
			"default-src 'none'; script-src 'unsafe-inline'; style-src 'unsafe-inline'; connect-src 'self'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Write([]byte(dashboardHTML))
	})

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Write(cache.get(dataFunc))
	})

	mux.Handle("/metrics", metrics.Handler())

	return mux
}
