package proxyring

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/whonion/MidnightMiner/internal/metrics"

	"go.uber.org/zap"
)

// ErrExhausted is returned when every configured proxy failed for one
// request. The caller treats it as a transient network error.
var ErrExhausted = errors.New("all proxies exhausted")

// FailureKind classifies a proxy-attributable failure.
type FailureKind int

const (
	// FailureAuth is a proxy authentication failure (HTTP 407).
	FailureAuth FailureKind = iota
	// FailureServer is a server error or rate limit (5xx, 429).
	FailureServer
	// FailureNetwork is a connect/timeout error at the transport layer.
	FailureNetwork
)

func (k FailureKind) String() string {
	switch k {
	case FailureAuth:
		return "auth"
	case FailureServer:
		return "server"
	default:
		return "network"
	}
}

// Proxy is one egress proxy with runtime health state.
type Proxy struct {
	Host string
	Port string
	User string
	Pass string

	client *http.Client

	coolingUntil time.Time
	failStreak   int
}

// Display returns host:port for logging; credentials are never logged.
func (p *Proxy) Display() string { return p.Host + ":" + p.Port }

func (p *Proxy) url() *url.URL {
	u := &url.URL{Scheme: "http", Host: p.Host + ":" + p.Port}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Pass)
	}
	return u
}

const (
	baseCooldown = 30 * time.Second
	maxCooldown  = 15 * time.Minute
)

// Ring is a pool of egress proxies with round-robin selection among healthy
// entries and failover across them. With no proxies configured, every
// request goes direct.
type Ring struct {
	mu      sync.Mutex
	proxies []*Proxy
	next    int

	direct      *http.Client
	maxAttempts int
	logger      *zap.Logger
}

// Load builds a Ring from a proxy list file, one proxy per line in
// host:port or host:port:user:pass form. Blank lines and lines starting
// with '#' are skipped. An empty path means direct connections only.
func Load(path string, timeout time.Duration, logger *zap.Logger) (*Ring, error) {
	r := &Ring{
		direct:      &http.Client{Timeout: timeout},
		maxAttempts: 3,
		logger:      logger,
	}
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Info("proxy file not found, using direct connections", zap.String("path", path))
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read proxy file: %w", err)
	}

	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := parseProxy(line)
		if err != nil {
			return nil, fmt.Errorf("proxy file line %d: %w", i+1, err)
		}
		p.client = &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{Proxy: http.ProxyURL(p.url())},
		}
		r.proxies = append(r.proxies, p)
	}
	if len(r.proxies) > 0 {
		r.maxAttempts = len(r.proxies)
		logger.Info("proxy pool loaded", zap.Int("proxies", len(r.proxies)))
	}
	return r, nil
}

func parseProxy(line string) (*Proxy, error) {
	parts := strings.Split(line, ":")
	switch len(parts) {
	case 2:
		return &Proxy{Host: parts[0], Port: parts[1]}, nil
	case 4:
		return &Proxy{Host: parts[0], Port: parts[1], User: parts[2], Pass: parts[3]}, nil
	default:
		return nil, fmt.Errorf("want host:port or host:port:user:pass, got %q", line)
	}
}

// Size returns the number of configured proxies (0 means direct).
func (r *Ring) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies)
}

// Select picks the next healthy proxy round-robin. It returns nil when no
// proxies are configured (direct connection) and ErrExhausted when all
// configured proxies are cooling down.
func (r *Ring) Select() (*Proxy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.proxies) == 0 {
		return nil, nil
	}
	now := time.Now()
	for i := 0; i < len(r.proxies); i++ {
		p := r.proxies[r.next%len(r.proxies)]
		r.next++
		if now.After(p.coolingUntil) {
			return p, nil
		}
	}
	return nil, ErrExhausted
}

// ReportFailure puts a proxy into cooldown with exponential backoff:
// the window doubles on each consecutive failure, capped at maxCooldown.
func (r *Ring) ReportFailure(p *Proxy, kind FailureKind) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p.failStreak++
	cooldown := baseCooldown << (p.failStreak - 1)
	if cooldown > maxCooldown || cooldown <= 0 {
		cooldown = maxCooldown
	}
	p.coolingUntil = time.Now().Add(cooldown)

	r.logger.Warn("proxy cooling down",
		zap.String("proxy", p.Display()),
		zap.String("kind", kind.String()),
		zap.Duration("cooldown", cooldown),
		zap.Int("streak", p.failStreak),
	)
}

// ReportSuccess clears a proxy's failure streak.
func (r *Ring) ReportSuccess(p *Proxy) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p.failStreak = 0
	p.coolingUntil = time.Time{}
}

// proxyFailure classifies a response status as proxy-attributable.
func proxyFailure(status int) (FailureKind, bool) {
	switch {
	case status == http.StatusProxyAuthRequired:
		return FailureAuth, true
	case status == http.StatusTooManyRequests, status >= 500:
		return FailureServer, true
	default:
		return 0, false
	}
}

// Do executes the request, retrying on a different healthy proxy when the
// attempt fails with a proxy-attributable error, up to the bounded attempt
// count. The returned response (when non-nil) is the caller's to close.
func (r *Ring) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		p, err := r.Select()
		if err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
			}
			return nil, err
		}

		client := r.direct
		if p != nil {
			client = p.client
		}

		attemptReq := req
		if attempt > 0 {
			attemptReq = req.Clone(req.Context())
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("rewind request body: %w", err)
				}
				attemptReq.Body = body
			}
			metrics.ProxyFailovers.Inc()
		}

		resp, err := client.Do(attemptReq)
		if err != nil {
			lastErr = err
			r.ReportFailure(p, FailureNetwork)
			if p == nil {
				// Direct connection: nothing to fail over to.
				return nil, err
			}
			continue
		}

		if kind, bad := proxyFailure(resp.StatusCode); bad && p != nil {
			resp.Body.Close()
			lastErr = fmt.Errorf("proxy %s: HTTP %d", p.Display(), resp.StatusCode)
			r.ReportFailure(p, kind)
			continue
		}

		r.ReportSuccess(p)
		return resp, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}
