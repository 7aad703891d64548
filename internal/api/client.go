package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/whonion/MidnightMiner/internal/config"
	"github.com/whonion/MidnightMiner/internal/metrics"
	"github.com/whonion/MidnightMiner/internal/proxyring"
	"github.com/whonion/MidnightMiner/internal/types"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrRegistrationRejected is returned when the remote API definitively
// refuses a wallet registration. The wallet is abandoned, not retried.
var ErrRegistrationRejected = errors.New("registration rejected")

// ErrDestinationUnregistered is returned by Consolidate when the
// destination address has not accepted the terms and conditions.
var ErrDestinationUnregistered = errors.New("destination address not registered")

// StatusError is a non-2xx API response with its decoded message.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

// IsTransient reports whether an error from a Client call is a transient
// network condition worth retrying later: timeouts, exhausted proxies,
// rate limits and server errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, proxyring.ErrExhausted) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests ||
			se.Code == http.StatusProxyAuthRequired ||
			se.Code >= 500
	}
	// Remaining error values come from the transport layer.
	var target *url.Error
	return errors.As(err, &target)
}

// SubmitResult classifies the outcome of a solution submission.
type SubmitResult int

const (
	// SubmitAccepted: the API returned a crypto receipt.
	SubmitAccepted SubmitResult = iota
	// SubmitAlreadyExists: another wallet (or a previous attempt) landed
	// the same solution first. Safe to treat as done.
	SubmitAlreadyExists
	// SubmitRejected: a definitive rejection; retrying the same nonce is
	// pointless.
	SubmitRejected
	// SubmitNeedsRegistration: the address is unknown to the API; register
	// and resubmit.
	SubmitNeedsRegistration
)

func (r SubmitResult) String() string {
	switch r {
	case SubmitAccepted:
		return "accepted"
	case SubmitAlreadyExists:
		return "already-exists"
	case SubmitRejected:
		return "rejected"
	case SubmitNeedsRegistration:
		return "needs-registration"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Client is the typed façade over the remote scavenger API. Every call is
// rate limited, routed through the proxy ring, and bounded by the request
// context.
type Client struct {
	base        string
	preset      config.Preset
	ring        *proxyring.Ring
	limiter     *rate.Limiter
	logRequests bool
	logger      *zap.Logger
}

// New creates a Client for the given preset.
func New(preset config.Preset, ring *proxyring.Ring, rps float64, logRequests bool, logger *zap.Logger) *Client {
	return &Client{
		base:        strings.TrimRight(preset.APIBase, "/"),
		preset:      preset,
		ring:        ring,
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		logRequests: logRequests,
		logger:      logger,
	}
}

// WithBase overrides the API base URL; used by tests and the alternate
// scheme selector.
func (c *Client) WithBase(base string) *Client {
	cc := *c
	cc.base = strings.TrimRight(base, "/")
	return &cc
}

func (c *Client) do(ctx context.Context, op, method, path string) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	var body io.Reader
	if method == http.MethodPost {
		body = bytes.NewReader([]byte("{}"))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.logRequests {
		c.logger.Info("api request", zap.String("method", method), zap.String("url", c.base+path))
	}

	resp, err := c.ring.Do(req)
	if err != nil {
		metrics.APIRequests.WithLabelValues(op, "error").Inc()
		return 0, nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.APIRequests.WithLabelValues(op, "error").Inc()
		return resp.StatusCode, nil, fmt.Errorf("%s: read response: %w", op, err)
	}
	metrics.APIRequests.WithLabelValues(op, fmt.Sprintf("%d", resp.StatusCode)).Inc()
	return resp.StatusCode, payload, nil
}

// apiMessage extracts the "message" field from an error payload, falling
// back to the raw body.
func apiMessage(payload []byte) string {
	var decoded struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &decoded); err == nil && decoded.Message != "" {
		return decoded.Message
	}
	return strings.TrimSpace(string(payload))
}

// TermsAndConditions fetches the terms message wallets must sign. On any
// failure it falls back to the preset's pinned message, matching what the
// API served when the preset was built.
func (c *Client) TermsAndConditions(ctx context.Context) string {
	status, payload, err := c.do(ctx, "terms", http.MethodGet, "/TandC")
	if err != nil || status != http.StatusOK {
		return c.preset.TermsFallback
	}
	var decoded struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil || decoded.Message == "" {
		return c.preset.TermsFallback
	}
	return decoded.Message
}

// Register registers a wallet (terms acceptance) with the API. An
// already-registered wallet is success. A definitive refusal returns
// ErrRegistrationRejected; the caller abandons the wallet.
func (c *Client) Register(ctx context.Context, w *types.Wallet) error {
	path := fmt.Sprintf("/register/%s/%s/%s",
		url.PathEscape(w.Address), url.PathEscape(w.Signature), url.PathEscape(w.PubKey))
	status, payload, err := c.do(ctx, "register", http.MethodPost, path)
	if err != nil {
		return err
	}
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusBadRequest && strings.Contains(strings.ToLower(apiMessage(payload)), "already"):
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return &StatusError{Code: status, Message: apiMessage(payload)}
	default:
		return fmt.Errorf("%w: %s", ErrRegistrationRejected,
			(&StatusError{Code: status, Message: apiMessage(payload)}).Error())
	}
}

// CurrentChallenge polls the active challenge. A nil challenge with nil
// error means no challenge is currently active.
func (c *Client) CurrentChallenge(ctx context.Context) (*types.Challenge, error) {
	status, payload, err := c.do(ctx, "challenge", http.MethodGet, "/challenge")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{Code: status, Message: apiMessage(payload)}
	}
	var decoded struct {
		Code      string           `json:"code"`
		Challenge *types.Challenge `json:"challenge"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("challenge: decode response: %w", err)
	}
	if decoded.Code != "" && decoded.Code != "active" {
		return nil, nil
	}
	return decoded.Challenge, nil
}

// Submit submits a solution nonce for an address. Transient conditions are
// returned as an error (caller defers via the pending queue); definitive
// outcomes come back as a SubmitResult.
func (c *Client) Submit(ctx context.Context, address, challengeID, nonce string) (SubmitResult, error) {
	path := fmt.Sprintf("/solution/%s/%s/%s",
		url.PathEscape(address), url.PathEscape(challengeID), url.PathEscape(nonce))
	status, payload, err := c.do(ctx, "submit", http.MethodPost, path)
	if err != nil {
		return 0, err
	}

	if status >= 200 && status < 300 {
		var decoded struct {
			CryptoReceipt json.RawMessage `json:"crypto_receipt"`
		}
		if err := json.Unmarshal(payload, &decoded); err == nil &&
			len(decoded.CryptoReceipt) > 0 && string(decoded.CryptoReceipt) != "null" {
			return SubmitAccepted, nil
		}
		return SubmitRejected, nil
	}

	msg := apiMessage(payload)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "solution already exists"):
		return SubmitAlreadyExists, nil
	case strings.Contains(lower, "address") && strings.Contains(lower, "not registered"):
		return SubmitNeedsRegistration, nil
	case status == http.StatusTooManyRequests || status >= 500:
		return 0, &StatusError{Code: status, Message: msg}
	default:
		return SubmitRejected, nil
	}
}

// Statistics fetches the token allocation for an address, in whole tokens.
func (c *Client) Statistics(ctx context.Context, address string) (float64, error) {
	status, payload, err := c.do(ctx, "statistics", http.MethodGet, "/statistics/"+url.PathEscape(address))
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, &StatusError{Code: status, Message: apiMessage(payload)}
	}
	var decoded struct {
		Local map[string]float64 `json:"local"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return 0, fmt.Errorf("statistics: decode response: %w", err)
	}
	return decoded.Local[c.preset.AllocationField] / 1e6, nil
}

// Consolidate assigns a wallet's accumulated rights to the destination
// address. An existing assignment to the same destination is success.
func (c *Client) Consolidate(ctx context.Context, destination, source, signature string) error {
	path := fmt.Sprintf("/donate_to/%s/%s/%s",
		url.PathEscape(destination), url.PathEscape(source), url.PathEscape(signature))
	status, payload, err := c.do(ctx, "consolidate", http.MethodPost, path)
	if err != nil {
		return err
	}
	msg := apiMessage(payload)
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusConflict && strings.Contains(msg, "active donation assignment"):
		return nil
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrDestinationUnregistered, msg)
	default:
		return &StatusError{Code: status, Message: msg}
	}
}
