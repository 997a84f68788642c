// Package upstream is the rate-limited client for the identity service. All
// calls flow through a single FIFO queue whose worker enforces a sliding
// call-budget window and a fixed spacing between admitted calls; responses
// are cached so hits bypass the limiter entirely.
package upstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/developingchet/vrc-instance-guard/internal/metrics"
	"github.com/developingchet/vrc-instance-guard/internal/state"
	"github.com/rs/zerolog"
)

// Group is one group membership of a subject.
type Group struct {
	ID          string `json:"groupId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Rules       string `json:"rules"`
}

// Profile is the subject's public profile.
type Profile struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Bio         string   `json:"bio"`
	Status      string   `json:"statusDescription"`
	Pronouns    []string `json:"pronouns"`
}

// ClientConfig holds parameters for constructing an upstream client.
type ClientConfig struct {
	BaseURL       string
	AuthCookie    string
	APIKey        string
	VerifyTLS     bool
	Timeout       time.Duration
	ReauthMinGap  time.Duration
	ReauthTimeout time.Duration

	// Call budget: at most MaxCalls within any trailing Window, plus a fixed
	// Spacing between consecutive admitted calls.
	Window   time.Duration
	MaxCalls int
	Spacing  time.Duration

	// CacheTTL bounds how long responses are reused.
	CacheTTL time.Duration

	Debug bool
}

// Client is the upstream identity service client. Run must be started before
// UserGroups/UserProfile are called.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	session *sessionManager
	state   state.Store
	queue   chan *call
	log     zerolog.Logger
}

type call struct {
	endpoint string // metrics/cache label: "groups" or "profile"
	path     string
	key      string // cache key
	result   chan callResult
}

type callResult struct {
	data []byte
	err  error
}

// NewClient constructs a Client and validates the provisioned session.
func NewClient(ctx context.Context, cfg ClientConfig, st state.Store, log zerolog.Logger) (*Client, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: !cfg.VerifyTLS, //nolint:gosec // user-opted-in
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}

	c := &Client{
		cfg:   cfg,
		http:  httpClient,
		state: st,
		queue: make(chan *call, 256),
		log:   log,
	}

	c.session = newSessionManager(AuthConfig{
		BaseURL:       cfg.BaseURL,
		AuthCookie:    cfg.AuthCookie,
		APIKey:        cfg.APIKey,
		ReauthTimeout: cfg.ReauthTimeout,
		ReauthMinGap:  cfg.ReauthMinGap,
	}, httpClient, log)

	if err := c.session.EnsureAuth(ctx); err != nil {
		return nil, fmt.Errorf("initial session check: %w", err)
	}
	return c, nil
}

// Run drains the call queue until ctx is cancelled. The single worker is the
// only goroutine touching the rate window, so admissions are strictly serial.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cl := <-c.queue:
			c.admit(ctx, cl)

			data, err := c.get(ctx, cl)
			if err == nil {
				if cacheErr := c.state.CacheSet(cl.key, data, c.cfg.CacheTTL); cacheErr != nil {
					c.log.Warn().Err(cacheErr).Str("key", cl.key).Msg("cache write failed")
				}
			}
			cl.result <- callResult{data: data, err: err}

			// Fixed spacing between consecutive calls, even under budget.
			if c.cfg.Spacing > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(c.cfg.Spacing):
				}
			}
		}
	}
}

// admit blocks until the sliding-window budget has room for one more call.
func (c *Client) admit(ctx context.Context, cl *call) {
	for {
		wait, err := c.state.RateReserve("upstream", c.cfg.Window, c.cfg.MaxCalls)
		if err != nil {
			c.log.Warn().Err(err).Msg("rate gate error, admitting call")
			return
		}
		if wait == 0 {
			return
		}
		metrics.RateGateWaits.Inc()
		c.log.Debug().Dur("wait", wait).Str("endpoint", cl.endpoint).Msg("rate budget exhausted, waiting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// UserGroups lists the subject's group memberships.
func (c *Client) UserGroups(ctx context.Context, userID string) ([]Group, error) {
	key := "groups:" + userID
	data, err := c.fetch(ctx, "groups",
		"/api/1/users/"+url.PathEscape(userID)+"/groups", key)
	if err != nil {
		return nil, err
	}
	var groups []Group
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("decode groups for %s: %w", userID, err)
	}
	return groups, nil
}

// UserProfile fetches the subject's profile fields.
func (c *Client) UserProfile(ctx context.Context, userID string) (*Profile, error) {
	key := "profile:" + userID
	data, err := c.fetch(ctx, "profile",
		"/api/1/users/"+url.PathEscape(userID), key)
	if err != nil {
		return nil, err
	}
	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("decode profile for %s: %w", userID, err)
	}
	return &profile, nil
}

// Ping verifies the upstream session is usable.
func (c *Client) Ping(ctx context.Context) error {
	return c.session.verify(ctx)
}

// fetch serves from cache when possible, otherwise enqueues the call and
// waits for the worker. Cache hits never touch the rate limiter.
func (c *Client) fetch(ctx context.Context, endpoint, path, key string) ([]byte, error) {
	if data, ok, err := c.state.CacheGet(key); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
	} else if ok {
		metrics.CacheHits.WithLabelValues(endpoint).Inc()
		return data, nil
	}

	cl := &call{
		endpoint: endpoint,
		path:     path,
		key:      key,
		result:   make(chan callResult, 1),
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c.queue <- cl:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-cl.result:
		return res.data, res.err
	}
}

// get executes the HTTP call with re-auth-once-on-401 semantics.
func (c *Client) get(ctx context.Context, cl *call) ([]byte, error) {
	var data []byte
	err := c.withReauth(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+cl.path, nil)
		if err != nil {
			return err
		}
		body, err := c.apiDo(ctx, req, cl.endpoint)
		if err != nil {
			return err
		}
		data = body
		return nil
	})
	return data, err
}

// withReauth executes fn, and on ErrUnauthorized calls EnsureAuth then retries once.
func (c *Client) withReauth(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if _, ok := err.(*ErrUnauthorized); !ok {
		return err
	}
	if authErr := c.session.EnsureAuth(ctx); authErr != nil {
		return fmt.Errorf("re-auth failed: %w", authErr)
	}
	return fn()
}

// apiDo executes an HTTP request, handling auth, metrics, and typed error translation.
func (c *Client) apiDo(ctx context.Context, req *http.Request, endpoint string) ([]byte, error) {
	start := time.Now()
	c.session.SetAuthHeader(req)

	if c.cfg.Debug {
		c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).Msg("upstream api request")
	}

	resp, err := c.http.Do(req.WithContext(ctx))
	elapsed := time.Since(start)

	if err != nil {
		metrics.APICalls.WithLabelValues(endpoint, "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	statusLabel := fmt.Sprintf("%dxx", resp.StatusCode/100)
	metrics.APICalls.WithLabelValues(endpoint, statusLabel).Inc()
	metrics.APIDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())

	if c.cfg.Debug {
		c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).
			Int("status", resp.StatusCode).Dur("elapsed", elapsed).Msg("upstream api response")
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return nil, &ErrUnauthorized{Msg: "HTTP 401"}
	case http.StatusNotFound:
		return nil, &ErrNotFound{ID: req.URL.Path}
	case http.StatusTooManyRequests:
		retryAfter := 10 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if d, err := time.ParseDuration(ra + "s"); err == nil {
				retryAfter = d
			}
		}
		return nil, &ErrRateLimit{RetryAfter: retryAfter}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

// --- Typed errors -----------------------------------------------------------

// ErrUnauthorized is returned on HTTP 401 responses.
type ErrUnauthorized struct {
	Msg string
}

func (e *ErrUnauthorized) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Msg)
}

// ErrNotFound is returned when a subject does not exist.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("not found: %s", e.ID)
}

// ErrRateLimit is returned when the upstream signals rate limiting.
type ErrRateLimit struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimit) Error() string {
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}
