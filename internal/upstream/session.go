package upstream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/developingchet/vrc-instance-guard/internal/metrics"
	"github.com/rs/zerolog"
)

// AuthConfig holds credentials for session management. The auth cookie is
// provisioned externally (interactive login is out of scope); the session
// manager only validates and applies it.
type AuthConfig struct {
	BaseURL       string
	AuthCookie    string
	APIKey        string
	ReauthTimeout time.Duration
	ReauthMinGap  time.Duration
}

// sessionManager guards re-validation with a mutex to prevent thundering herd.
type sessionManager struct {
	mu         sync.Mutex
	cfg        AuthConfig
	http       *http.Client
	lastReauth time.Time
	log        zerolog.Logger
}

func newSessionManager(cfg AuthConfig, httpClient *http.Client, log zerolog.Logger) *sessionManager {
	return &sessionManager{
		cfg:  cfg,
		http: httpClient,
		log:  log,
	}
}

// EnsureAuth re-validates the session against the auth endpoint. Called at
// construction and when a 401 response is detected. The mutex ensures only
// one caller executes the check concurrently.
func (s *sessionManager) EnsureAuth(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Thundering-herd guard: if another caller already re-validated recently, skip.
	if time.Since(s.lastReauth) < s.cfg.ReauthMinGap {
		return nil
	}

	timeout := s.cfg.ReauthTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.verify(tctx); err != nil {
		metrics.AuthErrors.Inc()
		return fmt.Errorf("re-auth failed: %w", err)
	}
	metrics.ReauthTotal.Inc()
	s.lastReauth = time.Now()
	s.log.Debug().Msg("session re-validated with upstream")
	return nil
}

// SetAuthHeader applies auth credentials to an outgoing request.
func (s *sessionManager) SetAuthHeader(req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", s.cfg.APIKey)
		return
	}
	if s.cfg.AuthCookie != "" {
		req.Header.Set("Cookie", "auth="+s.cfg.AuthCookie)
	}
}

// verify performs a GET against the auth endpoint with the stored credentials.
func (s *sessionManager) verify(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.cfg.BaseURL+"/api/1/auth", nil)
	if err != nil {
		return fmt.Errorf("build auth request: %w", err)
	}
	if s.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", s.cfg.APIKey)
	} else if s.cfg.AuthCookie != "" {
		req.Header.Set("Cookie", "auth="+s.cfg.AuthCookie)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ErrUnauthorized{Msg: fmt.Sprintf("auth check returned HTTP %d", resp.StatusCode)}
	}
	return nil
}
