package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/developingchet/vrc-instance-guard/internal/state"
	"github.com/rs/zerolog"
)

func testClient(t *testing.T, srvURL string, cfg func(*ClientConfig)) (*Client, context.CancelFunc) {
	t.Helper()

	st, err := state.NewBboltStore(t.TempDir())
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	conf := ClientConfig{
		BaseURL:       srvURL,
		AuthCookie:    "test-cookie",
		VerifyTLS:     true,
		Timeout:       5 * time.Second,
		ReauthMinGap:  0,
		ReauthTimeout: 5 * time.Second,
		Window:        time.Minute,
		MaxCalls:      100,
		Spacing:       0,
		CacheTTL:      time.Minute,
	}
	if cfg != nil {
		cfg(&conf)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c, err := NewClient(ctx, conf, st, zerolog.Nop())
	if err != nil {
		cancel()
		t.Fatalf("new client: %v", err)
	}
	go func() { _ = c.Run(ctx) }()
	return c, cancel
}

func authOK(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/1/auth" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func TestUserProfileDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(authOK(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/1/users/usr_abc" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Profile{
			ID:          "usr_abc",
			DisplayName: "Somebody",
			Bio:         "hello",
			Status:      "around",
			Pronouns:    []string{"they", "them"},
		})
	})))
	defer srv.Close()

	c, cancel := testClient(t, srv.URL, nil)
	defer cancel()

	p, err := c.UserProfile(context.Background(), "usr_abc")
	if err != nil {
		t.Fatalf("UserProfile: %v", err)
	}
	if p.DisplayName != "Somebody" || p.Bio != "hello" {
		t.Errorf("unexpected profile: %+v", p)
	}
}

func TestUserGroupsDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(authOK(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/1/users/usr_abc/groups" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode([]Group{
			{ID: "grp_1", Name: "First", Description: "desc", Rules: "be nice"},
		})
	})))
	defer srv.Close()

	c, cancel := testClient(t, srv.URL, nil)
	defer cancel()

	groups, err := c.UserGroups(context.Background(), "usr_abc")
	if err != nil {
		t.Fatalf("UserGroups: %v", err)
	}
	if len(groups) != 1 || groups[0].ID != "grp_1" {
		t.Errorf("unexpected groups: %+v", groups)
	}
}

func TestResponseCaching(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(authOK(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		_ = json.NewEncoder(w).Encode(Profile{ID: "usr_abc"})
	})))
	defer srv.Close()

	c, cancel := testClient(t, srv.URL, nil)
	defer cancel()

	for i := 0; i < 3; i++ {
		if _, err := c.UserProfile(context.Background(), "usr_abc"); err != nil {
			t.Fatalf("UserProfile call %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt64(&hits); got != 1 {
		t.Errorf("upstream saw %d requests, want 1 (cache should absorb repeats)", got)
	}
}

func TestErrorsAreNotCached(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(authOK(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		http.Error(w, "nope", http.StatusNotFound)
	})))
	defer srv.Close()

	c, cancel := testClient(t, srv.URL, nil)
	defer cancel()

	for i := 0; i < 2; i++ {
		_, err := c.UserProfile(context.Background(), "usr_gone")
		if err == nil {
			t.Fatal("expected error for 404")
		}
		if _, ok := err.(*ErrNotFound); !ok {
			t.Fatalf("want *ErrNotFound, got %T: %v", err, err)
		}
	}
	if got := atomic.LoadInt64(&hits); got != 2 {
		t.Errorf("upstream saw %d requests, want 2 (errors must not be cached)", got)
	}
}

func TestReauthOnceOn401(t *testing.T) {
	var profileCalls, authCalls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/1/auth":
			atomic.AddInt64(&authCalls, 1)
			w.WriteHeader(http.StatusOK)
		default:
			if atomic.AddInt64(&profileCalls, 1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(Profile{ID: "usr_abc"})
		}
	}))
	defer srv.Close()

	c, cancel := testClient(t, srv.URL, nil)
	defer cancel()

	p, err := c.UserProfile(context.Background(), "usr_abc")
	if err != nil {
		t.Fatalf("UserProfile after re-auth: %v", err)
	}
	if p.ID != "usr_abc" {
		t.Errorf("unexpected profile: %+v", p)
	}
	if got := atomic.LoadInt64(&profileCalls); got != 2 {
		t.Errorf("profile endpoint saw %d calls, want 2 (initial 401 then retry)", got)
	}
	// Initial EnsureAuth in NewClient plus the re-auth triggered by the 401.
	if got := atomic.LoadInt64(&authCalls); got != 2 {
		t.Errorf("auth endpoint saw %d calls, want 2", got)
	}
}

func TestRateWindowBoundsCalls(t *testing.T) {
	srv := httptest.NewServer(authOK(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Group{})
	})))
	defer srv.Close()

	c, cancel := testClient(t, srv.URL, func(cfg *ClientConfig) {
		cfg.Window = 300 * time.Millisecond
		cfg.MaxCalls = 2
		cfg.CacheTTL = time.Nanosecond // force every call through the gate
	})
	defer cancel()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.UserGroups(context.Background(), "usr_abc"); err != nil {
			t.Fatalf("UserGroups call %d: %v", i, err)
		}
	}
	// The third call must wait for the first to leave the window.
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("3 calls with budget 2/300ms finished in %s, want >=250ms", elapsed)
	}
}

func TestNewClientFailsOnBadAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	st, err := state.NewBboltStore(t.TempDir())
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}
	defer st.Close()

	_, err = NewClient(context.Background(), ClientConfig{
		BaseURL:       srv.URL,
		AuthCookie:    "stale",
		Timeout:       5 * time.Second,
		ReauthTimeout: 5 * time.Second,
		Window:        time.Minute,
		MaxCalls:      10,
		CacheTTL:      time.Minute,
	}, st, zerolog.Nop())
	if err == nil {
		t.Fatal("NewClient should fail when the session is rejected")
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(authOK(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	defer srv.Close()

	c, cancel := testClient(t, srv.URL, nil)
	defer cancel()

	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
