// Package monitor wires the tailer, rule store, engine, and notifier into the
// long-running daemon: it consumes presence events, deduplicates repeat joins,
// evaluates each subject, and dispatches alerts.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/developingchet/vrc-instance-guard/internal/config"
	"github.com/developingchet/vrc-instance-guard/internal/engine"
	"github.com/developingchet/vrc-instance-guard/internal/metrics"
	"github.com/developingchet/vrc-instance-guard/internal/notify"
	"github.com/developingchet/vrc-instance-guard/internal/rulestore"
	"github.com/developingchet/vrc-instance-guard/internal/tailer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

// Pinger reports upstream reachability for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor owns the event pipeline and the auxiliary servers.
type Monitor struct {
	cfg        *config.Config
	tail       *tailer.Tailer
	store      *rulestore.Store
	eng        *engine.Engine
	dispatcher *notify.Dispatcher
	webhook    *notify.Webhook // nil when no webhook is configured
	pinger     Pinger
	janitor    *Janitor
	log        zerolog.Logger

	// lastSeen backs join deduplication: a repeat join inside DedupeWindow
	// is suppressed, a leave clears the entry so rejoining alerts again.
	lastSeen map[string]time.Time
}

// New constructs a fully wired Monitor. webhook may be nil.
func New(cfg *config.Config, tail *tailer.Tailer, store *rulestore.Store,
	eng *engine.Engine, dispatcher *notify.Dispatcher, webhook *notify.Webhook,
	pinger Pinger, janitor *Janitor, log zerolog.Logger) *Monitor {

	return &Monitor{
		cfg:        cfg,
		tail:       tail,
		store:      store,
		eng:        eng,
		dispatcher: dispatcher,
		webhook:    webhook,
		pinger:     pinger,
		janitor:    janitor,
		log:        log,
		lastSeen:   make(map[string]time.Time),
	}
}

// Run starts all goroutines and blocks until ctx is cancelled or a fatal
// error occurs.
func (m *Monitor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	events := make(chan tailer.Event, 64)
	g.Go(func() error {
		return m.tail.Run(gctx, events)
	})
	g.Go(func() error {
		return m.processEvents(gctx, events)
	})
	g.Go(func() error {
		return m.refreshLoop(gctx)
	})
	g.Go(func() error {
		return m.consumeStoreEvents(gctx)
	})

	if m.webhook != nil {
		g.Go(func() error {
			return m.webhook.Start(gctx)
		})
	}
	if m.janitor != nil {
		g.Go(func() error {
			return m.janitor.Run(gctx)
		})
	}
	if m.cfg.MetricsEnabled {
		g.Go(func() error {
			return m.serveMetrics(gctx)
		})
	}
	g.Go(func() error {
		return m.serveHealth(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// processEvents consumes presence events from the tailer.
func (m *Monitor) processEvents(ctx context.Context, events <-chan tailer.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			switch ev.Kind {
			case tailer.EventJoin:
				m.handleJoin(ctx, ev)
			case tailer.EventLeave:
				// Clearing the entry means a leave-and-rejoin alerts again
				// even inside the dedupe window.
				delete(m.lastSeen, ev.UserID)
				m.log.Debug().Str("user", ev.UserID).Str("name", ev.DisplayName).Msg("player left")
			}
		}
	}
}

func (m *Monitor) handleJoin(ctx context.Context, ev tailer.Event) {
	if last, ok := m.lastSeen[ev.UserID]; ok && time.Since(last) < m.cfg.DedupeWindow {
		metrics.DedupeSuppressed.Inc()
		m.log.Debug().Str("user", ev.UserID).Msg("repeat join suppressed")
		return
	}
	m.lastSeen[ev.UserID] = time.Now()

	m.log.Info().Str("user", ev.UserID).Str("name", ev.DisplayName).Msg("player joined")

	res := m.eng.Evaluate(ctx, ev.UserID, ev.DisplayName)
	if !res.Matched {
		return
	}

	worst := res.Worst()
	m.log.Warn().Str("user", res.SubjectID).Str("name", res.SubjectName).
		Str("severity", worst.String()).Int("matches", len(res.Matches)).
		Msg("subject matched rules")
	m.dispatcher.Dispatch(ctx, renderNotification(res, ev.At))
}

// renderNotification turns an evaluation result into the shared alert text.
func renderNotification(res engine.Result, at time.Time) notify.Notification {
	details := make([]string, 0, len(res.Matches))
	for _, match := range res.Matches {
		line := fmt.Sprintf("[%s] %s", match.Severity, match.Type)
		if match.Reason != "" {
			line += ": " + match.Reason
		}
		if match.Provenance.IdentityID != res.SubjectID && match.Provenance.IdentityID != "" {
			line += fmt.Sprintf(" (%s %s)", match.Provenance.IdentityName, match.Provenance.IdentityID)
		}
		if match.Provenance.Location != "" {
			line += " in " + match.Provenance.Location
		}
		details = append(details, line)
	}

	plural := "rule"
	if len(res.Matches) != 1 {
		plural = "rules"
	}
	return notify.Notification{
		SubjectID:   res.SubjectID,
		SubjectName: res.SubjectName,
		Severity:    res.Worst().String(),
		Summary:     fmt.Sprintf("%s matched %d %s", res.SubjectName, len(res.Matches), plural),
		Details:     details,
		At:          at,
	}
}

// refreshLoop periodically refreshes the rule dataset from the remote.
func (m *Monitor) refreshLoop(ctx context.Context) error {
	if m.cfg.DatasetURL == "" {
		return nil
	}

	if m.cfg.DatasetRefreshOnStart {
		if err := m.store.Refresh(ctx); err != nil {
			m.log.Warn().Err(err).Msg("startup dataset refresh failed")
		}
	}

	ticker := time.NewTicker(m.cfg.DatasetRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.store.Refresh(ctx); err != nil {
				m.log.Warn().Err(err).Msg("dataset refresh failed")
			}
		}
	}
}

// consumeStoreEvents logs rule store lifecycle events.
func (m *Monitor) consumeStoreEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.store.Events():
			switch ev.Kind {
			case rulestore.EventStoreUpdated:
				m.log.Info().Int("entries", ev.Entries).Int("keywords", ev.Keywords).
					Str("version", ev.CurrentVersion).Msg("rule dataset updated")
			case rulestore.EventVersionMismatch:
				m.log.Warn().Str("dataset_version", ev.RemoteVersion).
					Str("app_version", ev.CurrentVersion).
					Msg("dataset targets a different app version, matching may degrade")
			}
		}
	}
}

// serveMetrics runs the Prometheus HTTP server.
func (m *Monitor) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    m.cfg.MetricsAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	m.log.Info().Str("addr", m.cfg.MetricsAddr).Msg("Prometheus metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// serveHealth runs the health endpoint.
func (m *Monitor) serveHealth(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := m.pinger.Ping(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{
		Addr:    m.cfg.HealthAddr,
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	m.log.Info().Str("addr", m.cfg.HealthAddr).Msg("health server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
