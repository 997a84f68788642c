// Package rulestore holds the current generation of block/whitelist/keyword
// data in an embedded sqlite dataset and refreshes it from a remote source
// with atomic, corruption-safe replacement.
package rulestore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/developingchet/vrc-instance-guard/internal/metrics"
	"github.com/developingchet/vrc-instance-guard/internal/pattern"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"
)

// schemaMarker is the meta row every well-formed dataset must carry. Probing
// it distinguishes a real dataset from an arbitrary downloaded file.
const schemaMarker = "schema"

// versionKey is the meta row carrying the application version the dataset was
// built for.
const versionKey = "app_version"

// handleReleaseWait gives the OS time to release file handles between closing
// the live generation and renaming over it. Without it the rename fails
// sporadically on some platforms.
const handleReleaseWait = 500 * time.Millisecond

// ErrNoRemote is returned by Refresh when no dataset URL is configured.
var ErrNoRemote = errors.New("no dataset URL configured")

// BlockedEntry is a directly blocked identity (user or group).
type BlockedEntry struct {
	ID          string
	DisplayName string
	Reason      string
	Severity    Severity
	Author      string
}

// KeywordRule is a compiled, guard-validated keyword pattern with its metadata.
type KeywordRule struct {
	Matcher  *pattern.Matcher
	Reason   string
	Severity Severity
	Author   string
}

// Verdict is the outcome of an identity lookup. Whitelisting is absolute and
// takes precedence over any block entry.
type Verdict struct {
	Whitelisted bool
	Blocked     *BlockedEntry
}

// EventKind discriminates store notifications.
type EventKind string

const (
	EventStoreUpdated    EventKind = "store_updated"
	EventVersionMismatch EventKind = "version_mismatch"
)

// Event is a store notification delivered to the orchestrator.
type Event struct {
	Kind           EventKind
	Entries        int
	Keywords       int
	CurrentVersion string
	RemoteVersion  string
	At             time.Time
}

// Config holds rule store construction parameters.
type Config struct {
	// DatasetPath is the live dataset location. The file must exist at
	// startup.
	DatasetPath string
	// DatasetURL is the remote replacement source. Empty disables Refresh.
	DatasetURL string
	// AppVersion is compared against the dataset's embedded version marker.
	AppVersion string
	// DownloadTimeout bounds the whole download including redirects.
	DownloadTimeout time.Duration
	// ProbeBudget is the per-probe allowance for the pattern guard.
	ProbeBudget time.Duration
}

// generation is one complete, immutable snapshot of the dataset. Exactly one
// generation is live at any instant.
type generation struct {
	db       *sql.DB
	hash     string
	version  string
	entries  int
	keywords []KeywordRule
}

// Store is the hot-reloadable rule store.
type Store struct {
	cfg    Config
	gen    atomic.Pointer[generation]
	sf     singleflight.Group
	events chan Event
	log    zerolog.Logger
}

// Open loads the dataset at cfg.DatasetPath and returns a ready Store.
// A missing or malformed local dataset is fatal.
func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = 2 * time.Minute
	}
	s := &Store{
		cfg:    cfg,
		events: make(chan Event, 8),
		log:    log,
	}
	gen, err := s.openGeneration(cfg.DatasetPath)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", cfg.DatasetPath, err)
	}
	s.install(gen)
	return s, nil
}

// Events returns the store notification channel. Sends are non-blocking;
// unconsumed events are dropped.
func (s *Store) Events() <-chan Event {
	return s.events
}

// EvaluateIdentity resolves the whitelist/block verdict for one identity.
// Whitelist lookup takes precedence; only non-whitelisted identities are
// checked for a direct block entry.
func (s *Store) EvaluateIdentity(ctx context.Context, id string) (Verdict, error) {
	gen := s.gen.Load()

	var n int
	err := gen.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM whitelist WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return Verdict{}, fmt.Errorf("whitelist lookup %s: %w", id, err)
	}
	if n > 0 {
		return Verdict{Whitelisted: true}, nil
	}

	var entry BlockedEntry
	var displayName, reason, severity, author sql.NullString
	err = gen.db.QueryRowContext(ctx,
		`SELECT id, display_name, reason, severity, author
		 FROM blocked_entities WHERE id = ?`, id).
		Scan(&entry.ID, &displayName, &reason, &severity, &author)
	if errors.Is(err, sql.ErrNoRows) {
		return Verdict{}, nil
	}
	if err != nil {
		return Verdict{}, fmt.Errorf("block lookup %s: %w", id, err)
	}
	entry.DisplayName = displayName.String
	entry.Reason = reason.String
	entry.Severity = ParseSeverity(severity.String, SeverityHigh)
	entry.Author = author.String
	return Verdict{Blocked: &entry}, nil
}

// KeywordRules returns the live generation's compiled rule set.
func (s *Store) KeywordRules() []KeywordRule {
	return s.gen.Load().keywords
}

// Entries returns the blocked+whitelist row count of the live generation.
func (s *Store) Entries() int { return s.gen.Load().entries }

// Keywords returns the compiled keyword rule count of the live generation.
func (s *Store) Keywords() int { return len(s.gen.Load().keywords) }

// Version returns the live generation's embedded application version marker.
func (s *Store) Version() string { return s.gen.Load().version }

// Refresh downloads a full replacement dataset, validates it, and atomically
// swaps it in. Concurrent calls are coalesced: callers arriving while a
// refresh is in flight wait for and share its result.
func (s *Store) Refresh(ctx context.Context) error {
	_, err, _ := s.sf.Do("refresh", func() (interface{}, error) {
		return nil, s.refresh(ctx)
	})
	return err
}

func (s *Store) refresh(ctx context.Context) error {
	if s.cfg.DatasetURL == "" {
		return ErrNoRemote
	}

	tmp := s.cfg.DatasetPath + ".download"
	if err := download(ctx, s.cfg.DatasetURL, tmp, s.cfg.DownloadTimeout); err != nil {
		metrics.StoreRefreshes.WithLabelValues("error").Inc()
		return fmt.Errorf("download dataset: %w", err)
	}

	// Probe the download before touching the live generation. A file that
	// does not expose the schema marker is not a dataset.
	remoteVersion, err := probeDataset(ctx, tmp)
	if err != nil {
		_ = os.Remove(tmp)
		metrics.StoreRefreshes.WithLabelValues("error").Inc()
		return fmt.Errorf("validate download: %w", err)
	}

	newHash, err := fileHash(tmp)
	if err != nil {
		_ = os.Remove(tmp)
		metrics.StoreRefreshes.WithLabelValues("error").Inc()
		return fmt.Errorf("hash download: %w", err)
	}

	live := s.gen.Load()
	if newHash == live.hash {
		_ = os.Remove(tmp)
		metrics.StoreRefreshes.WithLabelValues("unchanged").Inc()
		s.log.Debug().Msg("dataset unchanged, no swap")
		return nil
	}

	// Close the live handle before renaming over its file, and give the OS
	// a moment to release it.
	if err := live.db.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close live generation")
	}
	time.Sleep(handleReleaseWait)

	if err := os.Rename(tmp, s.cfg.DatasetPath); err != nil {
		_ = os.Remove(tmp)
		metrics.StoreRefreshes.WithLabelValues("error").Inc()
		// The old file is intact; reopen it so queries keep working.
		if gen, reopenErr := s.openGeneration(s.cfg.DatasetPath); reopenErr == nil {
			s.install(gen)
		} else {
			s.log.Error().Err(reopenErr).Msg("reopen previous generation failed")
		}
		return fmt.Errorf("swap dataset: %w", err)
	}

	gen, err := s.openGeneration(s.cfg.DatasetPath)
	if err != nil {
		metrics.StoreRefreshes.WithLabelValues("error").Inc()
		return fmt.Errorf("reopen swapped dataset: %w", err)
	}
	s.install(gen)
	metrics.StoreRefreshes.WithLabelValues("swapped").Inc()

	s.emit(Event{
		Kind:     EventStoreUpdated,
		Entries:  gen.entries,
		Keywords: len(gen.keywords),
		At:       time.Now(),
	})
	if s.cfg.AppVersion != "" && remoteVersion != "" && remoteVersion != s.cfg.AppVersion {
		s.emit(Event{
			Kind:           EventVersionMismatch,
			CurrentVersion: s.cfg.AppVersion,
			RemoteVersion:  remoteVersion,
			At:             time.Now(),
		})
	}

	s.log.Info().Int("entries", gen.entries).Int("keywords", len(gen.keywords)).
		Str("version", gen.version).Msg("rule store refreshed")
	return nil
}

// install publishes gen as the live generation and updates gauges.
func (s *Store) install(gen *generation) {
	s.gen.Store(gen)
	metrics.StoreEntries.Set(float64(gen.entries))
	metrics.StoreKeywords.Set(float64(len(gen.keywords)))
}

func (s *Store) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn().Str("kind", string(ev.Kind)).Msg("store event dropped: no consumer")
	}
}

// Close releases the live generation's handle.
func (s *Store) Close() error {
	return s.gen.Load().db.Close()
}

// openGeneration opens path read-only, validates the schema marker, and
// compiles the keyword rule set.
func (s *Store) openGeneration(path string) (*generation, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat dataset: %w", err)
	}

	db, err := openReadOnly(path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	version, err := probeMeta(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	var entries int
	err = db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(1) FROM blocked_entities) + (SELECT COUNT(1) FROM whitelist)`).
		Scan(&entries)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("count entries: %w", err)
	}

	keywords, err := s.compileKeywords(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	hash, err := fileHash(path)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("hash dataset: %w", err)
	}

	return &generation{
		db:       db,
		hash:     hash,
		version:  version,
		entries:  entries,
		keywords: keywords,
	}, nil
}

// compileKeywords loads keyword rows and compiles each through the pattern
// guard. Invalid or pathologically slow patterns are dropped with a
// diagnostic, never silently matched.
func (s *Store) compileKeywords(ctx context.Context, db *sql.DB) ([]KeywordRule, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT pattern, reason, severity, author FROM keywords`)
	if err != nil {
		return nil, fmt.Errorf("load keywords: %w", err)
	}
	defer rows.Close()

	var rules []KeywordRule
	for rows.Next() {
		var patternSrc string
		var reason, severity, author sql.NullString
		if err := rows.Scan(&patternSrc, &reason, &severity, &author); err != nil {
			return nil, fmt.Errorf("scan keyword row: %w", err)
		}
		m, err := pattern.Compile(patternSrc, s.cfg.ProbeBudget)
		if err != nil {
			reason := "invalid"
			if errors.Is(err, pattern.ErrProbeTimeout) {
				reason = "probe_timeout"
			}
			metrics.KeywordsRejected.WithLabelValues(reason).Inc()
			s.log.Warn().Str("pattern", patternSrc).Err(err).Msg("keyword pattern rejected")
			continue
		}
		rules = append(rules, KeywordRule{
			Matcher:  m,
			Reason:   reason.String,
			Severity: ParseSeverity(severity.String, SeverityMedium),
			Author:   author.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keywords: %w", err)
	}
	return rules, nil
}

// probeDataset opens path independently and checks the required marker.
func probeDataset(ctx context.Context, path string) (version string, err error) {
	db, err := openReadOnly(path)
	if err != nil {
		return "", err
	}
	defer db.Close()
	return probeMeta(ctx, db)
}

// probeMeta reads the schema marker and version rows. Missing marker means
// the file is not a well-formed dataset.
func probeMeta(ctx context.Context, db *sql.DB) (version string, err error) {
	var marker string
	err = db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, schemaMarker).Scan(&marker)
	if err != nil {
		return "", fmt.Errorf("dataset missing %q marker: %w", schemaMarker, err)
	}

	err = db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, versionKey).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %q marker: %w", versionKey, err)
	}
	return version, nil
}

func openReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return db, nil
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
