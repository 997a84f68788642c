// Package tailer follows the newest client log file in a directory, surviving
// rotation and truncation, and emits parsed presence events.
package tailer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/developingchet/vrc-instance-guard/internal/metrics"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Config holds tailer parameters.
type Config struct {
	// LogDir is the directory holding the client logs. Must exist.
	LogDir string
	// FilePattern is the glob selecting log files, e.g. "output_log_*.txt".
	FilePattern string
	// PollInterval bounds how stale the tail can get when filesystem events
	// are lost or unsupported.
	PollInterval time.Duration
}

// Tailer follows the newest matching log file. Use New then Run.
type Tailer struct {
	cfg    Config
	log    zerolog.Logger
	file   *os.File
	path   string
	offset int64
	buf    []byte // partial line carried across reads
}

// New validates the log directory up front so a misconfigured path fails at
// startup rather than producing a silent idle tail.
func New(cfg Config, log zerolog.Logger) (*Tailer, error) {
	info, err := os.Stat(cfg.LogDir)
	if err != nil {
		return nil, fmt.Errorf("log directory %s: %w", cfg.LogDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("log directory %s: not a directory", cfg.LogDir)
	}
	if cfg.FilePattern == "" {
		cfg.FilePattern = "output_log_*.txt"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Tailer{cfg: cfg, log: log}, nil
}

// Run tails until ctx is cancelled, sending parsed events to out. The initial
// attach seeks to EOF so history is not replayed; rotation drains the old file
// before switching so no trailing lines are lost.
func (t *Tailer) Run(ctx context.Context, out chan<- Event) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(t.cfg.LogDir); err != nil {
		return fmt.Errorf("watch %s: %w", t.cfg.LogDir, err)
	}

	if path, err := t.newestLog(); err == nil {
		if err := t.attach(path, io.SeekEnd); err != nil {
			t.log.Warn().Err(err).Str("file", path).Msg("initial attach failed")
		}
	} else {
		t.log.Info().Str("dir", t.cfg.LogDir).Msg("no log file yet, waiting")
	}
	defer t.detach()

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			t.poll(ctx, out)
		case werr, ok := <-watcher.Errors:
			if ok && werr != nil {
				t.log.Warn().Err(werr).Msg("watcher error")
			}
		case <-ticker.C:
			t.poll(ctx, out)
		}
	}
}

// poll reads pending lines and handles rotation and truncation.
func (t *Tailer) poll(ctx context.Context, out chan<- Event) {
	if t.file != nil {
		t.drain(ctx, out)
	}

	newest, err := t.newestLog()
	if err != nil {
		return
	}
	if newest == t.path {
		return
	}

	// Rotation: a newer file appeared. The current file was just drained, so
	// switching now loses nothing. The new file is read from the start since
	// everything in it postdates attach.
	if t.path != "" {
		metrics.RotationsDetected.Inc()
		t.log.Info().Str("old", filepath.Base(t.path)).
			Str("new", filepath.Base(newest)).Msg("log rotated")
	}
	whence := io.SeekStart
	if t.path == "" {
		whence = io.SeekEnd
	}
	if err := t.attach(newest, whence); err != nil {
		t.log.Warn().Err(err).Str("file", newest).Msg("attach failed")
		return
	}
	t.drain(ctx, out)
}

// drain reads from the current offset to EOF, emitting complete lines.
func (t *Tailer) drain(ctx context.Context, out chan<- Event) {
	info, err := t.file.Stat()
	if err != nil {
		t.log.Warn().Err(err).Str("file", t.path).Msg("stat failed")
		return
	}
	if info.Size() < t.offset {
		// Truncated in place. Restart from the top.
		t.log.Info().Str("file", filepath.Base(t.path)).Msg("log truncated, rewinding")
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			t.log.Warn().Err(err).Str("file", t.path).Msg("rewind failed")
			return
		}
		t.offset = 0
		t.buf = t.buf[:0]
	}

	reader := bufio.NewReader(t.file)
	for {
		chunk, err := reader.ReadBytes('\n')
		t.offset += int64(len(chunk))
		if err == nil {
			line := string(append(t.buf, chunk[:len(chunk)-1]...))
			t.buf = t.buf[:0]
			t.emit(ctx, out, line)
			continue
		}
		// Partial final line: keep it for the next read.
		t.buf = append(t.buf, chunk...)
		if err != io.EOF {
			t.log.Warn().Err(err).Str("file", t.path).Msg("read failed")
		}
		return
	}
}

func (t *Tailer) emit(ctx context.Context, out chan<- Event, line string) {
	ev, ok := parseLine(line, time.Now())
	if !ok {
		return
	}
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

// attach opens path and positions the read offset.
func (t *Tailer) attach(path string, whence int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	offset, err := f.Seek(0, whence)
	if err != nil {
		_ = f.Close()
		return err
	}
	t.detach()
	t.file = f
	t.path = path
	t.offset = offset
	t.buf = t.buf[:0]
	t.log.Info().Str("file", filepath.Base(path)).Int64("offset", offset).Msg("tailing log")
	return nil
}

func (t *Tailer) detach() {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
}

// newestLog returns the matching file with the latest mtime.
func (t *Tailer) newestLog() (string, error) {
	matches, err := filepath.Glob(filepath.Join(t.cfg.LogDir, t.cfg.FilePattern))
	if err != nil {
		return "", err
	}
	var newest string
	var newestMod time.Time
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = m
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return "", os.ErrNotExist
	}
	return newest, nil
}
