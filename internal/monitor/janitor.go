package monitor

import (
	"context"
	"time"

	"github.com/developingchet/vrc-instance-guard/internal/metrics"
	"github.com/developingchet/vrc-instance-guard/internal/state"
	"github.com/rs/zerolog"
)

// Janitor performs periodic housekeeping: pruning expired cache entries and
// stale rate-window timestamps, updating gauges.
type Janitor struct {
	store      state.Store
	interval   time.Duration
	rateWindow time.Duration
	log        zerolog.Logger
}

// NewJanitor creates a Janitor.
func NewJanitor(store state.Store, interval, rateWindow time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		store:      store,
		interval:   interval,
		rateWindow: rateWindow,
		log:        log,
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick()
		}
	}
}

func (j *Janitor) tick() {
	pruned, err := j.store.PruneExpiredCache()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: prune expired cache failed")
	} else if pruned > 0 {
		j.log.Info().Int("count", pruned).Msg("janitor: pruned expired cache entries")
	}

	if _, err := j.store.PruneExpiredRateEntries(j.rateWindow); err != nil {
		j.log.Warn().Err(err).Msg("janitor: prune expired rate entries failed")
	}

	size, err := j.store.SizeBytes()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: read db size failed")
	} else {
		metrics.DBSizeBytes.Set(float64(size))
	}

	j.log.Debug().Msg("janitor: tick complete")
}
