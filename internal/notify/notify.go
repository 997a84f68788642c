// Package notify fans alerts out to the configured channels: a queued webhook
// with retries, and cooldown-limited local channels (desktop, audio, overlay).
package notify

import (
	"context"
	"time"

	"github.com/developingchet/vrc-instance-guard/internal/metrics"
	"github.com/rs/zerolog"
)

// Notification is one alert, rendered once by the caller so every channel
// shows the same text.
type Notification struct {
	SubjectID   string
	SubjectName string
	Severity    string
	Summary     string
	Details     []string
	At          time.Time
}

// Notifier delivers a notification on one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// Dispatcher fans notifications out to all channels. A failing channel never
// blocks the others.
type Dispatcher struct {
	channels []Notifier
	log      zerolog.Logger
}

func NewDispatcher(log zerolog.Logger, channels ...Notifier) *Dispatcher {
	return &Dispatcher{channels: channels, log: log}
}

func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) {
	for _, ch := range d.channels {
		if err := ch.Notify(ctx, n); err != nil {
			metrics.NotifyErrors.WithLabelValues(ch.Name()).Inc()
			d.log.Warn().Err(err).Str("channel", ch.Name()).
				Str("subject", n.SubjectID).Msg("notification failed")
		}
	}
}
