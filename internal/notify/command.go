package notify

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/developingchet/vrc-instance-guard/internal/metrics"
	"github.com/rs/zerolog"
)

// runner executes the underlying delivery; swapped out in tests.
type runner func(ctx context.Context, n Notification) error

// CommandChannel runs a local command per notification (desktop popup, audio
// cue, overlay message) with a per-channel cooldown so a burst of joins does
// not spam the player.
type CommandChannel struct {
	name     string
	cooldown time.Duration
	run      runner
	log      zerolog.Logger

	mu       sync.Mutex
	lastSent time.Time
}

// NewCommandChannel builds a cooldown-limited channel around command. The
// notification summary is appended as the final argument.
func NewCommandChannel(name, command string, cooldown time.Duration, log zerolog.Logger) *CommandChannel {
	return &CommandChannel{
		name:     name,
		cooldown: cooldown,
		log:      log,
		run: func(ctx context.Context, n Notification) error {
			cmd := exec.CommandContext(ctx, command, n.Summary)
			return cmd.Run()
		},
	}
}

func (c *CommandChannel) Name() string { return c.name }

// Notify runs the command unless the channel is still cooling down. A
// suppressed notification is not an error; the webhook channel carries the
// full record regardless.
func (c *CommandChannel) Notify(ctx context.Context, n Notification) error {
	c.mu.Lock()
	if c.cooldown > 0 && time.Since(c.lastSent) < c.cooldown {
		c.mu.Unlock()
		metrics.NotifySuppressed.WithLabelValues(c.name).Inc()
		c.log.Debug().Str("channel", c.name).Str("subject", n.SubjectID).Msg("notification suppressed by cooldown")
		return nil
	}
	c.lastSent = time.Now()
	c.mu.Unlock()

	return c.run(ctx, n)
}
