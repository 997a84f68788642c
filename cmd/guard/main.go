package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/developingchet/vrc-instance-guard/internal/config"
	"github.com/developingchet/vrc-instance-guard/internal/engine"
	"github.com/developingchet/vrc-instance-guard/internal/logger"
	"github.com/developingchet/vrc-instance-guard/internal/monitor"
	"github.com/developingchet/vrc-instance-guard/internal/notify"
	"github.com/developingchet/vrc-instance-guard/internal/pattern"
	"github.com/developingchet/vrc-instance-guard/internal/rulestore"
	"github.com/developingchet/vrc-instance-guard/internal/state"
	"github.com/developingchet/vrc-instance-guard/internal/tailer"
	"github.com/developingchet/vrc-instance-guard/internal/upstream"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "vrc-instance-guard",
		Short: "Instance watchdog that screens joining players against a rule dataset",
	}

	root.AddCommand(
		runCmd(),
		refreshCmd(),
		healthcheckCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the watchdog daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Msg("vrc-instance-guard starting")

	store, err := state.NewBboltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	rules, err := rulestore.Open(rulestore.Config{
		DatasetPath:     cfg.DatasetPath,
		DatasetURL:      cfg.DatasetURL,
		AppVersion:      Version,
		DownloadTimeout: cfg.DatasetDownloadTimeout,
		ProbeBudget:     pattern.DefaultProbeBudget,
	}, log)
	if err != nil {
		return fmt.Errorf("open rule dataset: %w", err)
	}
	defer rules.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := upstream.NewClient(ctx, upstream.ClientConfig{
		BaseURL:       cfg.UpstreamURL,
		AuthCookie:    cfg.UpstreamAuthCookie,
		APIKey:        cfg.UpstreamAPIKey,
		VerifyTLS:     cfg.UpstreamVerifyTLS,
		Timeout:       cfg.UpstreamHTTPTimeout,
		ReauthMinGap:  cfg.SessionReauthMinGap,
		ReauthTimeout: cfg.SessionReauthTimeout,
		Window:        cfg.RateLimitWindow,
		MaxCalls:      cfg.RateLimitMaxCalls,
		Spacing:       cfg.CallSpacing,
		CacheTTL:      cfg.CacheTTL,
	}, store, log)
	if err != nil {
		return fmt.Errorf("init upstream client: %w", err)
	}
	go func() {
		if err := client.Run(ctx); err != nil {
			log.Warn().Err(err).Msg("upstream worker exited")
		}
	}()

	tail, err := tailer.New(tailer.Config{
		LogDir:       cfg.LogDir,
		FilePattern:  cfg.LogFilePattern,
		PollInterval: cfg.TailPollInterval,
	}, log)
	if err != nil {
		return fmt.Errorf("init tailer: %w", err)
	}

	eng := engine.New(rules, client, log)
	dispatcher, webhook := buildNotifiers(cfg, log)
	janitor := monitor.NewJanitor(store, cfg.JanitorInterval, cfg.RateLimitWindow, log)

	monitor.BinaryVersion = Version
	mon := monitor.New(cfg, tail, rules, eng, dispatcher, webhook, client, janitor, log)
	return mon.Run(ctx)
}

// buildNotifiers assembles the channels named in NOTIFY_CHANNELS plus the
// webhook when configured. The returned webhook is nil if no URL is set.
func buildNotifiers(cfg *config.Config, log zerolog.Logger) (*notify.Dispatcher, *notify.Webhook) {
	var channels []notify.Notifier

	var webhook *notify.Webhook
	if cfg.WebhookURL != "" {
		webhook = notify.NewWebhook(notify.WebhookConfig{
			URL:         cfg.WebhookURL,
			QueueSize:   cfg.WebhookQueueSize,
			MinInterval: cfg.WebhookMinInterval,
			MaxRetries:  cfg.WebhookMaxRetries,
			RetryBase:   cfg.WebhookRetryBase,
		}, log)
		channels = append(channels, webhook)
	}

	commands := map[string]string{
		"desktop": cfg.DesktopNotifyCommand,
		"audio":   cfg.AudioNotifyCommand,
		"overlay": cfg.OverlayNotifyCommand,
	}
	for _, name := range cfg.NotifyChannels {
		command, ok := commands[name]
		if !ok || command == "" {
			log.Warn().Str("channel", name).Msg("notify channel has no command configured, skipping")
			continue
		}
		channels = append(channels, notify.NewCommandChannel(name, command, cfg.NotifyCooldown, log))
	}

	return notify.NewDispatcher(log, channels...), webhook
}

// refreshCmd runs a one-shot dataset refresh.
func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Download the rule dataset once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatasetURL == "" {
				return fmt.Errorf("DATASET_URL is not set")
			}

			log := buildLogger(cfg)

			rules, err := rulestore.Open(rulestore.Config{
				DatasetPath:     cfg.DatasetPath,
				DatasetURL:      cfg.DatasetURL,
				AppVersion:      Version,
				DownloadTimeout: cfg.DatasetDownloadTimeout,
				ProbeBudget:     pattern.DefaultProbeBudget,
			}, log)
			if err != nil {
				return err
			}
			defer rules.Close()

			if err := rules.Refresh(context.Background()); err != nil {
				return err
			}
			fmt.Printf("refresh complete: version=%s entries=%d keywords=%d\n",
				rules.Version(), rules.Entries(), rules.Keywords())
			return nil
		},
	}
}

// healthcheckCmd exits 0 if the daemon is healthy.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			resp, err := http.Get("http://" + cfg.HealthAddr + "/healthz") //nolint:noctx
			if err != nil {
				fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
				os.Exit(1)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				fmt.Fprintf(os.Stderr, "healthcheck returned %d\n", resp.StatusCode)
				os.Exit(1)
			}
			fmt.Println("healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vrc-instance-guard %s\n", Version)
		},
	}
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(cw).Level(level).With().Timestamp().Logger()
	} else {
		redactWriter := logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(redactWriter).Level(level).With().Timestamp().Logger()
	}
	return base
}
