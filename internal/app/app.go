// Package app wires configuration, storage, the matching engine and the
// schedule registry into one runnable unit.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"reelwatch/internal/config"
	"reelwatch/internal/engine/dispatch"
	"reelwatch/internal/engine/lifecycle"
	"reelwatch/internal/engine/match"
	"reelwatch/internal/engine/registry"
	"reelwatch/internal/storage"
	"reelwatch/internal/transport/telegram"
)

type App struct {
	log zerolog.Logger

	cfgMgr     *config.Manager
	store      storage.Store
	channel    *telegram.Channel
	matcher    *match.Engine
	lifecycle  *lifecycle.Manager
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry

	wg sync.WaitGroup
}

// New loads configuration (a .env file is honored when present) and
// constructs every component. Nothing is scheduled until Start.
func New(cfgPath string) (*App, error) {
	_ = godotenv.Load()

	a := &App{}
	a.cfgMgr = config.NewManager(cfgPath, zerolog.Nop())

	// The logger is configured from the config file, so the first load runs
	// with a nop logger and the manager gets the real one afterwards. The
	// committed config stays the one every component below is built from.
	cfg, err := a.cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a.log = buildLogger(cfg.Logging)
	a.cfgMgr.SetLogger(a.log.With().Str("component", "config").Logger())

	token := strings.TrimSpace(cfg.Telegram.Token)
	if env := strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")); env != "" {
		token = env
	}

	a.store, err = storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.BusyTimeout(),
	}, a.log.With().Str("component", "storage").Logger())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a.channel, err = telegram.New(telegram.Config{
		Token:      token,
		RatePerSec: cfg.Telegram.RatePerSec,
	}, a.log.With().Str("component", "telegram").Logger())
	if err != nil {
		_ = a.store.Close()
		return nil, fmt.Errorf("telegram channel: %w", err)
	}

	a.matcher = match.New(cfg.Engine.FuzzyThreshold, a.log.With().Str("component", "match").Logger())
	a.lifecycle = lifecycle.New(a.store, a.log.With().Str("component", "lifecycle").Logger())
	a.dispatcher = dispatch.New(a.store, a.matcher, a.lifecycle, a.channel,
		a.log.With().Str("component", "dispatch").Logger())
	a.registry = registry.New(a.tick, cfg.TickTimeout(),
		a.log.With().Str("component", "registry").Logger())

	a.cfgMgr.SetValidator(func(_ context.Context, c *config.Config) error {
		if err := a.registry.ValidatePattern(c.DigestCron()); err != nil {
			return fmt.Errorf("engine.default_digest_cron: %w", err)
		}
		if err := a.registry.ValidatePattern(c.CleanupCron()); err != nil {
			return fmt.Errorf("engine.cleanup_cron: %w", err)
		}
		return nil
	})

	return a, nil
}

// tick routes registry fires to the dispatcher.
func (a *App) tick(ctx context.Context, kind registry.Kind, members []int64) error {
	var (
		report dispatch.BatchReport
		err    error
	)
	switch kind {
	case registry.KindDigest:
		report, err = a.dispatcher.RunDigest(ctx, members)
	case registry.KindBroadcast:
		report, err = a.dispatcher.RunBroadcast(ctx, members)
	default:
		return fmt.Errorf("unknown job kind %q", kind)
	}
	if err != nil {
		return err
	}
	a.log.Info().
		Str("kind", string(kind)).
		Int("succeeded", report.Succeeded).
		Int("skipped", report.Skipped).
		Int("failed", len(report.Failures)).
		Msg("tick finished")
	return nil
}

// Start registers the persisted schedules, starts the registry and the
// config watcher, and signals readiness to the service manager.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	digest, err := a.store.DigestSchedules(ctx, cfg.DigestCron())
	if err != nil {
		return fmt.Errorf("load digest schedules: %w", err)
	}
	for pattern, members := range digest {
		if err := a.registry.EnsureJob(pattern, registry.KindDigest, members); err != nil {
			a.log.Warn().Err(err).Str("pattern", pattern).Msg("skipping digest schedule")
		}
	}

	broadcast, err := a.store.BroadcastSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load broadcast schedules: %w", err)
	}
	for pattern, chats := range broadcast {
		if err := a.registry.EnsureJob(pattern, registry.KindBroadcast, chats); err != nil {
			a.log.Warn().Err(err).Str("pattern", pattern).Msg("skipping broadcast schedule")
		}
	}

	if err := a.registry.AddFixed("cleanup", cfg.CleanupCron(), func(ctx context.Context) error {
		return a.lifecycle.RunCleanup(ctx, time.Now().UTC())
	}); err != nil {
		return fmt.Errorf("register cleanup job: %w", err)
	}

	a.registry.Start(ctx)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.cfgMgr.Watch(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.applyConfigUpdates(ctx)
	}()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn().Err(err).Msg("sd_notify failed")
	} else if sent {
		a.log.Debug().Msg("sd_notify ready sent")
	}

	a.log.Info().
		Int("digest_schedules", len(digest)).
		Int("broadcast_schedules", len(broadcast)).
		Msg("started")
	return nil
}

// applyConfigUpdates consumes committed config changes and applies the
// hot-swappable subset: log level and fuzzy threshold. Storage and
// telegram settings need a restart.
func (a *App) applyConfigUpdates(ctx context.Context) {
	sub := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			if lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level)); err == nil && cfg.Logging.Level != "" {
				zerolog.SetGlobalLevel(lvl)
			}
			a.matcher.SetThreshold(cfg.Engine.FuzzyThreshold)
			a.log.Info().
				Float64("fuzzy_threshold", cfg.Engine.FuzzyThreshold).
				Str("log_level", cfg.Logging.Level).
				Msg("config applied")
		}
	}
}

// Stop shuts the registry down, waits for background goroutines and
// closes storage. Call after the run context is cancelled.
func (a *App) Stop() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.registry.Stop()
	a.wg.Wait()
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("closing storage")
	}
	a.log.Info().Msg("stopped")
}

func buildLogger(cfg config.LoggingConfig) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil {
			lvl = parsed
		}
	}
	zerolog.SetGlobalLevel(lvl)
	var log zerolog.Logger
	if cfg.Console {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.With().Timestamp().Logger()
}
