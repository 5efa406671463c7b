package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/pushwatch/admin"
	"github.com/maxpert/pushwatch/cfg"
	"github.com/maxpert/pushwatch/epcis"
	"github.com/maxpert/pushwatch/gate"
	"github.com/maxpert/pushwatch/harness"
	"github.com/maxpert/pushwatch/subscription"
	"github.com/maxpert/pushwatch/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	collectInterval = 5 * time.Second
	teardownTimeout = 10 * time.Second
)

func main() {
	flag.Parse()

	// Load configuration
	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("harness_id", cfg.Config.HarnessID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("pushwatch - subscription push listener")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	// Standalone mode has no repository of its own; subscriptions are
	// registered by the system under test and pushes are observed here.
	h, err := harness.New(cfg.Config, subscription.NewLoopback(subscription.StaticEvents{}))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize harness")
		return
	}

	if err := h.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start harness")
		return
	}

	collector := telemetry.NewMetricsCollector(h.Manager, collectInterval)
	collector.Start()
	defer collector.Stop()

	if cfg.Config.Admin.Enabled {
		srv := admin.NewServer(cfg.Config.AdminAddress(), admin.NewHandlers(adminSources(h)), cfg.Config.Admin.Secret)
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start admin server")
			return
		}
		defer srv.Stop()
	}

	log.Info().
		Str("callback", h.CallbackURL()).
		Bool("journal", h.Journal != nil).
		Int("relays", len(cfg.Config.Relays)).
		Msg("Watching for pushes")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watch(ctx, h)

	log.Info().Msg("Shutting down")
	teardownCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := h.Teardown(teardownCtx); err != nil {
		log.Warn().Err(err).Msg("Teardown incomplete")
	}
}

// watch logs a summary of every push until ctx is done or the listener stops
func watch(ctx context.Context, h *harness.Harness) {
	for {
		res := h.Listener.AwaitContext(ctx)
		switch res.Outcome {
		case gate.Empty:
			return
		case gate.TimedOut:
			if ctx.Err() != nil {
				return
			}
			continue
		}

		batch, err := epcis.Decode(res.Push.Payload)
		if err != nil {
			log.Warn().
				Err(err).
				Uint64("seq", res.Push.Seq).
				Str("remote", res.Push.Remote).
				Msg("Push is not a result document")
			continue
		}

		log.Info().
			Uint64("seq", res.Push.Seq).
			Str("remote", res.Push.Remote).
			Str("subscription", batch.SubscriptionID).
			Str("query", batch.QueryName).
			Int("events", len(batch.Events)).
			Msg("Push received")
	}
}

// adminSources leaves disabled components nil so the admin API reports them as such
func adminSources(h *harness.Harness) admin.Sources {
	src := admin.Sources{
		HarnessID:     cfg.Config.HarnessID,
		Listener:      h.Listener,
		Subscriptions: h.Manager,
	}
	if h.Journal != nil {
		src.Journal = h.Journal
	}
	if h.Relays != nil {
		src.Relays = h.Relays
	}
	return src
}
