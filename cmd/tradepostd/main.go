package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/forgecraft/tradepost/internal/config"
	"github.com/forgecraft/tradepost/internal/database"
	"github.com/forgecraft/tradepost/internal/journal"
	"github.com/forgecraft/tradepost/internal/ledger"
	"github.com/forgecraft/tradepost/internal/market"
	"github.com/forgecraft/tradepost/internal/matcher"
	"github.com/forgecraft/tradepost/internal/notifier"
	"github.com/forgecraft/tradepost/internal/orderstore"
	"github.com/forgecraft/tradepost/internal/reaper"
)

const version = "v1.0"

func main() {
	// ═══════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	} else {
		log.Info().Msg("Loaded .env file")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════")
	log.Info().Msgf("  tradepostd %s — barter exchange core", version)
	log.Info().Msg("═══════════════════════════════════════════════════")

	// ═══════════════════════════════════════════════════════════════
	// LAYER 1: STORAGE
	// ═══════════════════════════════════════════════════════════════

	db, err := database.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	log.Info().Msg("storage layer ready")

	// ═══════════════════════════════════════════════════════════════
	// LAYER 2: COMPONENT GRAPH
	// ═══════════════════════════════════════════════════════════════

	led := ledger.New(db)
	orders := orderstore.New(db, led)
	jour := journal.New(db)
	match := matcher.New(db, led, jour)
	markets := market.New(db)
	log.Info().Msg("component graph wired: ledger, orderstore, journal, matcher, market")

	// ═══════════════════════════════════════════════════════════════
	// LAYER 3: NOTIFICATIONS
	// ═══════════════════════════════════════════════════════════════

	n := buildNotifier(cfg)
	notify := notifier.NewAdapter(n)
	log.Info().Strs("kinds", notifierKindStrings(cfg)).Msg("notifier composed")

	_ = match   // wired into an external HTTP layer outside this module
	_ = orders  // wired into an external HTTP layer outside this module
	_ = markets // wired into an external HTTP layer outside this module
	_ = notify  // passed to matcher/orderstore calls by the external layer

	// ═══════════════════════════════════════════════════════════════
	// LAYER 4: REAPER
	// ═══════════════════════════════════════════════════════════════

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := reaper.New(db, orders, notify, cfg.ReaperPeriod)
	r.Start(ctx)
	log.Info().Dur("period", cfg.ReaperPeriod).Msg("reaper started")

	log.Info().Msg("tradepostd running — awaiting external HTTP layer wiring")

	// ═══════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Warn().Msg("shutdown signal received")
	cancel()
	r.Stop()

	if err := database.Close(db); err != nil {
		log.Warn().Err(err).Msg("failed to close database cleanly")
	}
	log.Info().Msg("shutdown complete")
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	var delegates []notifier.Notifier
	for _, kind := range cfg.Notifiers {
		switch kind {
		case config.NotifierLog:
			delegates = append(delegates, notifier.NewLogNotifier())
		case config.NotifierTelegram:
			tg, err := notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID)
			if err != nil {
				log.Warn().Err(err).Msg("telegram notifier unavailable")
				continue
			}
			delegates = append(delegates, tg)
		case config.NotifierHub:
			hub := notifier.NewHub()
			log.Info().Str("mount_hint", cfg.HubListenAddr).Msg("notifier hub ready; mount Hub.Upgrade on an external mux")
			delegates = append(delegates, hub)
		default:
			log.Warn().Str("kind", string(kind)).Msg("unknown notifier kind, skipping")
		}
	}
	if len(delegates) == 0 {
		delegates = append(delegates, notifier.NewLogNotifier())
	}
	return notifier.NewMulti(delegates...)
}

func notifierKindStrings(cfg *config.Config) []string {
	out := make([]string, 0, len(cfg.Notifiers))
	for _, k := range cfg.Notifiers {
		out = append(out, string(k))
	}
	return out
}
