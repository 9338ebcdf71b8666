// Command auditor subscribes to session lifecycle events and logs them for
// an external history collaborator. Sessions ended by a report are checked
// against the abuse report store so repeat offenders stand out in the log.
package main

import (
	"context"
	"database/sql"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/whisper/pairing/internal/config"
	"github.com/whisper/pairing/internal/events"
	"github.com/whisper/pairing/internal/gateway"
	"github.com/whisper/pairing/internal/logging"
	"github.com/whisper/pairing/internal/protocol"
	"github.com/whisper/pairing/internal/report"
)

const reportWindow = 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)

	if cfg.NATS.URL == "" {
		log.Fatal().Str("module", "auditor").Msg("nats.url is required")
	}
	nc, err := events.Connect(events.Config{
		URL:           cfg.NATS.URL,
		Name:          "pairing-auditor",
		ReconnectWait: cfg.NATS.ReconnectWait,
		MaxReconnects: -1,
	})
	if err != nil {
		log.Fatal().Str("module", "auditor").Err(err).Msg("connect to nats")
	}
	defer nc.Close()

	var reports *report.Store
	if cfg.DB.URL != "" {
		db, err := sql.Open("postgres", cfg.DB.URL)
		if err != nil {
			log.Fatal().Str("module", "auditor").Err(err).Msg("open database")
		}
		defer db.Close()
		reports = report.NewStore(db)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = events.SubscribeLifecycle(nc, func(e events.Event) {
		switch e.Type {
		case "created":
			log.Info().Str("module", "auditor").Str("session", e.SessionID).
				Str("a", e.ParticipantA).Str("b", e.ParticipantB).Str("server", e.Server).Msg("session created")
		case "ended":
			log.Info().Str("module", "auditor").Str("session", e.SessionID).
				Str("reason", e.Reason).Dur("duration", e.Duration()).Str("server", e.Server).Msg("session ended")
			if e.Reason == protocol.ReasonReported && reports != nil {
				checkRepeatOffenders(ctx, reports, e)
			}
		}
	})
	if err != nil {
		log.Fatal().Str("module", "auditor").Err(err).Msg("subscribe")
	}
	if err := nc.Flush(); err != nil {
		log.Warn().Str("module", "auditor").Err(err).Msg("flush")
	}

	log.Info().Str("module", "auditor").Str("subject", events.SubjectSessionAll).Msg("auditor running")
	<-ctx.Done()
	log.Info().Str("module", "auditor").Msg("auditor stopped")
}

func checkRepeatOffenders(ctx context.Context, reports *report.Store, e events.Event) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	for _, id := range []string{e.ParticipantA, e.ParticipantB} {
		n, err := reports.CountRecent(ctx, id, reportWindow)
		if err != nil {
			log.Warn().Str("module", "auditor").Str("participant", id).Err(err).Msg("count reports")
			continue
		}
		if n >= gateway.RepeatReportThreshold {
			log.Warn().Str("module", "auditor").Str("participant", id).Int("reports_24h", n).Msg("repeat offender")
		}
	}
}
