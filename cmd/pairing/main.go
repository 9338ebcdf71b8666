package main

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/pairing/internal/chat"
	"github.com/whisper/pairing/internal/config"
	"github.com/whisper/pairing/internal/eligibility"
	"github.com/whisper/pairing/internal/events"
	"github.com/whisper/pairing/internal/gateway"
	"github.com/whisper/pairing/internal/logging"
	"github.com/whisper/pairing/internal/matching"
	"github.com/whisper/pairing/internal/metrics"
	"github.com/whisper/pairing/internal/profile"
	"github.com/whisper/pairing/internal/protocol"
	"github.com/whisper/pairing/internal/ratelimit"
	"github.com/whisper/pairing/internal/relay"
	"github.com/whisper/pairing/internal/report"
	"github.com/whisper/pairing/internal/session"
	"github.com/whisper/pairing/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().Str("module", "main").
		Str("listen_addr", cfg.ListenAddr).
		Str("server_name", cfg.ServerName).
		Int("worker_pool", cfg.WorkerPoolSize).
		Int("max_connections", cfg.MaxConnections).
		Str("redis_addr", cfg.Redis.Addr).
		Str("nats_url", cfg.NATS.URL).
		Bool("database", cfg.DB.URL != "").
		Msg("pairing server starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	// --- Redis: profile store and optional shared limiter ---
	rule := ratelimit.Rule{Key: ratelimit.RuleChat.Key, Limit: cfg.RateLimit.Limit, Window: cfg.RateLimit.Window}
	var profiles profile.Store = profile.NewMemoryStore()
	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter(rule)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatal().Str("module", "main").Err(err).Msg("connect to redis")
		}
		defer rdb.Close()

		store := profile.NewRedisStore(rdb)
		profiles = store
		g.Go(func() error { return store.Run(gctx, cfg.Redis.SyncInterval) })

		if cfg.RateLimit.Shared {
			limiter = ratelimit.NewRedisLimiter(rdb, rule)
		}
	}

	// --- Postgres: abuse reports ---
	var reports gateway.ReportStore
	if cfg.DB.URL != "" {
		db, err := sql.Open("postgres", cfg.DB.URL)
		if err != nil {
			log.Fatal().Str("module", "main").Err(err).Msg("open database")
		}
		defer db.Close()
		if err := report.Migrate(db); err != nil {
			log.Fatal().Str("module", "main").Err(err).Msg("migrate database")
		}
		reports = report.NewStore(db)
	}

	// --- Session registry and lifecycle sinks ---
	history := chat.NewHistory()
	sinks := session.Sinks{gateway.HistorySink{History: history}}
	if cfg.NATS.URL != "" {
		nc, err := events.Connect(events.Config{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			ReconnectWait: cfg.NATS.ReconnectWait,
			MaxReconnects: -1,
		})
		if err != nil {
			log.Fatal().Str("module", "main").Err(err).Msg("connect to nats")
		}
		defer nc.Close()
		sinks = append(sinks, events.NewPublisher(nc, cfg.ServerName))
	}
	registry := session.NewRegistry(sinks)

	// --- Matching ---
	seed := cfg.Matching.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	matcher := matching.New(registry,
		eligibility.NewGate(profiles, eligibility.DefaultAgeBands),
		matching.WithPolicy(matching.PolicyFromConfig(cfg.Matching)),
		matching.WithRand(rand.New(rand.NewSource(seed))),
	)
	g.Go(func() error {
		matching.StartCleanup(gctx, matcher, cfg.Matching.CleanupInterval)
		return nil
	})

	gw := gateway.New(ctx, gateway.Deps{
		Matcher:  matcher,
		Registry: registry,
		Relay:    relay.New(registry, limiter, history),
		Profiles: profiles,
		Limiter:  limiter,
		History:  history,
		Reports:  reports,
	})

	// --- WebSocket server ---
	dispatcher := ws.NewMessageDispatcher()
	gw.Register(dispatcher)

	serverCfg := ws.DefaultServerConfig()
	serverCfg.ListenAddr = cfg.ListenAddr
	serverCfg.Mode = cfg.Mode
	serverCfg.WorkerPoolSize = cfg.WorkerPoolSize
	serverCfg.MaxConnections = cfg.MaxConnections
	serverCfg.ReadTimeout = cfg.ReadTimeout
	serverCfg.WriteTimeout = cfg.WriteTimeout

	server, err := ws.NewServer(serverCfg, func(c *ws.Connection, data []byte) {
		dispatcher.Dispatch(c, data)
	})
	if err != nil {
		log.Fatal().Str("module", "main").Err(err).Msg("create server")
	}
	server.SetOnConnect(func(c *ws.Connection) { gw.Welcome(c) })
	server.SetOnDisconnect(func(c *ws.Connection) { gw.Disconnect(c) })

	router := server.Router()
	router.GET("/stats", func(c *gin.Context) {
		st := gw.Stats()
		c.JSON(http.StatusOK, gin.H{
			"waiting":         st.Waiting,
			"active_sessions": st.ActiveSessions,
			"connections":     server.Connections().Count(),
		})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Str("module", "main").Msg("shutting down")
		n := registry.EndAll(protocol.ReasonShutdown)
		log.Info().Str("module", "main").Int("sessions", n).Msg("ended active sessions")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Str("module", "main").Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Str("module", "main").Msg("server stopped")
}
