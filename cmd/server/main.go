package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/redis/go-redis/v9"

	"relaychat/internal/api"
	"relaychat/internal/audit"
	"relaychat/internal/auth"
	"relaychat/internal/config"
	"relaychat/internal/directory"
	"relaychat/internal/logx"
	"relaychat/internal/middleware"
	"relaychat/internal/presence"
	"relaychat/internal/relay"
	"relaychat/internal/server"
	"relaychat/internal/storage"
	"relaychat/internal/store"
	"relaychat/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logx.Logger()
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	logx.Init(cfg.LogLevel, cfg.LogPretty)
	log := logx.Component("main").With().Str("server_id", cfg.ServerID).Logger()

	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Init(ctx, "relaychat")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create metrics")
	}

	db, err := storage.Connect(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	if err := storage.SeedUsers(db, cfg.SeedUsers, cfg.SeedPassword); err != nil {
		log.Fatal().Err(err).Msg("failed to seed users")
	}

	redisCfg := store.DefaultConfig()
	redisCfg.Addr = cfg.RedisAddr
	redisCfg.Password = cfg.RedisPassword
	redisCfg.DB = cfg.RedisDB
	rdb, err := store.Connect(ctx, redisCfg)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to redis")
	}
	keys := store.NewKeys(cfg.KeyPrefix)

	bus, err := newBus(cfg, rdb, keys)
	if err != nil {
		log.Fatal().Err(err).Str("bus", cfg.EventBus).Msg("failed to set up event bus")
	}

	presenceManager := presence.NewManager(rdb, keys, cfg.ServerID, cfg.PresenceTTL)
	dir := directory.NewDirectoryService(rdb, keys, cfg.ServerID)

	connLimiter := middleware.NewIPRateLimiter(middleware.RateLimitConfig{
		EventsPerSecond: float64(cfg.ConnRate),
		BurstSize:       cfg.ConnBurst,
	})

	srv := server.New(server.Deps{
		Presence:    presenceManager,
		Directory:   dir,
		Bus:         bus,
		Credentials: auth.NewAuthService(db),
		Audit:       audit.NewAuditService(db, cfg.ServerID),
		Metrics:     metrics,
	}, server.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdleTimeout:       cfg.IdleTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		DeliveryTimeout:   cfg.DeliveryTimeout,
		Limiter:           connLimiter,
	})

	var tlsConfig *tls.Config
	if cfg.TLSEnabled() {
		if tlsConfig, err = server.LoadTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile); err != nil {
			log.Fatal().Err(err).Msg("failed to load TLS certificate")
		}
	}
	ln, err := server.Listen(cfg.ListenAddr, tlsConfig)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.ListenAddr).Msg("failed to listen")
	}

	go func() {
		if err := srv.Run(ctx, ln); err != nil {
			log.Fatal().Err(err).Msg("chat server stopped")
		}
	}()

	var httpServer *http.Server
	var loginLimiter *middleware.IPRateLimiter
	if cfg.HTTPAddr != "" {
		loginLimiter = middleware.NewIPRateLimiter(middleware.LoginRateLimit)
		router := api.NewRouter(api.RouterConfig{
			DB:           db,
			Secret:       cfg.JWTSecret,
			ServerID:     cfg.ServerID,
			Rooms:        dir,
			Users:        presenceManager,
			Conns:        srv,
			LoginLimiter: loginLimiter,
		})
		httpServer = api.NewHTTPServer(cfg.HTTPAddr, api.NewEngine(router))

		go func() {
			log.Info().Str("addr", cfg.HTTPAddr).Msg("admin API listening")
			var err error
			if tlsConfig != nil {
				httpServer.TLSConfig = tlsConfig
				err = httpServer.ListenAndServeTLS("", "")
			} else {
				err = httpServer.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("admin API stopped")
			}
		}()
	}

	log.Info().
		Str("addr", cfg.ListenAddr).
		Bool("tls", cfg.TLSEnabled()).
		Str("bus", cfg.EventBus).
		Msg("relaychat started, press Ctrl+C to shut down")

	wait := gfshutdown.GracefulShutdown(ctx, cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"relaychat": func(ctx context.Context) error {
			log.Info().Msg("graceful shutdown initiated")

			var errs []error
			if httpServer != nil {
				errs = append(errs, httpServer.Shutdown(ctx))
				loginLimiter.Stop()
			}
			// Connections release their leases on the way out, so the
			// store must outlive the chat server.
			errs = append(errs, srv.Shutdown(ctx))
			connLimiter.Stop()
			errs = append(errs,
				bus.Close(),
				rdb.Close(),
				storage.Close(db),
				shutdownTelemetry(ctx),
			)
			return errors.Join(errs...)
		},
	})

	exitCode := <-wait
	log.Info().Int("code", exitCode).Msg("relaychat exited")
	os.Exit(exitCode)
}

func newBus(cfg *config.Config, rdb *redis.Client, keys store.Keys) (relay.Bus, error) {
	if cfg.EventBus == config.BusNATS {
		nc, err := relay.ConnectNATS(cfg.NATSURL, "relaychat-"+cfg.ServerID)
		if err != nil {
			return nil, err
		}
		return relay.NewNATSBus(nc), nil
	}
	return relay.NewRedisBus(rdb, keys), nil
}
