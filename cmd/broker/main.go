// Command broker wires together the reversal detection engine, the agent
// broker, and the read-only admin API into one process, grounded on the
// teacher's root main.go initialization order: config -> logging -> storage
// -> ambient services -> domain services -> the API server -> signal-driven
// graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/reversalpro/broker/config"
	"github.com/reversalpro/broker/internal/api"
	"github.com/reversalpro/broker/internal/auth"
	"github.com/reversalpro/broker/internal/cache"
	"github.com/reversalpro/broker/internal/circuit"
	"github.com/reversalpro/broker/internal/evaluator"
	"github.com/reversalpro/broker/internal/events"
	"github.com/reversalpro/broker/internal/exchange"
	"github.com/reversalpro/broker/internal/fetch"
	"github.com/reversalpro/broker/internal/logging"
	"github.com/reversalpro/broker/internal/orchestrator"
	"github.com/reversalpro/broker/internal/position"
	"github.com/reversalpro/broker/internal/risk"
	"github.com/reversalpro/broker/internal/store"
	"github.com/reversalpro/broker/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:       cfg.Logging.Level,
		Output:      cfg.Logging.Output,
		JSONFormat:  cfg.Logging.JSONFormat,
		IncludeFile: cfg.Logging.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("structured logging initialized")

	// internal/cache, internal/position and internal/api were ported with
	// zerolog (the pack's more common structured logger) rather than the
	// teacher's own internal/logging package; both are wired here so each
	// package gets the logger shape it was built against.
	zlog := zerolog.New(os.Stdout).With().Timestamp().Str("component", "broker").Logger()
	if !cfg.Logging.JSONFormat {
		zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		log.Fatalf("AUTH_ENABLED is true but AUTH_JWT_SECRET is not set")
	}

	dbCfg, err := parseDatabaseURL(cfg.Database.URL)
	if err != nil {
		log.Fatalf("failed to parse DATABASE_URL: %v", err)
	}

	db, err := store.NewDB(dbCfg)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	logger.Info("database migrations complete")

	dataStore := store.NewStore(db)

	cacheSvc := cache.NewService(cache.Config{
		Enabled:  cfg.Redis.Enabled,
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, zlog)
	logger.WithField("enabled", cfg.Redis.Enabled).Info("cache service initialized")

	vaultClient, err := vault.NewClient(cfg.Vault)
	if err != nil {
		log.Fatalf("failed to initialize vault client: %v", err)
	}
	logger.WithField("enabled", cfg.Vault.Enabled).Info("vault client initialized")

	bus := events.NewEventBus()
	breaker := circuit.New(circuit.DefaultConfig(), bus)

	rateBaseURL := cfg.Exchange.BaseURLLive
	if cfg.Exchange.Testnet {
		rateBaseURL = cfg.Exchange.BaseURLTestnet
	}
	rateSource := exchange.NewHTTPRateSource(rateBaseURL, "EURUSDT")
	converter := exchange.NewConverter(cacheSvc, rateSource)

	var adapter exchange.Adapter
	switch cfg.Exchange.DefaultMode {
	case "live":
		adapter = exchange.NewLiveAdapter(rateBaseURL, converter)
	default:
		adapter = exchange.NewPaperAdapter(converter)
	}
	adapter = exchange.NewGuarded(adapter, breaker)
	logger.WithField("mode", cfg.Exchange.DefaultMode).Info("exchange adapter initialized")

	riskMgr := risk.NewManager()
	eval := evaluator.New(dataStore)
	posMgr := position.New(dataStore, adapter, riskMgr, bus, zlog)

	fetchBaseURL := cfg.Exchange.BaseURLLive
	if cfg.Exchange.Testnet {
		fetchBaseURL = cfg.Exchange.BaseURLTestnet
	}
	fetcher := fetch.NewRESTFetcher(fetchBaseURL)

	agent := orchestrator.New(
		dataStore, eval, riskMgr, posMgr, adapter, cacheSvc, fetcher, vaultClient,
		cfg.Engine, cfg.Orchestrator.AnalysisBarLimit, cfg.Orchestrator.WhipsawCooldownSeconds,
	)

	instanceID := cfg.Orchestrator.InstanceID
	if instanceID == "" {
		instanceID = fmt.Sprintf("broker-%d", os.Getpid())
	}
	leader := cache.NewLeaderElection(cacheSvc, instanceID)
	scheduler := orchestrator.NewScheduler(agent, dataStore, cfg.Orchestrator.SweepInterval, 10)
	pipeline := orchestrator.NewPipelineScheduler(scheduler, leader, cacheSvc)

	if err := pipeline.Start(); err != nil {
		log.Fatalf("failed to start pipeline scheduler: %v", err)
	}
	logger.WithField("instance_id", instanceID).Info("pipeline scheduler started")

	var authManager *auth.Manager
	if cfg.Auth.Enabled {
		authManager = auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenDuration)
		if token, err := authManager.GenerateToken("admin"); err == nil {
			logger.Info("admin bearer token issued, store it now: it is not persisted")
			fmt.Fprintf(os.Stderr, "admin bearer token: %s\n", token)
		} else {
			logger.WithError(err).Warn("failed to issue admin bearer token")
		}
	} else {
		logger.Warn("AUTH_ENABLED is false, admin API routes are open")
	}

	server := api.NewServer(api.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, dataStore, authManager, zlog)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("failed to start admin API: %v", err)
		}
	}()
	logger.WithField("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).Info("admin API listening")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("error shutting down admin API")
	}
	if err := pipeline.Stop(); err != nil {
		logger.WithError(err).Warn("error stopping pipeline scheduler")
	}

	logger.Info("shutdown complete")
}

// parseDatabaseURL turns config.DatabaseConfig's single DSN (postgres://
// user:pass@host:port/db?sslmode=...) into store.Config's structured fields,
// since store.NewDB builds its own pgx DSN from parts rather than accepting
// one directly.
func parseDatabaseURL(raw string) (store.Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return store.Config{}, fmt.Errorf("invalid database url: %w", err)
	}

	host := u.Hostname()
	port := 5432
	if p := u.Port(); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil {
			port = parsed
		}
	}

	user := ""
	password := ""
	if u.User != nil {
		user = u.User.Username()
		password, _ = u.User.Password()
	}

	database := ""
	if len(u.Path) > 1 {
		database = u.Path[1:]
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return store.Config{
		Host:     host,
		Port:     port,
		User:     user,
		Password: password,
		Database: database,
		SSLMode:  sslMode,
	}, nil
}
