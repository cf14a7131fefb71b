package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatstream/internal/api"
	"chatstream/internal/auth"
	"chatstream/internal/config"
	"chatstream/internal/logger"
	"chatstream/internal/mail"
	"chatstream/internal/metrics"
	"chatstream/internal/redis"
	"chatstream/internal/service/ai"
	"chatstream/internal/service/assistant"
	"chatstream/internal/service/chat"
	"chatstream/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
)

const (
	devJWTSecret    = "chatstream-dev-secret-do-not-use"
	shutdownTimeout = 15 * time.Second
)

type rootOptions struct {
	configPath string
	dev        bool
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	serve := func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context(), opts)
	}
	root := &cobra.Command{
		Use:          "chatstream",
		Short:        "Streaming AI chat backend",
		SilenceUsage: true,
		RunE:         serve,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("CHATSTREAM_CONFIG"), "path to the JSON config file (default config.json)")
	root.PersistentFlags().BoolVar(&opts.dev, "dev", false, "development mode: pretty logs, insecure cookies, built-in jwt secret")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE:  serve,
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context(), opts)
		},
	})
	return root
}

func loadConfig(ctx context.Context, opts *rootOptions) (*config.Config, error) {
	lookuper := envconfig.OsLookuper()
	if opts.dev {
		lookuper = envconfig.MultiLookuper(
			envconfig.MapLookuper(map[string]string{"CHATSTREAM_DEV": "true"}),
			lookuper,
		)
	}
	cfg, err := config.LoadWith(ctx, opts.configPath, lookuper)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logger.New(logger.Options{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty || cfg.BasicConfig.Dev,
	})
}

func runMigrate(ctx context.Context, opts *rootOptions) error {
	cfg, err := loadConfig(ctx, opts)
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	dbType := cfg.BasicConfig.DBType

	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	applied, err := storage.Migrate(ctx, db, dbType)
	if err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	version, err := storage.MigrationVersion(ctx, db, dbType)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	log.Info().Str("db_type", dbType).Int("applied", applied).Int64("version", version).Msg("migrations complete")
	return nil
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, err := loadConfig(ctx, opts)
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	dev := cfg.BasicConfig.Dev
	if !dev {
		gin.SetMode(gin.ReleaseMode)
	}

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		log.Warn().Msg("no jwt_secret configured, using the development secret")
		secret = devJWTSecret
	}

	dbType := cfg.BasicConfig.DBType
	log.Info().Str("db_type", dbType).Msg("opening database")
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	applied, err := storage.Migrate(ctx, db, dbType)
	if err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	log.Info().Int("applied", applied).Msg("database migrated")

	var (
		rdb     *redis.Client
		revoker auth.Revoker
	)
	if cfg.Redis.Enabled() {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
		revoker = auth.NewRedisRevoker(rdb)
		log.Info().Str("host", cfg.Redis.Host).Msg("redis connected")
	} else {
		log.Warn().Msg("redis not configured, logout will not revoke tokens")
	}

	provider, err := ai.New(ctx, cfg.Chat.Provider, cfg.Provider())
	if err != nil {
		return fmt.Errorf("init provider: %w", err)
	}
	streamTimeout := time.Duration(cfg.Chat.StreamTimeoutSeconds) * time.Second
	locker, err := chat.NewLocker(cfg.Chat.TurnLock, rdb, streamTimeout+time.Minute)
	if err != nil {
		return fmt.Errorf("init turn lock: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	assistantService := assistant.NewService(
		db,
		auth.NewHasher(cfg.Auth.BcryptCost),
		mail.NewLogMailer(log),
		time.Duration(cfg.Auth.ActivationTTLHours)*time.Hour,
		log,
	)
	authService := auth.NewService(secret, cfg.Auth.Issuer, time.Duration(cfg.Auth.TokenTTLHours)*time.Hour, revoker)
	orchestrator := chat.NewOrchestrator(assistantService, provider, locker, m, streamTimeout, log)

	readyChecks := map[string]api.ReadyCheck{"database": assistantService.Ping}
	if rdb != nil {
		readyChecks["redis"] = rdb.Ping
	}
	handler := api.NewHandler(assistantService, authService, orchestrator, api.Options{
		Metrics:       m,
		Gatherer:      reg,
		Log:           log,
		SecureCookies: !dev,
		StaticDir:     cfg.BasicConfig.StaticDir,
		ReadyChecks:   readyChecks,
	})

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("provider", provider.Name()).
			Str("turn_lock", cfg.Chat.TurnLock).
			Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}
