package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hannamed/ma-api/internal/agent"
	"github.com/hannamed/ma-api/internal/agent/tools"
	"github.com/hannamed/ma-api/internal/config"
	"github.com/hannamed/ma-api/internal/domain/chat"
	"github.com/hannamed/ma-api/internal/domain/doctor"
	"github.com/hannamed/ma-api/internal/domain/patient"
	"github.com/hannamed/ma-api/internal/domain/rpa"
	"github.com/hannamed/ma-api/internal/gateway"
	"github.com/hannamed/ma-api/internal/platform/auth"
	"github.com/hannamed/ma-api/internal/platform/bus"
	"github.com/hannamed/ma-api/internal/platform/db"
	"github.com/hannamed/ma-api/internal/platform/hipaa"
	"github.com/hannamed/ma-api/internal/platform/llm"
	"github.com/hannamed/ma-api/internal/platform/middleware"
	"github.com/hannamed/ma-api/internal/platform/telemetry"
	"github.com/hannamed/ma-api/internal/platform/websocket"
	"github.com/hannamed/ma-api/migrations"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ma-server",
		Short: "Physician medical assistant API server",
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	return rootCmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationSource returns the embedded migrations unless dir overrides them.
func migrationSource(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator, schema string) error) error {
		schema, _ := cmd.Flags().GetString("schema")
		dir, _ := cmd.Flags().GetString("dir")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx := context.Background()
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:             cfg.DatabaseURL,
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			ApplicationName: "ma-server-migrate",
		})
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, migrationSource(dir)), schema)
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("Migration status for schema: %s\n", schema)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.Modified {
							status = "modified"
						}
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "public", "Target schema for migrations")
		c.Flags().String("dir", "", "Override the embedded migrations with a directory")
		cmd.AddCommand(c)
	}
	return cmd
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Telemetry
	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:      cfg.OTelEnabled,
		Version:      version,
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTelEndpoint,
		OTLPInsecure: cfg.OTelInsecure,
		SampleRatio:  cfg.OTelSampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize tracing")
	}
	metrics := telemetry.NewMetrics()

	// Database
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "ma-server",
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// PHI protection
	key, err := cfg.EncryptionKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid encryption key")
	}
	cipher, err := hipaa.NewFieldCipher(key)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create field cipher")
	}
	if !cipher.Enabled() {
		logger.Warn().Msg("HIPAA_ENCRYPTION_KEY is not set; raw clinical data is stored in plaintext")
	}
	access := hipaa.NewAccessLogger(logger)

	// Fan-out bus and turn lock: Redis when configured, in-process otherwise.
	deps := map[string]db.Pinger{"postgres": pool}
	var (
		roomBus  bus.Bus
		turnLock chat.TurnLock
	)
	if cfg.RedisURL != "" {
		rdb, err := bus.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		redisBus := bus.NewRedisBus(rdb, logger)
		roomBus = redisBus
		turnLock = chat.NewRedisTurnLock(rdb, cfg.TurnLockTTL)
		deps["redis"] = redisBus
		logger.Info().Msg("connected to redis")
	} else {
		roomBus = bus.NewLocalBus()
		turnLock = chat.NewMemoryTurnLock()
	}
	defer roomBus.Close()

	// Model
	model, err := llm.NewModel(llm.Config{
		APIKey:  cfg.OpenAIAPIKey,
		Model:   cfg.OpenAIModel,
		BaseURL: cfg.OpenAIBaseURL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create language model")
	}

	// Domain services
	txRunner := db.Transactor(pool)
	doctors := doctor.NewDirectoryPG(pool)
	patientSvc := patient.NewService(patient.NewPatientRepoPG(pool), patient.NewRawDataRepoPG(pool), cipher).WithTx(txRunner)
	router := agent.NewRouter(model, tools.NewDefaultRegistry(patientSvc, access, cfg.Location()), agent.Options{
		MaxRounds:   cfg.AgentMaxRounds,
		Temperature: cfg.LLMTemperature,
		Location:    cfg.Location(),
		Logger:      logger,
		Metrics:     metrics,
	})
	chatSvc := chat.NewService(chat.NewSessionRepoPG(pool), chat.NewMessageRepoPG(pool), doctors, router, chat.Options{
		HistoryLimit: cfg.ChatHistoryLimit,
		TurnLock:     turnLock,
		Logger:       logger,
	})
	rpaSvc := rpa.NewService(rpa.NewNodeRepoPG(pool), rpa.NewErrorReportRepoPG(pool), doctors, patientSvc, logger).
		WithMetrics(metrics).
		WithTx(txRunner)

	verifier := auth.NewVerifier(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
	gw := gateway.New(websocket.NewHub(), roomBus, verifier, doctors, chatSvc, gateway.NewMemoryRegistry(), gateway.Options{
		Origins: cfg.CORSOrigins,
		Logger:  logger,
		Metrics: metrics,
	})
	if err := gw.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start event bus")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(telemetry.TracingMiddleware())
	e.Use(metrics.Middleware())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", rpa.TokenHeader},
	}))

	e.GET("/health", db.LivenessHandler(version))
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/health/deps", db.DependencyHandler(deps))
	e.GET("/metrics", metrics.Handler())

	gw.RegisterRoutes(e)

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1", auth.JWTMiddleware(verifier), middleware.RateLimit(rateLimitCfg))
	chat.NewHandler(chatSvc).RegisterRoutes(apiV1)

	rpaGroup := e.Group("/rpa", rpa.RequireNodeToken(cfg.RPANodeToken))
	rpa.NewHandler(rpaSvc).RegisterRoutes(rpaGroup)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	// In-flight turns finish and persist before the pool closes.
	gw.Wait()
	chatSvc.Wait()
	stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to flush traces")
	}

	logger.Info().Msg("server stopped")
	return nil
}
