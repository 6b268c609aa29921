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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/untibullet/session-hub/internal/ai"
	"github.com/untibullet/session-hub/internal/config"
	"github.com/untibullet/session-hub/internal/handlers"
	"github.com/untibullet/session-hub/internal/hub"
	"github.com/untibullet/session-hub/internal/repository"
	"github.com/untibullet/session-hub/internal/router"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "sessionhub",
		Short: "Session hub for collaborative coding sessions",
		Long: `sessionhub keeps the shared state of collaborative coding sessions
(members, tasks, reviews) and pushes every change to the connected participants.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ./config.yaml)")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	// Загрузка конфигурации
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Инициализация логгера
	logger, err := initLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting session hub",
		zap.String("server_address", cfg.Server.GetAddress()),
		zap.String("database_driver", cfg.Database.Driver))

	// Подключение к хранилищу
	store, err := openStore(context.Background(), cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open store", zap.Error(err))
		return err
	}
	defer store.Close()

	logger.Info("database connection established")

	if cfg.Database.AutoMigrate {
		if err := store.Migrate(context.Background()); err != nil {
			logger.Error("failed to apply schema", zap.Error(err))
			return err
		}
		logger.Info("database schema is up to date")
	}

	// после перезапуска живых соединений нет, статусы из прошлого запуска недействительны
	if n, err := store.ResetPresence(context.Background()); err != nil {
		logger.Error("failed to reset presence", zap.Error(err))
		return err
	} else if n > 0 {
		logger.Info("stale online members marked offline", zap.Int64("count", n))
	}

	// Реестр соединений и маршрутизатор сообщений
	sessions := hub.New(cfg.Session.QueueCapacity, logger.Named("hub"))
	analyzer := ai.NewClient(cfg.AI.URL, cfg.AI.Timeout, logger.Named("ai"))
	r := router.New(store, sessions, analyzer, logger.Named("router"), router.Options{
		StoreTimeout: cfg.Session.StoreTimeout,
	})

	// Инициализация обработчиков
	handler := handlers.New(r, logger, handlers.WSOptions{
		SendBuffer:      cfg.Session.SendBuffer,
		WriteTimeout:    cfg.Session.WriteTimeout,
		PongTimeout:     cfg.Session.PongTimeout,
		MaxMessageBytes: cfg.Session.MaxMessageBytes,
	})

	// Настройка Echo сервера
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error == nil {
				logger.Info("request",
					zap.String("method", c.Request().Method),
					zap.String("uri", v.URI),
					zap.Int("status", v.Status),
				)
			} else {
				logger.Error("request error",
					zap.String("method", c.Request().Method),
					zap.String("uri", v.URI),
					zap.Int("status", v.Status),
					zap.Error(v.Error),
				)
			}
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Регистрация роутов
	handler.RegisterRoutes(e)

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Запуск сервера в горутине
	serverErr := make(chan error, 1)
	go func() {
		addr := cfg.Server.GetAddress()
		logger.Info("server listening", zap.String("address", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Ожидание сигнала завершения
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.Error("server start failed", zap.Error(err))
		return err
	}
	logger.Info("shutting down server gracefully")

	// Таймаут для graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	// соединения после upgrade сервер не отслеживает, закрываем их сами
	if err := r.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to release sessions", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

// openStore открывает хранилище выбранного драйвера
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (repository.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return repository.NewPostgres(pool), nil
	case config.DriverSQLite:
		logger.Info("using sqlite store", zap.String("path", cfg.Path))
		store, err := repository.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// initLogger инициализирует zap логгер на основе конфигурации
func initLogger(cfg config.LoggerConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

// initDatabase инициализирует пул подключений к PostgreSQL
func initDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Настройки пула
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	logger.Info("connecting to postgres",
		zap.String("host", cfg.Host), zap.String("port", cfg.Port), zap.String("database", cfg.Name))

	// Создание пула
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Проверка подключения
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
