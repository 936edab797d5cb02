package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"filevault/internal/audit"
	"filevault/internal/auth"
	"filevault/internal/config"
	"filevault/internal/handler"
	"filevault/internal/logger"
	"filevault/internal/repository"
	"filevault/internal/service"
	"filevault/internal/service/blobfs"
	"filevault/internal/service/s3"
)

const serviceName = "filevault"

func connectWithRetry(cfg *config.DatabaseConfig, maxAttempts int, delay time.Duration, logger *zap.SugaredLogger) (*sqlx.DB, error) {
	// Сначала подключаемся к базе postgres (системная база, которая всегда существует)
	dsn := cfg.GetDSN()
	pgDSN := strings.Replace(dsn, "dbname="+cfg.Name, "dbname=postgres", 1)
	pgDB, err := sqlx.Connect("postgres", pgDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres database: %w", err)
	}
	defer pgDB.Close()

	// Проверяем, существует ли рабочая база
	var exists bool
	err = pgDB.Get(&exists, "SELECT EXISTS(SELECT datname FROM pg_catalog.pg_database WHERE datname = $1)", cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to check database existence: %w", err)
	}

	// Если базы нет, создаем её
	if !exists {
		logger.Infow("database does not exist, creating", "name", cfg.Name)
		_, err = pgDB.Exec(fmt.Sprintf("CREATE DATABASE %q", cfg.Name))
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	var db *sqlx.DB
	for i := 0; i < maxAttempts; i++ {
		db, err = sqlx.Connect("postgres", dsn)
		if err == nil {
			return db, nil
		}

		logger.Warnw("failed to connect to database", "attempt", i+1, "max_attempts", maxAttempts, "error", err)
		time.Sleep(delay)
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxAttempts, err)
}

func runMigrations(cfg *config.DatabaseConfig, logger *zap.SugaredLogger) error {
	var m *migrate.Migrate
	var err error

	for i := 0; i < 5; i++ {
		m, err = migrate.New("file://"+cfg.MigrationsPath, cfg.MigrationURL())
		if err == nil {
			break
		}
		logger.Warnw("failed to create migrate instance", "attempt", i+1, "error", err)
		time.Sleep(time.Second * 5)
	}

	if err != nil {
		return fmt.Errorf("failed to create migrate instance after retries: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if dirty {
		logger.Warnw("found dirty database state, forcing version", "version", version)
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// openMetadataStore возвращает хранилище метаданных и функцию его закрытия
func openMetadataStore(cfg *config.Config, logger *zap.SugaredLogger) (service.MetadataStore, func() error, error) {
	switch cfg.Storage.MetadataBackend {
	case config.BackendBolt:
		repo, err := repository.NewBoltRepository(cfg.Storage.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	default:
		db, err := connectWithRetry(&cfg.Database, 5, time.Second*5, logger)
		if err != nil {
			return nil, nil, err
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}

		if err := runMigrations(&cfg.Database, logger); err != nil {
			db.Close()
			return nil, nil, err
		}

		return repository.NewFileVersionRepository(db), db.Close, nil
	}
}

func openBlobStore(cfg *config.Config) (service.BlobStore, error) {
	switch cfg.Storage.BlobBackend {
	case config.BackendFS:
		return blobfs.NewFSStore(cfg.Storage.BlobDir)
	default:
		s3Config, err := s3.NewConfig(".s3.env")
		if err != nil {
			return nil, fmt.Errorf("failed to load S3 config: %w", err)
		}
		return s3.NewClient(s3Config)
	}
}

func main() {
	// Загружаем конфигурации
	appConfig, err := config.NewConfig(".app.env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger, err := logger.New(serviceName, appConfig.Log.Level, appConfig.Log.Development)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLogger.Sync()

	if err := run(appConfig, appLogger); err != nil {
		appLogger.Errorw("server stopped with error", "error", err)
		appLogger.Sync()
		os.Exit(1)
	}
}

func run(appConfig *config.Config, logger *zap.SugaredLogger) error {
	authConfig, err := auth.NewConfig(".auth.env")
	if err != nil {
		return fmt.Errorf("failed to load auth config: %w", err)
	}

	meta, closeMeta, err := openMetadataStore(appConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() {
		if err := closeMeta(); err != nil {
			logger.Warnw("error closing metadata store", "error", err)
		}
	}()

	blobs, err := openBlobStore(appConfig)
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}

	// Метрики и аудит
	registry := prometheus.NewRegistry()
	sink := audit.NewSink(logger.Named("audit"))
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		sink,
	)

	engine := service.NewFileVersionService(meta, blobs, service.Options{
		MaxUploadSize:  appConfig.Storage.MaxUploadSize,
		VerifyOnRead:   appConfig.Storage.VerifyOnRead,
		VersionRetries: appConfig.Storage.VersionRetries,
	}, sink, logger.Named("engine"))

	fileHandler := handler.NewFileHandler(engine, appConfig.Storage.GCGrace, logger.Named("http"))

	// Настройка HTTP роутера
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", authConfig.OwnerHeader, authConfig.AdminHeader},
		ExposedHeaders:   []string{"Content-Disposition", "X-File-Version", "X-Content-SHA256"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(authConfig))
		fileHandler.Routes(r)
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", appConfig.Server.Port),
		Handler: r,
	}

	// gRPC сервер отдает только состояние здоровья
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%s", appConfig.Server.GRPCPort))
		if err != nil {
			return fmt.Errorf("failed to listen for gRPC: %w", err)
		}
		logger.Infow("starting gRPC server", "port", appConfig.Server.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("failed to serve gRPC: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Infow("starting HTTP server", "port", appConfig.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	// Периодическая сборка мусора
	if appConfig.Storage.GCInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(appConfig.Storage.GCInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if _, err := engine.CollectGarbage(gctx, appConfig.Storage.GCGrace); err != nil {
						logger.Warnw("error during garbage collection", "error", err)
					}
				case <-gctx.Done():
					return nil
				}
			}
		})
	}

	// Ожидаем сигнал завершения или падение одного из серверов
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down servers")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("HTTP server forced to shutdown", "error", err)
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("server exited properly")
	return nil
}
