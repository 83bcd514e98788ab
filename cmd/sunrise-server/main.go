package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/providentiaww/sunrise/internal/alarm"
	"github.com/providentiaww/sunrise/internal/api"
	"github.com/providentiaww/sunrise/internal/config"
	"github.com/providentiaww/sunrise/internal/events"
	"github.com/providentiaww/sunrise/internal/fitbit"
	"github.com/providentiaww/sunrise/internal/oauth"
	"github.com/providentiaww/sunrise/internal/sleep"
	"github.com/providentiaww/sunrise/internal/storage"
)

const ServiceVersion = "v1.0.0"

func main() {
	config.LoadEnv(".env")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	logger.Info("starting sunrise server", zap.String("version", ServiceVersion), zap.String("env", cfg.Environment))

	repo, err := storage.Open(cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer repo.Close()

	credentials, err := openCredentialStore(cfg)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}
	defer credentials.Close()

	manager := oauth.NewManager(cfg.OAuth, credentials, logger.Named("oauth"))
	provider := fitbit.NewClient(manager, logger.Named("fitbit"),
		fitbit.WithHTTPClient(&http.Client{Timeout: cfg.Tunables.ProviderTimeout}),
		fitbit.WithCache(cfg.Tunables.CacheSize, cfg.Tunables.CacheTTL),
	)

	alarmOpts := []alarm.ServiceOption{
		alarm.WithLimit(cfg.Tunables.AlarmLimit),
		alarm.WithFreshWindow(cfg.Tunables.FreshWindow),
	}
	if cfg.AMQPURL != "" {
		publisher, err := events.Dial(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		defer publisher.Close()
		alarmOpts = append(alarmOpts, alarm.WithPublisher(publisher))
		logger.Info("publishing alarm events", zap.String("exchange", cfg.AMQPExchange))
	}
	alarms := alarm.NewService(repo, provider.FetchLiveStage, logger.Named("alarm"), alarmOpts...)

	sleepSvc := sleep.NewService(repo, repo, provider, cfg.SoundsDir, logger.Named("sleep"),
		sleep.WithRetry(cfg.Tunables.SyncRetryAttempts, cfg.Tunables.SyncRetryDelay),
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewServer(manager, sleepSvc, alarms, cfg.SoundsDir, logger.Named("http"),
		api.WithHealthCheck("storage", repo),
		api.WithHealthCheck("credentials", credentials),
	).Router()
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// credentialBackend is a credential store the health check can ping
type credentialBackend interface {
	oauth.CredentialStore
	Ping() error
	Close() error
}

// openCredentialStore keeps tokens in Postgres (and PKCE sessions in Redis
// when configured) if a database is set, else in a file under DATA_DIR.
func openCredentialStore(cfg config.Config) (credentialBackend, error) {
	if cfg.DatabaseURL != "" {
		store, err := oauth.NewStoreFromEnv()
		if err != nil {
			return nil, err
		}
		return store, nil
	}

	path := filepath.Join(cfg.DataDir, "credentials.json")
	store, err := storage.NewFileCredentialStore(path, cfg.TokenEncryptionKey, cfg.OAuth.PKCESessionTTL)
	if err != nil {
		return nil, err
	}
	return store, nil
}
