package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/crowsnest-security/crowsnest/internal/config"
	"github.com/crowsnest-security/crowsnest/internal/correlation"
	"github.com/crowsnest-security/crowsnest/internal/logging"
	"github.com/crowsnest-security/crowsnest/internal/notify"
	"github.com/crowsnest-security/crowsnest/internal/pipeline"
	"github.com/crowsnest-security/crowsnest/internal/rules"
	"github.com/crowsnest-security/crowsnest/internal/scoring"
	"github.com/crowsnest-security/crowsnest/internal/server"
	"github.com/crowsnest-security/crowsnest/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collection and detection service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cfg *config.Config) error {
	log := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(log)

	engine, err := rules.Load(cfg.Rules.Path, log)
	if err != nil {
		return fmt.Errorf("compile rules: %w", err)
	}

	tracker := correlation.NewTracker(correlation.Config{
		Threshold: cfg.Correlation.Threshold,
		Window:    cfg.Correlation.Window,
		Cooldown:  cfg.Correlation.Cooldown,
	}, log)

	var predictor scoring.Predictor
	if cfg.ML.Enabled {
		predictor = scoring.NewHTTPPredictor(cfg.ML.URL)
		log.Info("ml scoring enabled", "url", cfg.ML.URL)
	}
	scorer := scoring.NewScorer(predictor, cfg.ML.Timeout, log)

	opts := []pipeline.Option{}

	if cfg.Postgres.Enabled {
		log.Info("running database migrations")
		if err := storage.Migrate(cfg.Postgres.URL); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pgStore, err := storage.NewPostgresStore(ctx, cfg.Postgres.URL)
		cancel()
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pgStore.Close()
		opts = append(opts, pipeline.WithAlertStore(pgStore))
	}

	if cfg.OpenSearch.Enabled {
		osStore, err := storage.NewOpenSearchStore(storage.OpenSearchConfig{
			URL:           cfg.OpenSearch.URL,
			Username:      cfg.OpenSearch.Username,
			Password:      cfg.OpenSearch.Password,
			Insecure:      cfg.OpenSearch.Insecure,
			IndexPrefix:   cfg.OpenSearch.IndexPrefix,
			SigningSecret: cfg.OpenSearch.SigningSecret,
		})
		if err != nil {
			return fmt.Errorf("connect opensearch: %w", err)
		}
		opts = append(opts, pipeline.WithEventStore(osStore))
	}

	if cfg.NATS.Enabled {
		pub, err := notify.NewNATSPublisher(notify.NATSConfig{
			URL:           cfg.NATS.URL,
			Name:          "crowsnest",
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		}, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer pub.Close()

		var suppressor *notify.Suppressor
		if cfg.Redis.Enabled {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer rdb.Close()
			suppressor = notify.NewSuppressor(rdb, cfg.Correlation.Cooldown)
		}

		opts = append(opts, pipeline.WithNotifier(notify.New(pub, suppressor, log)))
	}

	pipe := pipeline.New(engine, tracker, scorer, log, opts...)

	handler := server.NewHandler(pipe, log, nil)
	validator := server.NewTokenValidator(cfg.Server.AuthSecret)
	router := server.NewRouter(handler, validator)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("crowsnest listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}
