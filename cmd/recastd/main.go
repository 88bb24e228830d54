// Command recastd runs the Recast HTTP API and the WebSocket session
// hub. Configuration merges defaults, an optional YAML file, .env and
// RECAST_-prefixed environment variables; see the config package.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/recasthq/recast/api"
	"github.com/recasthq/recast/audit"
	"github.com/recasthq/recast/auth"
	"github.com/recasthq/recast/bus"
	"github.com/recasthq/recast/common"
	"github.com/recasthq/recast/config"
	"github.com/recasthq/recast/db"
	"github.com/recasthq/recast/db/repository"
	"github.com/recasthq/recast/hub"
	"github.com/recasthq/recast/provider"
	"github.com/recasthq/recast/queue"
	"github.com/recasthq/recast/service"
	"github.com/recasthq/recast/storage"
	"github.com/recasthq/recast/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "recastd",
	Short:         "Recast API server and realtime hub",
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ./config.yaml, ./configs/config.yaml, /etc/recast/config.yaml)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		common.Logger.WithError(err).Error("recastd failed")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	common.ConfigureLogger(cfg.Log.Level, cfg.Log.Format)
	logger := common.Logger.WithField("component", "recastd")
	logger.WithFields(logrus.Fields{
		"version": version.String(),
		"go":      version.GoVersion(),
	}).Info("starting")

	// The API tier owns the schema; workers assume it exists.
	gdb, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.Migrate(gdb); err != nil {
		return err
	}

	opts, err := redis.ParseURL(cfg.Broker.URL)
	if err != nil {
		return fmt.Errorf("parse broker url: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	instanceID := cfg.Server.InstanceID
	if instanceID == "" {
		instanceID = "recastd-" + uuid.NewString()[:8]
	}
	eventBus := bus.New(rdb, instanceID)

	var auditor audit.Publisher = audit.NopPublisher{}
	if cfg.Audit.Enabled {
		pub, err := audit.NewAMQPPublisher(cfg.Audit.URL, cfg.Audit.Exchange)
		if err != nil {
			return fmt.Errorf("connect audit broker: %w", err)
		}
		defer pub.Close()
		auditor = pub
	}

	blobs, err := storage.NewS3Store(ctx, cfg.Blob)
	if err != nil {
		return err
	}

	repo := repository.NewRepository(gdb)
	identities := repository.NewIdentityRepository(gdb)
	sessions := repository.NewSessionRepository(gdb)
	taskRows := repository.NewTaskRepository(gdb)

	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.AccessTTL)
	authsvc := auth.NewService(identities, sessions, tokens,
		auth.NewHasher(cfg.Auth.BcryptCost), cfg.Auth.RefreshTTL, auditor)
	limiter := auth.NewRateLimiter(rdb, cfg.RateLimits.Window, map[string]int{
		auth.BucketAuth:            cfg.RateLimits.Auth,
		auth.BucketTransformations: cfg.RateLimits.Transformations,
		auth.BucketAPI:             cfg.RateLimits.API,
	})

	tasks := queue.New(taskRows, rdb, queue.Config{
		ClaimLease:  cfg.Worker.ClaimLease,
		MaxAttempts: cfg.Worker.MaxAttempts,
		BackoffBase: cfg.Worker.BackoffBase,
		BackoffCap:  cfg.Worker.BackoffCap,
	})

	// Providers never run here; the registry serves the admin status
	// view and the cluster-wide cost aggregation.
	registry := provider.NewRegistry(cfg.Providers, provider.NewUsageRecorder(rdb))
	registry.SetAuditor(auditor)

	sessionHub := hub.NewSessionHub(eventBus, authsvc, cfg.Hub, cfg.Server.AllowedOrigins)
	if err := sessionHub.Run(ctx); err != nil {
		return fmt.Errorf("start session hub: %w", err)
	}

	handlers := &api.Handlers{
		Auth:            authsvc,
		Tokens:          tokens,
		Transformations: service.NewTransformationService(repo, tasks, eventBus, auditor),
		Documents:       service.NewDocumentService(repo, blobs, storage.NewTextExtractor(), auditor),
		Presets:         service.NewPresetService(repo, auditor),
		Providers:       registry,
		Usage:           repo,
		Limiter:         limiter,
		WS:              http.HandlerFunc(sessionHub.Accept),
		Checks: []api.ReadyCheck{
			{Name: "database", Probe: func(ctx context.Context) error {
				sqlDB, err := gdb.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			}},
			{Name: "redis", Probe: func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			}},
		},
	}

	e := api.NewServer(cfg.Server, handlers)

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Server.BindAddr).Info("http server listening")
		if err := api.Start(e, cfg.Server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sessionHub.Shutdown()
	if err := api.Shutdown(e, cfg.Server.ShutdownTimeout); err != nil {
		logger.WithError(err).Warn("http shutdown incomplete")
	}
	return nil
}
