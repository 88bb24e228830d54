// Command recast-worker runs the transformation executor pool and the
// maintenance janitor. It shares the recastd configuration surface and
// scales independently of the API tier; any number of workers may run
// against the same database and broker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/recasthq/recast/audit"
	"github.com/recasthq/recast/bus"
	"github.com/recasthq/recast/common"
	"github.com/recasthq/recast/config"
	"github.com/recasthq/recast/db"
	"github.com/recasthq/recast/db/repository"
	"github.com/recasthq/recast/executor"
	"github.com/recasthq/recast/provider"
	"github.com/recasthq/recast/queue"
	"github.com/recasthq/recast/storage"
	"github.com/recasthq/recast/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "recast-worker",
	Short:         "Recast transformation executor",
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
		common.Logger.WithError(err).Error("recast-worker failed")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	common.ConfigureLogger(cfg.Log.Level, cfg.Log.Format)
	logger := common.Logger.WithField("component", "recast-worker")
	logger.WithFields(logrus.Fields{
		"version":     version.String(),
		"go":          version.GoVersion(),
		"concurrency": cfg.Worker.Concurrency,
	}).Info("starting")

	// Schema migration belongs to recastd; the worker only assumes it.
	gdb, err := db.Open(cfg.Database)
	if err != nil {
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
		instanceID = "worker-" + uuid.NewString()[:8]
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
	sessions := repository.NewSessionRepository(gdb)
	taskRows := repository.NewTaskRepository(gdb)

	tasks := queue.New(taskRows, rdb, queue.Config{
		ClaimLease:  cfg.Worker.ClaimLease,
		MaxAttempts: cfg.Worker.MaxAttempts,
		BackoffBase: cfg.Worker.BackoffBase,
		BackoffCap:  cfg.Worker.BackoffCap,
	})

	registry := provider.NewRegistry(cfg.Providers, provider.NewUsageRecorder(rdb))
	registry.SetAuditor(auditor)
	if len(registry.Names()) == 0 {
		return fmt.Errorf("no providers available: check providers.order and credentials")
	}

	exec := executor.New(repo, tasks, registry, blobs, eventBus, auditor, cfg.Worker.ProviderTimeout)
	pool := executor.NewPool(exec, tasks, instanceID, cfg.Worker.Concurrency, cfg.Worker.PollInterval)
	janitor := executor.NewJanitor(sessions, tasks, cfg.Worker.JanitorInterval, cfg.Worker.SessionRetention)

	go janitor.Run(ctx)
	pool.Run(ctx)

	logger.Info("worker drained, exiting")
	return nil
}
