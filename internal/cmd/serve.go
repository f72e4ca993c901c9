package cmd

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/regenrek/moltlets/internal/config"
	"github.com/regenrek/moltlets/internal/server"
	"github.com/regenrek/moltlets/pkg/cattle"
	"github.com/regenrek/moltlets/pkg/cloud/hcloud"
	"github.com/regenrek/moltlets/pkg/jobqueue"
	"github.com/regenrek/moltlets/pkg/persona"
	"github.com/regenrek/moltlets/pkg/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator: job queue, worker pool, and control API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue, err := jobqueue.Open(ctx, jobqueue.Config{Path: cfg.Queue.Path})
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()

	manager, err := buildManager(cfg)
	if err != nil {
		return err
	}

	pool := worker.NewPool(queue, worker.Config{
		Workers:      cfg.Workers.Count,
		PollInterval: cfg.Workers.PollInterval,
		Lease:        cfg.Workers.Lease,
		LeaseRefresh: cfg.Workers.LeaseRefresh,
	}, logger)
	pool.Register(jobqueue.KindCattleSpawn, &cattle.SpawnHandler{Manager: manager})
	pool.Register(jobqueue.KindCattleReap, &cattle.ReapHandler{Manager: manager})

	srv := server.New(cfg.Server.Host, cfg.Server.Port, queue, Version, logger)

	logger.Info("orchestrator starting",
		zap.String("addr", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("workers", cfg.Workers.Count),
		zap.String("queue", cfg.Queue.Path))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()

	err = srv.Start(ctx)
	stop()
	wg.Wait()

	logger.Info("orchestrator stopped")
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// buildManager assembles the cattle lifecycle manager from config.
func buildManager(cfg *config.Config) (*cattle.Manager, error) {
	provider, err := hcloud.New(hcloud.Config{
		Token:     cfg.Cloud.Token,
		Endpoint:  cfg.Cloud.Endpoint,
		RateLimit: cfg.Cloud.RateLimit,
	})
	if err != nil {
		return nil, err
	}

	recipient, err := config.LoadRecipient(cfg.Cattle.RecipientKeyFile, cfg.Cattle.RecipientKeyID)
	if err != nil {
		return nil, err
	}

	return cattle.NewManager(
		provider,
		persona.NewResolver(cfg.Cattle.PersonaDir),
		config.NewEnvironment(cfg),
		recipient,
		cattle.Config{
			MaxInstances:      cfg.Cattle.MaxInstances,
			DefaultTTL:        cfg.DefaultTTL(),
			DefaultImage:      cfg.Cloud.DefaultImage,
			DefaultServerType: cfg.Cloud.DefaultServerType,
			DefaultLocation:   cfg.Cloud.DefaultLocation,
			FirewallName:      cfg.Cattle.FirewallName,
			SecretsURL:        cfg.Cattle.SecretsURL,
			AdminUser:         cfg.Cattle.AdminUser,
		},
		logger,
	), nil
}

// appContext returns a background context for one-shot commands.
func appContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
