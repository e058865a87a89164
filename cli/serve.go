package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"rag.evalgo.org/api"
	"rag.evalgo.org/auth"
	"rag.evalgo.org/catalog"
	"rag.evalgo.org/chat"
	"rag.evalgo.org/common"
	"rag.evalgo.org/config"
	"rag.evalgo.org/db"
	"rag.evalgo.org/db/repository"
	"rag.evalgo.org/embedder"
	"rag.evalgo.org/provider"
	"rag.evalgo.org/queue"
	qredis "rag.evalgo.org/queue/redis"
	"rag.evalgo.org/retrieve"
	"rag.evalgo.org/storage"
	"rag.evalgo.org/tools"
	"rag.evalgo.org/vector"
)

func init() {
	RootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the API gateway",
	Long:  `serve starts the HTTP gateway with the chat, retrieval, catalog and auth services.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func runServe(ctx context.Context, cfg *config.Config) error {
	gdb, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	repos := repository.New(gdb)

	redisClient, err := newRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()
	settings := config.NewSettings(cfg, redisClient)

	jobs, err := queue.NewRabbitQueue(cfg.Queue)
	if err != nil {
		return err
	}
	defer func() { _ = jobs.Close() }()

	blobs, err := storage.NewS3(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	emb := newEmbedder(cfg.Embedder)
	backend, err := newProvider(cfg.Model)
	if err != nil {
		return err
	}

	registry, err := newToolRegistry(cfg)
	if err != nil {
		return err
	}

	engine := retrieve.NewEngine(repos, vector.NewPGStore(gdb, cfg.Embedder.Dimension), emb, settings)
	orchestrator := chat.NewOrchestrator(repos, backend, registry, engine, settings, cfg.Chat)
	catalogSvc := catalog.NewService(repos, vector.NewPGStore(gdb, cfg.Embedder.Dimension), blobs, jobs, cfg.Ingest)

	var verifier auth.IDTokenVerifier
	if cfg.Auth.OIDCIssuer != "" {
		verifier, err = auth.NewOIDCVerifier(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.OIDCClientID)
		if err != nil {
			return err
		}
	}
	authSvc := auth.NewService(repos, redisClient, cfg.Auth, verifier)

	server := api.NewServer(cfg, api.Deps{
		Auth:     authSvc,
		Catalog:  catalogSvc,
		Chat:     orchestrator,
		Engine:   engine,
		Tools:    registry,
		Repos:    repos,
		Settings: settings,
		Progress: qredis.NewBroadcast(redisClient),
		Probes: map[string]api.Probe{
			"database": func(ctx context.Context) error {
				sqlDB, err := gdb.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"redis": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
			"queue": func(ctx context.Context) error {
				_, err := jobs.Depth()
				return err
			},
			"provider": func(ctx context.Context) error {
				if pinger, ok := backend.(provider.Pinger); ok {
					return pinger.Ping(ctx)
				}
				return nil
			},
			"storage": func(ctx context.Context) error {
				return blobs.Ping(ctx)
			},
		},
	})

	// Periodically purge expired tokens while the gateway runs.
	maintCtx, cancelMaint := context.WithCancel(ctx)
	defer cancelMaint()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-maintCtx.Done():
				return
			case <-ticker.C:
				if n, err := authSvc.PurgeExpiredTokens(maintCtx); err != nil {
					common.Logger.WithError(err).Warn("token purge failed")
				} else if n > 0 {
					common.Logger.WithField("purged", n).Info("expired tokens removed")
				}
			}
		}
	}()

	return runUntilSignal(ctx, cfg, server)
}

func runUntilSignal(ctx context.Context, cfg *config.Config, server *api.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case sig := <-stop:
		common.Logger.WithField("signal", sig.String()).Info("shutting down")
	}
	return server.Shutdown(context.Background())
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, common.Wrap(common.KindValidation, "INVALID_REDIS_URL", "failed to parse Redis URL", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, common.Wrap(common.KindUnavailable, "REDIS_UNAVAILABLE", "failed to connect to Redis", err)
	}
	return client, nil
}

// newEmbedder returns the HTTP embedding client, or the deterministic
// embedder when no endpoint is configured (local development).
func newEmbedder(cfg config.EmbedderConfig) embedder.Embedder {
	if cfg.BaseURL == "" {
		common.Logger.Warn("no embedder endpoint configured, using deterministic embeddings")
		return embedder.NewDeterministic(cfg.Dimension)
	}
	return embedder.NewOpenAI(cfg)
}

func newProvider(cfg config.ModelConfig) (provider.Provider, error) {
	if cfg.SecondaryEnabled {
		return provider.NewOpenAICompat(cfg.SecondaryBaseURL, cfg.SecondaryAPIKey, cfg.IdleStreamTimeout), nil
	}
	return provider.NewAnthropic(cfg.APIKey)
}

func newToolRegistry(cfg *config.Config) (*tools.Registry, error) {
	registry := tools.NewRegistry(cfg.Chat.ToolTimeout)
	if err := registry.Register(tools.Calculator{}); err != nil {
		return nil, err
	}
	if err := registry.Register(tools.CurrentTime{}); err != nil {
		return nil, err
	}
	if cfg.Tools.RemoteManifest != "" {
		manifest, err := tools.LoadManifest(cfg.Tools.RemoteManifest)
		if err != nil {
			return nil, err
		}
		if err := tools.RegisterManifest(registry, manifest, http.DefaultClient); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
