package cli

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"rag.evalgo.org/common"
	"rag.evalgo.org/config"
	"rag.evalgo.org/db"
	"rag.evalgo.org/db/repository"
	"rag.evalgo.org/ingest"
	"rag.evalgo.org/queue"
	qredis "rag.evalgo.org/queue/redis"
	"rag.evalgo.org/storage"
	"rag.evalgo.org/vector"
)

const sweepInterval = 10 * time.Minute

func init() {
	RootCmd.AddCommand(workerCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run the ingestion worker pool",
	Long:  `worker consumes ingestion jobs, runs the extract/chunk/embed pipeline and reclaims expired uploads.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runWorker(cmd.Context(), cfg)
	},
}

func runWorker(ctx context.Context, cfg *config.Config) error {
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

	jobs, err := queue.NewRabbitQueue(cfg.Queue)
	if err != nil {
		return err
	}
	defer func() { _ = jobs.Close() }()

	blobs, err := storage.NewS3(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	pipeline := ingest.NewPipeline(
		repos,
		blobs,
		vector.NewPGStore(gdb, cfg.Embedder.Dimension),
		newEmbedder(cfg.Embedder),
		cfg.Chunking,
		cfg.Embedder.BatchSize,
		qredis.NewBroadcast(redisClient),
	)

	workers := cfg.Queue.Workers
	if workers <= 0 {
		workers = 2
	}
	if workers > runtime.NumCPU() {
		workers = runtime.NumCPU()
	}
	pool := ingest.NewPool(pipeline, jobs, cfg.Ingest, workers)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sweeper := ingest.NewSweeper(repos.Uploads, blobs, sweepInterval)
	go sweeper.Run(runCtx)

	if err := pool.Start(runCtx); err != nil {
		return err
	}
	common.Logger.WithField("workers", workers).Info("ingestion worker pool started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-runCtx.Done():
	case sig := <-stop:
		common.Logger.WithField("signal", sig.String()).Info("shutting down worker pool")
	}
	cancel()
	pool.Stop()
	return nil
}
