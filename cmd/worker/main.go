// Package main Worker 入口
//
// 从 Run 队列消费消息，调用 harness 执行并回写结果。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"bench-runner/internal/config"
	"bench-runner/internal/harness"
	"bench-runner/internal/reconciler"
	"bench-runner/internal/retry"
	"bench-runner/internal/shared/infra"
	"bench-runner/internal/shared/objstore"
	"bench-runner/internal/worker"
	"bench-runner/pkg/docker"
	"bench-runner/pkg/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configDir   string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:          "worker",
		Short:        "Consume queued benchmark runs and execute them through the harness",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configDir != "" {
				config.SetConfigDir(configDir)
			}
			return run(concurrency)
		},
	}
	cmd.Flags().StringVar(&configDir, "config", "", "配置目录（包含 {env}.yaml）")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "并发消费数（覆盖 worker.concurrency）")
	return cmd
}

func run(concurrency int) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log.Printf("Starting Worker... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := infra.NewPersistentStore(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Printf("Failed to open %s store: %v", cfg.DatabaseDriver, err)
		return err
	}
	defer store.Close()

	redisInfra, err := infra.NewRedisInfra(cfg.RedisURL)
	if err != nil {
		log.Printf("Failed to connect to Redis: %v", err)
		return err
	}
	defer redisInfra.Close()

	// Docker 预检（可选）
	var preflight harness.Preflight
	if cfg.Harness.DockerPreflight {
		dc, err := docker.NewClient()
		if err != nil {
			log.Printf("Docker preflight disabled: %v", err)
		} else {
			defer dc.Close()
			preflight = harness.NewDockerPreflight(dc)
		}
	}

	executor := harness.NewExecutor(
		harness.NewCLIRunner(),
		preflight,
		harness.OptionsFromConfig(cfg.Harness, cfg.Storage),
		logging.Default("harness"),
	)

	// 产物归档（可选）
	var uploader objstore.ArtifactUploader
	if cfg.MinIO.Enabled() {
		client, err := objstore.NewClient(cfg.MinIO)
		if err != nil {
			return err
		}
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = client.EnsureBucket(initCtx)
		cancel()
		if err != nil {
			return err
		}
		uploader = client
		log.Printf("[MinIO] Archiving run artifacts to %s", cfg.MinIO.Endpoint)
	}

	metrics := worker.NewMetrics(prometheus.DefaultRegisterer)
	metricsSrv := startMetricsServer(cfg.Worker.MetricsPort)

	opts := worker.OptionsFromConfig(cfg.Worker)
	if concurrency > 0 {
		opts.Concurrency = concurrency
	}

	w := worker.New(worker.Deps{
		Store:      store,
		Queue:      redisInfra.Queue(),
		Executor:   executor,
		Reconciler: reconciler.New(store, logging.Default("reconciler")),
		Policy:     retry.FromConfig(cfg.Worker),
		Events:     redisInfra.EventBus(),
		Uploader:   uploader,
		Metrics:    metrics,
		Logger:     logging.Default("worker"),
	}, opts)

	runErr := w.Run(ctx)

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Printf("Worker stopped with error: %v", runErr)
		return runErr
	}
	log.Println("Worker stopped")
	return nil
}

// startMetricsServer 暴露 /metrics 与 /health，port 为空时不启动
func startMetricsServer(port string) *http.Server {
	if port == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("Worker metrics listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server error: %v", err)
		}
	}()
	return srv
}
