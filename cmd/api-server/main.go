// Package main API Server 入口
//
// 接收 Job 提交、派发 Run 消息，并提供 Job/Run 查询接口。
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

	"github.com/spf13/cobra"

	"bench-runner/internal/apiserver/server"
	"bench-runner/internal/config"
	"bench-runner/internal/dispatcher"
	"bench-runner/internal/shared/infra"
	"bench-runner/pkg/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:          "api-server",
		Short:        "Benchmark job intake and query API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configDir != "" {
				config.SetConfigDir(configDir)
			}
			return run()
		},
	}
	cmd.Flags().StringVar(&configDir, "config", "", "配置目录（包含 {env}.yaml）")
	return cmd
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	if err := os.MkdirAll(cfg.Storage.JobsDir, 0o755); err != nil {
		return err
	}

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

	disp := dispatcher.New(store, redisInfra.Queue(), cfg, logging.Default("dispatcher"))

	handler := server.NewHandler(server.Deps{
		Submitter: disp,
		Store:     store,
		Events:    redisInfra.EventBus(),
		Queue:     redisInfra.Queue(),
		DB:        store,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.APIServer.Port,
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down API Server...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("API Server listening on :%s", cfg.APIServer.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("Server error: %v", err)
		return err
	}
	return nil
}
