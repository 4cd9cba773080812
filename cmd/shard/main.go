package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sharding-experiment/multitoken/config"
	"github.com/sharding-experiment/multitoken/internal/shard"
)

func main() {
	configPath := flag.String("config", "", "Path to config.json (default config/config.json)")
	shardID := flag.String("id", "", "Shard ID (default random)")
	port := flag.Int("port", 8545, "HTTP port")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath == "" {
		cfg, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(*configPath)
	}
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	// the shard listens on its own port, not the coordinator's
	cfg.Port = *port
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if envID := os.Getenv("SHARD_ID"); envID != "" {
		*shardID = envID
	}
	if *shardID == "" {
		*shardID = uuid.NewString()
	}

	logger, err := cfg.Logger()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	worker := shard.NewWorker(shard.Config{
		ID:         *shardID,
		Name:       cfg.Shard.Name,
		Symbol:     cfg.Shard.Symbol,
		BaseURI:    cfg.Shard.BaseURI,
		ClearDelay: cfg.ClearDelay(),
		Logger:     logger,
	})
	defer worker.Stop()

	srv := shard.NewServer(worker, logger).Handler(cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("shard listening", zap.String("shard", *shardID), zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Fatal("shard stopped", zap.Error(err))
	}
}
