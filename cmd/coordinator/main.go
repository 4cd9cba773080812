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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sharding-experiment/multitoken/config"
	"github.com/sharding-experiment/multitoken/internal/coordinator"
	"github.com/sharding-experiment/multitoken/internal/network"
	"github.com/sharding-experiment/multitoken/internal/shard"
)

func main() {
	configPath := flag.String("config", "", "Path to config.json (default config/config.json)")
	port := flag.Int("port", 0, "HTTP port (0 = use config)")
	storePath := flag.String("token-store-path", "", "Path for persistent token registry")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *storePath != "" {
		cfg.TokenStorePath = *storePath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := cfg.Logger()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("coordinator stopped", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config, logger *zap.Logger) error {
	store, err := coordinator.NewTokenStore(cfg.TokenStorePath, 0, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var prov coordinator.Provisioner
	if len(cfg.ShardURLs) > 0 {
		httpClient := network.NewHTTPClient(cfg.Network, cfg.RequestTimeout())
		prov = coordinator.NewPoolProvisioner(cfg.ShardURLs, httpClient, logger)
		logger.Info("using remote shard pool", zap.Int("shards", len(cfg.ShardURLs)))
		if cfg.Network.DelayEnabled {
			logger.Info("network delay simulation enabled",
				zap.Int("min_delay_ms", cfg.Network.MinDelayMs),
				zap.Int("max_delay_ms", cfg.Network.MaxDelayMs))
		}
	} else {
		local := coordinator.NewLocalProvisioner(shard.Config{
			Name:       cfg.Shard.Name,
			Symbol:     cfg.Shard.Symbol,
			BaseURI:    cfg.Shard.BaseURI,
			ClearDelay: cfg.ClearDelay(),
			Logger:     logger,
		})
		defer local.Close()
		prov = local
		logger.Info("using in-process shards")
	}

	coord, err := coordinator.New(coordinator.Config{
		Identity:    cfg.IdentityAddress(),
		Admin:       cfg.AdminAddress(),
		FrontEnd:    cfg.FrontEndAddress(),
		Template:    cfg.TemplateHash(),
		ClearDelay:  cfg.ClearDelay(),
		CallTimeout: cfg.RequestTimeout(),
		Provisioner: prov,
		Store:       store,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer coord.Stop()

	srv := coordinator.NewServer(coord, logger).Handler(cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("coordinator listening", zap.Int("port", cfg.Port), zap.Stringer("identity", cfg.IdentityAddress()))
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
	return g.Wait()
}
