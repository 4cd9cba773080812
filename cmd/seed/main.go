package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/sharding-experiment/multitoken/config"
	"github.com/sharding-experiment/multitoken/internal/network"
	"github.com/sharding-experiment/multitoken/internal/seed"
)

func main() {
	configPath := flag.String("config", "", "Path to config.json (default config/config.json)")
	coordURL := flag.String("coordinator", "http://localhost:8080", "Coordinator gateway URL")
	issuer := flag.String("issuer", "0x00000000000000000000000000000000000000aa", "Address that creates the token")
	amount := flag.String("amount", "1000000", "Balance credited to each account (decimal)")
	accounts := flag.Int("accounts", 0, "Number of accounts (0 = use config)")
	out := flag.String("out", "accounts.txt", "File the generated addresses are written to")
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
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if *accounts > 0 {
		cfg.TestAccountNum = *accounts
	}

	logger, err := cfg.Logger()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if !common.IsHexAddress(*issuer) {
		logger.Fatal("invalid issuer", zap.String("issuer", *issuer))
	}
	per, err := uint256.FromDecimal(*amount)
	if err != nil {
		logger.Fatal("invalid amount", zap.String("amount", *amount), zap.Error(err))
	}

	addrs := seed.Accounts(cfg.TestAccountNum)
	if err := seed.WriteAccounts(*out, addrs); err != nil {
		logger.Fatal("write accounts", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := &seed.Seeder{
		BaseURL:  *coordURL,
		FrontEnd: cfg.FrontEndAddress(),
		HTTP:     network.NewHTTPClient(cfg.Network, cfg.RequestTimeout()),
		Logger:   logger,
		Retries:  5,
		Backoff:  500 * time.Millisecond,
	}
	token, err := s.Fund(ctx, common.HexToAddress(*issuer), addrs, per)
	if err != nil {
		logger.Fatal("seeding failed", zap.Error(err))
	}
	logger.Info("seed complete",
		zap.Uint64("token", uint64(token)),
		zap.Int("accounts", len(addrs)),
		zap.String("accounts_file", *out))
}
