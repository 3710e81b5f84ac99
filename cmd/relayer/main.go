// Command relayer watches an EVM chain for smart-contract events,
// discovers child contracts dynamically via a factory's discovery event,
// and publishes decoded events to a message bus at least once, with a
// per-event dedup record so an event already marked processed is not
// republished.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chainrelay/eventrelayer/internal/abi"
	"github.com/chainrelay/eventrelayer/internal/admin"
	"github.com/chainrelay/eventrelayer/internal/chain"
	"github.com/chainrelay/eventrelayer/internal/checkpoint"
	"github.com/chainrelay/eventrelayer/internal/config"
	"github.com/chainrelay/eventrelayer/internal/fanout"
	"github.com/chainrelay/eventrelayer/internal/logging"
	"github.com/chainrelay/eventrelayer/internal/publisher"
	"github.com/chainrelay/eventrelayer/internal/registry"
	"github.com/chainrelay/eventrelayer/internal/relay"
)

func main() {
	if err := run(); err != nil {
		logging.NewFromEnv("relayer").WithError(err).Error("fatal startup or runtime error")
		os.Exit(1)
	}
}

func run() error {
	logger := logging.NewFromEnv("relayer")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rpcClient, err := chain.Dial(ctx, chain.Config{
		RPCURL:        cfg.RPCURL,
		PacerDelay:    cfg.RPCRateLimitDelay,
		MaxRetries:    cfg.RPCMaxRetries,
		BackoffFactor: cfg.RPCBackoffFactor,
		MaxBackoff:    cfg.RPCMaxBackoff,
		IsWebsocket:   cfg.IsWebsocket(),
		Logger:        logger.Named("chain"),
	})
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer rpcClient.Close()

	rootABI, err := abi.LoadFile(cfg.RootABIPath)
	if err != nil {
		return fmt.Errorf("load root abi: %w", err)
	}
	childABI, err := abi.LoadFile(cfg.ChildABIPath)
	if err != nil {
		return fmt.Errorf("load child abi: %w", err)
	}

	reg := registry.New(cfg.RegistryPath, cfg.ChainID, logger.Named("registry"))
	if err := reg.Load(); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	store, err := checkpoint.Open(ctx, string(cfg.CheckpointStoreType), cfg.CheckpointStoreURL)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	pub, err := publisher.New(publisher.Config{
		RedisAddr:   cfg.RedisAddr,
		Topic:       cfg.RedisTopic,
		MaxRetries:  cfg.MaxRetries,
		AttemptTime: cfg.PublishTimeout,
		Logger:      logger.Named("publisher"),
	})
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}
	defer pub.Close()

	extractor := abi.NewExtractor(rpcClient, logger.Named("abi"))

	scanner := fanout.New(extractor, reg, fanout.Config{
		RootContractAddress:   cfg.RootContractAddress,
		RootABI:               rootABI,
		ChildABI:              childABI,
		EventNamesRoot:        cfg.EventNamesRoot,
		EventNamesChild:       cfg.EventNamesChild,
		MaxConcurrentRequests: cfg.MaxConcurrentRequests,
		Logger:                logger.Named("fanout"),
	})

	metrics := relay.NewMetrics(prometheus.DefaultRegisterer)

	loop := relay.New(relay.Config{
		ChainID:             cfg.ChainID,
		RootContractAddress: cfg.RootContractAddress,
		StartBlock:          cfg.StartBlock,
		PollInterval:        cfg.PollInterval,
		BatchSize:           cfg.BatchSize,
		AutoFastForward:     cfg.AutoFastForward,
		CleanupIntervalHrs:  cfg.CleanupIntervalHours,
		Logger:              logger.Named("relay"),
	}, rpcClient, store, scanner, pub, reg, metrics)

	var adminSecretHash []byte
	if cfg.AdminSecret != "" {
		adminSecretHash, err = admin.HashAdminSecret(cfg.AdminSecret)
		if err != nil {
			return fmt.Errorf("hash admin secret: %w", err)
		}
	} else {
		logger.Warn("ADMIN_SECRET not configured: /admin/rewind accepts unauthenticated requests")
	}

	adminServer := admin.New(admin.Config{
		Addr:                cfg.AdminAddr,
		ChainID:             cfg.ChainID,
		RootContractAddress: cfg.RootContractAddress,
		AdminSecretHash:     adminSecretHash,
		Logger:              logger.Named("admin"),
	}, metrics, store, rpcClient)

	errCh := make(chan error, 2)
	go func() { errCh <- loop.Run(ctx) }()
	go func() { errCh <- adminServer.ListenAndServe(ctx) }()

	logger.WithFields(map[string]interface{}{
		"chain_id":              cfg.ChainID,
		"root_contract_address": cfg.RootContractAddress,
	}).Info("relayer started")

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}

	logger.Info("relayer shut down cleanly")
	return nil
}
