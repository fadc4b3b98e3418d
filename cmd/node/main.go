package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/KekcoinBlockchain/eth-dex/params"
	"github.com/KekcoinBlockchain/eth-dex/pkg/api"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/asset"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/settlement"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/devnet"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/exchange"
	"github.com/KekcoinBlockchain/eth-dex/pkg/broker"
	"github.com/KekcoinBlockchain/eth-dex/pkg/metrics"
	"github.com/KekcoinBlockchain/eth-dex/pkg/storage"
	"github.com/KekcoinBlockchain/eth-dex/pkg/util"
	"github.com/KekcoinBlockchain/eth-dex/pkg/vault"
)

// custody is the exchange's own account on the simulated chain.
var custody = common.HexToAddress("0x00000000000000000000000000000000000C0570")

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, util.ParseLevel(cfg.Node.LogLevel))
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("logger_initialized", zap.String("log_file", cfg.Node.LogFile))

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		logger.Fatal("data_dir_failed", zap.Error(err))
	}
	store, err := storage.NewPebbleStore(cfg.Storage.DBPath, logger)
	if err != nil {
		logger.Fatal("store_open_failed", zap.String("path", cfg.Storage.DBPath), zap.Error(err))
	}
	defer store.Close()

	// ---- Simulated chain ----
	// The first deployment always lands at the same address, so balances
	// persisted for the token stay valid across restarts.
	chain := vault.NewMemChain(custody, logger)
	token := chain.DeployToken("DAPP")

	engine, err := exchange.New(exchange.Config{
		Fees: settlement.FeeSchedule{
			Receiver: cfg.Exchange.FeeReceiver,
			Rate:     cfg.Exchange.FeeRate,
			Scale:    cfg.Exchange.FeeScale,
		},
		Vault:   chain,
		Store:   store,
		Clock:   util.RealClock{},
		Logger:  logger,
		Metrics: metrics.New(prometheus.DefaultRegisterer),
	})
	if err != nil {
		logger.Fatal("engine_init_failed", zap.Error(err))
	}

	snap, err := store.Load()
	if err != nil {
		logger.Fatal("store_load_failed", zap.Error(err))
	}
	if len(snap.Events) > 0 {
		if err := engine.Restore(snap, cfg.Storage.VerifyOnStart); err != nil {
			logger.Fatal("restore_failed", zap.Error(err))
		}
		backCustody(chain, snap, logger)
	}

	// ---- Audit log sinks ----
	if cfg.Storage.AuditLogPath != "" {
		audit, err := storage.NewAuditLogFile(cfg.Storage.AuditLogPath)
		if err != nil {
			logger.Fatal("audit_log_open_failed", zap.Error(err))
		}
		defer audit.Close()
		engine.AddSink(audit)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		sink := broker.NewKafkaSink(broker.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), logger)
		defer sink.Close()
		engine.AddSink(sink)
		logger.Info("kafka_sink_enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- API Server ----
	apiServer := api.NewServer(engine, api.Config{
		CORSOrigins:       cfg.API.CORSOrigins,
		RequireSignatures: cfg.API.RequireSignatures,
		History:           store.Events,
	}, logger)

	if cfg.Node.DevnetSeed {
		seed(ctx, engine, chain, token, logger)
	}

	go func() {
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			logger.Error("api_server_failed", zap.Error(err))
			stop()
		}
	}()

	logger.Info("node_started",
		zap.String("api_addr", cfg.API.Addr),
		zap.String("token", token.Hex()),
		zap.Uint64("last_seq", engine.LastSeq()),
		zap.Bool("signatures_required", cfg.API.RequireSignatures))

	<-ctx.Done()
	logger.Info("node_stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api_shutdown_failed", zap.Error(err))
	}
}

func seed(ctx context.Context, engine *exchange.Engine, chain *vault.MemChain, token common.Address, logger *zap.Logger) {
	if engine.LastSeq() != 0 {
		logger.Info("devnet_seed_skipped", zap.Uint64("last_seq", engine.LastSeq()))
		return
	}
	signers, err := devnet.Signers()
	if err != nil {
		logger.Fatal("devnet_keys_failed", zap.Error(err))
	}
	accounts := [2]common.Address{signers[0].Address(), signers[1].Address()}
	if _, err := devnet.Seed(ctx, engine, chain, token, accounts, logger); err != nil {
		logger.Fatal("devnet_seed_failed", zap.Error(err))
	}
	for i, s := range signers {
		logger.Info("devnet_account", zap.Int("index", i), zap.String("address", s.Address().Hex()))
	}
}

// backCustody mints the restored ledger totals into the custody account.
// The simulated chain starts empty on every run, and withdrawals of restored
// balances need something to pay out of.
func backCustody(chain *vault.MemChain, snap *exchange.Snapshot, logger *zap.Logger) {
	totals := make(map[asset.ID]*uint256.Int)
	for _, entry := range snap.Balances {
		sum, ok := totals[entry.Asset]
		if !ok {
			sum = new(uint256.Int)
			totals[entry.Asset] = sum
		}
		sum.Add(sum, entry.Balance)
	}
	for a, total := range totals {
		if err := chain.Mint(a, custody, total); err != nil {
			logger.Warn("custody_backing_skipped", zap.String("asset", a.Hex()), zap.Error(err))
		}
	}
}
