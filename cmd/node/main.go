package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/clearing-node/arb-node/adapters/redis"
	"github.com/clearing-node/arb-node/chain"
	"github.com/clearing-node/arb-node/jsonrpcserver"
	"github.com/clearing-node/arb-node/optimizer"
	"github.com/clearing-node/arb-node/orders"
	"github.com/clearing-node/arb-node/round"
	"github.com/clearing-node/arb-node/router"
	"github.com/clearing-node/arb-node/rpchealth"
	"github.com/clearing-node/arb-node/scheduler"
	"github.com/clearing-node/arb-node/signer"
	"github.com/clearing-node/arb-node/storage"
	"github.com/clearing-node/arb-node/txlifecycle"
	"github.com/flashbots/go-utils/cli"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version = "dev" // is set during build process

	// Default values
	defaultDebug         = os.Getenv("DEBUG") == "1"
	defaultLogProd       = os.Getenv("LOG_PROD") == "1"
	defaultLogService    = os.Getenv("LOG_SERVICE")
	defaultPort          = cli.GetEnv("PORT", "8080")
	defaultMetricsPort   = cli.GetEnv("METRICS_PORT", "8088")
	defaultConfigFile    = cli.GetEnv("CONFIG_FILE", "config.yaml")
	defaultChannelName   = cli.GetEnv("REDIS_CHANNEL_NAME", "arb-reports")
	defaultRedisEndpoint = cli.GetEnv("REDIS_ENDPOINT", "")
	defaultPostgresDSN   = cli.GetEnv("POSTGRES_DSN", "")
	defaultAdminToken    = cli.GetEnv("ADMIN_TOKEN", "")

	// Flags
	debugPtr       = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr     = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr  = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr        = flag.String("port", defaultPort, "admin api port to listen on")
	metricsPortPtr = flag.String("metrics-port", defaultMetricsPort, "metrics and pprof port")
	configPtr      = flag.String("config", defaultConfigFile, "node config file")
	channelPtr     = flag.String("channel", defaultChannelName, "redis pub/sub channel for round reports")
	redisPtr       = flag.String("redis", defaultRedisEndpoint, "redis url string, empty to keep the revert cache in memory")
	postgresDSNPtr = flag.String("postgres-dsn", defaultPostgresDSN, "postgres dsn, empty to disable report storage")
	adminTokenPtr  = flag.String("admin-token", defaultAdminToken, "bearer token required by the admin api")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	logger.Info("Starting arb-node", zap.String("version", version))

	config, err := LoadConfig(*configPtr)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	transport, err := rpchealth.NewTransport(logger, config.RPC, rpchealth.Options{
		AttemptTimeout: config.durations.rpcTimeout,
		RateLimit:      config.rpcRateLimit(),
		Burst:          1,
		CacheTTL:       config.durations.rpcCacheTTL,
	})
	if err != nil {
		logger.Fatal("Failed to create rpc transport", zap.Error(err))
	}
	chainClient := chain.NewClient(logger, transport, config.multicall)

	chainID, err := connect(ctx, logger, chainClient)
	if err != nil {
		logger.Fatal("Failed to get chain id", zap.Error(err))
	}
	if config.ChainID != 0 && config.ChainID != chainID.Uint64() {
		logger.Fatal("Chain id mismatch", zap.Uint64("config", config.ChainID), zap.Uint64("node", chainID.Uint64()))
	}

	keys, err := config.signerKeys()
	if err != nil {
		logger.Fatal("Failed to load signer keys", zap.Error(err))
	}
	accounts := make([]*signer.Account, 0, len(keys))
	for _, key := range keys {
		acc, err := signer.AccountFromHex(key, chainID)
		if err != nil {
			logger.Fatal("Failed to parse signer key", zap.Error(err))
		}
		accounts = append(accounts, acc)
	}
	pool, err := signer.NewPool(logger, accounts)
	if err != nil {
		logger.Fatal("Failed to create signer pool", zap.Error(err))
	}
	refreshBalances(ctx, logger, chainClient, pool)

	var (
		reverts txlifecycle.RevertCache = txlifecycle.NewMemoryRevertCache(config.durations.revertCacheTTL)
		sinks   []round.Sink
	)
	if *redisPtr != "" {
		redisOpts, err := goredis.ParseURL(*redisPtr)
		if err != nil {
			logger.Fatal("Failed to parse redis url", zap.Error(err))
		}
		redisClient := goredis.NewClient(redisOpts)
		reverts = redis.NewRevertCache(redisClient, config.durations.revertCacheTTL, "arb-revert-")
		sinks = append(sinks, redis.NewReportPublisher(redisClient, *channelPtr))
	}
	if *postgresDSNPtr != "" {
		dbBackend, err := storage.NewDBBackend(*postgresDSNPtr)
		if err != nil {
			logger.Fatal("Failed to create postgres backend", zap.Error(err))
		}
		defer dbBackend.Close()
		sinks = append(sinks, dbBackend)
	}

	liquidity := router.NewJSONRPCRouter(logger, config.Router, config.durations.routerTimeout)
	prices := router.NewPriceOracle(logger, liquidity, chainID.Uint64(), config.wrappedNative, config.durations.priceTTL)

	opt := optimizer.New(logger, optimizer.Config{
		ChainID:            chainID.Uint64(),
		ArbAddress:         config.arbAddress,
		GasCoveragePercent: config.GasCoveragePercent,
		GasLimitMultiplier: config.GasLimitMultiplier,
		Hops:               config.Hops,
		Retries:            config.Retries,
	}, chainClient, liquidity)

	lifecycleConfig := txlifecycle.DefaultConfig()
	lifecycleConfig.Confirmations = config.Confirmations
	lifecycleConfig.ReceiptTimeout = config.durations.receiptTimeout
	lifecycle := txlifecycle.New(logger, lifecycleConfig, chainClient, reverts)

	sched := scheduler.New(logger, config.OwnerLimit, config.ownerLimits)
	orderSource := orders.NewFileSource(logger, config.OrdersFile)
	if _, err := syncOrders(ctx, logger, orderSource, sched, chainClient); err != nil {
		logger.Fatal("Failed to load orders", zap.Error(err))
	}

	roundConfig := round.DefaultConfig()
	roundConfig.Deadline = config.durations.roundDeadline
	roundConfig.Shuffle = config.Shuffle
	roundConfig.GasPriceMultiplier = config.GasPriceMultiplier
	runner := round.NewRunner(logger, roundConfig, round.Deps{
		Scheduler: sched,
		Pool:      pool,
		Chain:     chainClient,
		Router:    liquidity,
		Prices:    prices,
		Optimizer: opt,
		Executor:  lifecycle,
		Reverts:   reverts,
		Transport: transport,
		Sinks:     sinks,
	})

	admin := &jsonrpcserver.AdminAPI{Reports: runner, Health: transport, Limits: sched, Signers: pool}
	jsonRPCServer, err := jsonrpcserver.NewHandler(logger, admin.Methods(), *adminTokenPtr)
	if err != nil {
		logger.Fatal("Failed to create jsonrpc server", zap.Error(err))
	}

	http.Handle("/", jsonRPCServer)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", *metricsPortPtr),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}

		err := metricsServer.ListenAndServe()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	roundsWg := &sync.WaitGroup{}
	roundsWg.Add(1)
	go func() {
		defer roundsWg.Done()
		runRounds(ctx, logger, config, runner, orderSource, sched, chainClient, pool)
	}()

	connectionsClosed := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Shutting down...")
		ctxCancel()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown server", zap.Error(err))
		}
		close(connectionsClosed)
	}()

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("ListenAndServe: ", zap.Error(err))
	}

	<-ctx.Done()
	<-connectionsClosed
	// wait for the in-flight round to settle its transactions
	roundsWg.Wait()
}

// connect waits for the rpc endpoints to answer, nodes are often still starting when the bot is deployed
func connect(ctx context.Context, logger *zap.Logger, client *chain.Client) (*big.Int, error) {
	var chainID *big.Int
	boff := backoff.NewExponentialBackOff()
	boff.MaxElapsedTime = time.Minute
	err := backoff.RetryNotify(func() error {
		var err error
		chainID, err = client.ChainID(ctx)
		return err
	}, backoff.WithContext(boff, ctx), func(err error, next time.Duration) {
		logger.Warn("Rpc not ready", zap.Error(err), zap.Duration("retryIn", next))
	})
	return chainID, err
}

// everyNth is true for the first round, counted from 1, and for every nth one when n is positive
func everyNth(round, n int) bool {
	return round == 1 || (n > 0 && round%n == 0)
}

// refreshBalances resyncs the local ledger of every signer with the chain
func refreshBalances(ctx context.Context, logger *zap.Logger, client *chain.Client, pool *signer.Pool) {
	for _, acc := range pool.Accounts() {
		balance, err := client.BalanceAt(ctx, acc.Address)
		if err != nil {
			logger.Warn("Failed to get signer balance", zap.Error(err), zap.String("signer", acc.Address.Hex()))
			continue
		}
		acc.SetBalance(balance)
	}
}

// syncOrders applies order file changes to the scheduler, owner limits are recomputed when anything changed
func syncOrders(ctx context.Context, logger *zap.Logger, source *orders.FileSource, sched *scheduler.Scheduler, reader scheduler.VaultReader) (bool, error) {
	changes, err := source.Poll()
	if err != nil {
		return false, err
	}
	if changes.Empty() {
		return false, nil
	}
	sched.AddOrders(changes.Added)
	for orderbook, hashes := range changes.Removed {
		sched.RemoveOrders(orderbook, hashes)
	}
	if err := sched.DownscaleProtection(ctx, reader); err != nil {
		logger.Warn("Failed to downscale owner limits", zap.Error(err))
	}
	return true, nil
}

func runRounds(ctx context.Context, logger *zap.Logger, config *Config, runner *round.Runner, source *orders.FileSource, sched *scheduler.Scheduler, client *chain.Client, pool *signer.Pool) {
	ticker := time.NewTicker(config.durations.roundInterval)
	defer ticker.Stop()

	rounds := 0
	for {
		changed, err := syncOrders(ctx, logger, source, sched, client)
		if err != nil {
			logger.Error("Failed to reload orders", zap.Error(err))
		}
		rounds++
		if !changed && config.DownscaleEvery > 0 && rounds%config.DownscaleEvery == 0 {
			if err := sched.DownscaleProtection(ctx, client); err != nil {
				logger.Warn("Failed to downscale owner limits", zap.Error(err))
			}
		}
		if everyNth(rounds, config.BalanceResyncEvery) {
			refreshBalances(ctx, logger, client, pool)
		}

		// not bound to ctx, a round in progress on shutdown still settles its sent transactions within its deadline
		if _, err := runner.Run(context.Background()); err != nil {
			logger.Error("Round failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
