package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gridrent/gridrent/internal/artifacts"
	"github.com/gridrent/gridrent/internal/auth"
	"github.com/gridrent/gridrent/internal/events"
	"github.com/gridrent/gridrent/internal/market"
	marketpg "github.com/gridrent/gridrent/internal/market/postgres"
	"github.com/gridrent/gridrent/internal/marketapi"
	"github.com/gridrent/gridrent/internal/registry"
	registrypg "github.com/gridrent/gridrent/internal/registry/postgres"
	"github.com/gridrent/gridrent/internal/token"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")

		storeDriver = flag.String("store-driver", "postgres", "persistence driver (postgres|memory)")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required with -store-driver=postgres)")

		eventsDriver  = flag.String("events-driver", events.DriverStdio, "event emitter driver (kafka|stdio|memory)")
		eventsBrokers = flag.String("events-brokers", "", "kafka brokers (comma-separated)")
		eventsTopic   = flag.String("events-topic", "gridrent.events.v1", "kafka topic for market events")

		authDriver    = flag.String("auth-driver", "signature", "auth driver (signature|static)")
		authAllowlist = flag.String("auth-allowlist", "", "allowed addresses for -auth-driver=static (comma-separated)")

		tokenDriver     = flag.String("token-driver", "erc20", "payment driver (erc20|memory)")
		tokenRPCURL     = flag.String("token-rpc-url", "", "EVM RPC URL for the erc20 driver")
		tokenChainID    = flag.Uint64("token-chain-id", 0, "EVM chain id for the erc20 driver")
		tokenAddress    = flag.String("token-address", "", "ERC-20 contract address for the erc20 driver")
		operatorKeyHex  = flag.String("operator-key-hex", "", "escrow operator private key hex (erc20 driver)")
		operatorKeyFile = flag.String("operator-key-file", "", "escrow operator private key file (erc20 driver)")
		escrowAddrFlag  = flag.String("escrow-address", "", "escrow account address (memory token driver)")
		tokenFund       = flag.String("token-fund", "", "memory driver seed balances, comma-separated addr:amount pairs")

		artifactsDriver = flag.String("artifacts-driver", "off", "result archive driver (s3|memory|off)")
		artifactsBucket = flag.String("artifacts-bucket", "", "S3 bucket for job results")
		artifactsPrefix = flag.String("artifacts-prefix", "", "key prefix for job results")

		initialize = flag.Bool("initialize", false, "arm the marketplace on startup if not yet initialized")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 10*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}
	if strings.TrimSpace(*operatorKeyHex) != "" && strings.TrimSpace(*operatorKeyFile) != "" {
		fmt.Fprintln(os.Stderr, "error: use only one of --operator-key-hex or --operator-key-file")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		registryStore registry.Store
		marketStore   market.Store
	)
	switch strings.TrimSpace(strings.ToLower(*storeDriver)) {
	case "postgres":
		if *postgresDSN == "" {
			fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required with --store-driver=postgres")
			os.Exit(2)
		}
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		rs, err := registrypg.New(pool)
		if err != nil {
			log.Error("init registry store", "err", err)
			os.Exit(2)
		}
		if err := rs.EnsureSchema(ctx); err != nil {
			log.Error("ensure registry schema", "err", err)
			os.Exit(2)
		}
		ms, err := marketpg.New(pool)
		if err != nil {
			log.Error("init market store", "err", err)
			os.Exit(2)
		}
		if err := ms.EnsureSchema(ctx); err != nil {
			log.Error("ensure market schema", "err", err)
			os.Exit(2)
		}
		registryStore, marketStore = rs, ms
	case "memory":
		registryStore = registry.NewMemoryStore()
		marketStore = market.NewMemoryStore()
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported store driver %q\n", *storeDriver)
		os.Exit(2)
	}

	emitter, err := events.New(events.Config{
		Driver:  *eventsDriver,
		Brokers: events.SplitCommaList(*eventsBrokers),
		Topic:   *eventsTopic,
		Writer:  os.Stdout,
	})
	if err != nil {
		log.Error("init event emitter", "err", err)
		os.Exit(2)
	}
	defer func() { _ = emitter.Close() }()

	var verifier auth.Verifier
	switch strings.TrimSpace(strings.ToLower(*authDriver)) {
	case "signature":
		verifier = auth.SignatureVerifier{}
	case "static":
		var allowed []common.Address
		for _, raw := range events.SplitCommaList(*authAllowlist) {
			if !common.IsHexAddress(raw) {
				fmt.Fprintf(os.Stderr, "error: invalid allowlist address %q\n", raw)
				os.Exit(2)
			}
			allowed = append(allowed, common.HexToAddress(raw))
		}
		if len(allowed) == 0 {
			fmt.Fprintln(os.Stderr, "error: --auth-allowlist is required with --auth-driver=static")
			os.Exit(2)
		}
		verifier = auth.NewStaticVerifier(allowed)
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported auth driver %q\n", *authDriver)
		os.Exit(2)
	}

	var (
		transferor token.Transferor
		escrow     common.Address
	)
	switch strings.TrimSpace(strings.ToLower(*tokenDriver)) {
	case "erc20":
		keyHex := strings.TrimSpace(*operatorKeyHex)
		if strings.TrimSpace(*operatorKeyFile) != "" {
			keyBytes, readErr := os.ReadFile(strings.TrimSpace(*operatorKeyFile))
			if readErr != nil {
				log.Error("read operator key file", "err", readErr)
				os.Exit(2)
			}
			keyHex = strings.TrimSpace(string(keyBytes))
		}
		if strings.TrimSpace(*tokenRPCURL) == "" || *tokenChainID == 0 || !common.IsHexAddress(*tokenAddress) || keyHex == "" {
			fmt.Fprintln(os.Stderr, "error: erc20 driver requires --token-rpc-url, --token-chain-id, --token-address, and an operator key")
			os.Exit(2)
		}
		operatorKey, keyErr := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
		if keyErr != nil {
			log.Error("parse operator key", "err", keyErr)
			os.Exit(2)
		}
		client, dialErr := ethclient.DialContext(ctx, *tokenRPCURL)
		if dialErr != nil {
			log.Error("dial token rpc", "err", dialErr)
			os.Exit(2)
		}
		defer client.Close()

		erc20, tokenErr := token.NewERC20(token.ERC20Config{
			Backend:     client,
			Token:       common.HexToAddress(*tokenAddress),
			ChainID:     new(big.Int).SetUint64(*tokenChainID),
			OperatorKey: operatorKey,
		})
		if tokenErr != nil {
			log.Error("init erc20 transferor", "err", tokenErr)
			os.Exit(2)
		}
		transferor = erc20
		escrow = crypto.PubkeyToAddress(operatorKey.PublicKey)
	case "memory":
		if !common.IsHexAddress(*escrowAddrFlag) {
			fmt.Fprintln(os.Stderr, "error: --escrow-address is required with --token-driver=memory")
			os.Exit(2)
		}
		escrow = common.HexToAddress(*escrowAddrFlag)
		ledger := token.NewMemoryLedger()
		for _, pair := range events.SplitCommaList(*tokenFund) {
			addrStr, amountStr, ok := strings.Cut(pair, ":")
			if !ok || !common.IsHexAddress(addrStr) {
				fmt.Fprintf(os.Stderr, "error: invalid --token-fund entry %q\n", pair)
				os.Exit(2)
			}
			amount, parseErr := strconv.ParseInt(amountStr, 10, 64)
			if parseErr != nil {
				fmt.Fprintf(os.Stderr, "error: invalid --token-fund amount %q\n", amountStr)
				os.Exit(2)
			}
			if err := ledger.Fund(common.HexToAddress(addrStr), amount); err != nil {
				log.Error("seed ledger balance", "err", err)
				os.Exit(2)
			}
		}
		transferor = ledger
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported token driver %q\n", *tokenDriver)
		os.Exit(2)
	}

	var archive artifacts.Archive
	switch strings.TrimSpace(strings.ToLower(*artifactsDriver)) {
	case "off", "":
	case "memory":
		archive, err = artifacts.New(artifacts.Config{
			Driver: artifacts.DriverMemory,
			Prefix: *artifactsPrefix,
		})
		if err != nil {
			log.Error("init result archive", "err", err)
			os.Exit(2)
		}
	case "s3":
		awsCfg, awsErr := awsconfig.LoadDefaultConfig(ctx)
		if awsErr != nil {
			log.Error("load aws config", "err", awsErr)
			os.Exit(2)
		}
		archive, err = artifacts.New(artifacts.Config{
			Driver:   artifacts.DriverS3,
			Prefix:   *artifactsPrefix,
			Bucket:   *artifactsBucket,
			S3Client: s3.NewFromConfig(awsCfg),
		})
		if err != nil {
			log.Error("init result archive", "err", err)
			os.Exit(2)
		}
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported artifacts driver %q\n", *artifactsDriver)
		os.Exit(2)
	}

	reg, err := registry.New(registry.Config{
		Store:    registryStore,
		Verifier: verifier,
		Events:   emitter,
		Logger:   log.With("component", "registry"),
	})
	if err != nil {
		log.Error("init registry", "err", err)
		os.Exit(2)
	}

	mkt, err := market.New(market.Config{
		Store:       marketStore,
		Token:       transferor,
		Verifier:    verifier,
		Escrow:      escrow,
		Events:      emitter,
		Completions: reg,
		Logger:      log.With("component", "market"),
	})
	if err != nil {
		log.Error("init marketplace", "err", err)
		os.Exit(2)
	}

	if *initialize {
		if err := mkt.Initialize(ctx); err != nil && !errors.Is(err, market.ErrAlreadyInitialized) {
			log.Error("initialize marketplace", "err", err)
			os.Exit(2)
		}
	}

	handler, err := marketapi.NewHandler(marketapi.Config{
		Resources:               reg,
		Jobs:                    mkt,
		Results:                 archive,
		Escrow:                  escrow,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Now:                     time.Now,
	})
	if err != nil {
		log.Error("init market api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("marketd listening", "addr", *listenAddr, "store", *storeDriver, "token", *tokenDriver, "escrow", escrow.Hex())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
