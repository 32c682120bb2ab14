package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/net/netutil"

	"collateralx/core/events"
	"collateralx/native/bank"
	"collateralx/native/lending"
	"collateralx/native/stable"
	"collateralx/observability"
	"collateralx/observability/logging"
	telemetry "collateralx/observability/otel"
	"collateralx/oracle"
	lendingserver "collateralx/services/lending/server"
	"collateralx/services/lendingd/config"
	"collateralx/services/lendingd/indexer"
	"collateralx/storage"
)

func main() {
	var (
		cfgPath    string
		exportPath string
	)
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.StringVar(&exportPath, "export-events", "", "write indexed events to this parquet file and exit")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	env := cfg.Environment
	if value := strings.TrimSpace(os.Getenv("LENDINGD_ENV")); value != "" {
		env = value
	}

	var logOut io.Writer
	if rotating := logging.RotatingFile(logging.FileOptions{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   true,
	}); rotating != nil {
		logOut = rotating
		defer rotating.Close()
	}
	logger := logging.Setup("lendingd", env, logOut)

	if exportPath != "" {
		if err := exportEvents(cfg, exportPath, logger); err != nil {
			log.Fatalf("export events: %v", err)
		}
		return
	}

	if err := run(cfg, env, logger); err != nil {
		log.Fatalf("lendingd: %v", err)
	}
}

func run(cfg config.Config, env string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryCfg := telemetry.Config{
		ServiceName: "lendingd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		telemetryCfg.Endpoint = endpoint
	}
	if headers := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"); strings.TrimSpace(headers) != "" {
		telemetryCfg.Headers = telemetry.ParseHeaders(headers)
	}
	shutdownTelemetry, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	db, err := storage.Open(cfg.Storage.Engine, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	params := lending.DefaultParams()
	if cfg.ParamsFile != "" {
		if params, err = lending.LoadParams(cfg.ParamsFile); err != nil {
			return err
		}
	}

	feed, err := openPriceFeed(ctx, cfg.Oracle)
	if err != nil {
		return fmt.Errorf("open price feed: %w", err)
	}

	idx, err := indexer.Open(cfg.Indexer.Driver, cfg.Indexer.DSN, logger)
	if err != nil {
		return fmt.Errorf("open indexer: %w", err)
	}
	defer idx.Close()

	metrics := observability.NewLendingMetrics("collateralx")
	hub := lendingserver.NewHub(0, logger)
	emitter := events.Fanout{idx, hub, metrics, eventLogger(logger)}

	ledger := bank.NewLedger(db)
	token := stable.NewToken(db, cfg.Stable.Name, cfg.Stable.Symbol)
	token.SetEmitter(emitter)

	engine, err := lending.NewEngine(cfg.Module(), params)
	if err != nil {
		return err
	}
	store := lending.NewStore(db)
	accounts, err := store.Addresses()
	if err != nil {
		return fmt.Errorf("scan lending state: %w", err)
	}
	logger.Info("loaded lending state", "accounts", len(accounts), "engine", cfg.Storage.Engine)
	engine.SetState(store)
	engine.SetOracle(common.HexToAddress(cfg.Oracle.Feed), feed)
	engine.SetStableAsset(common.HexToAddress(cfg.Stable.Address), token)
	engine.SetNativeLedger(ledger)
	engine.SetEmitter(emitter)

	if err := seedModuleLiquidity(db, token, cfg.Module(), cfg.Faucet.ModuleLiquidity, logger); err != nil {
		return err
	}

	var secret []byte
	if cfg.Auth.JWT.Enabled {
		value, err := jwtSecret(cfg.Auth.JWT.SecretEnv)
		if err != nil {
			return err
		}
		secret = []byte(value)
	}

	srv, err := lendingserver.New(lendingserver.Deps{
		Engine:  engine,
		Stable:  token,
		Native:  ledger,
		Events:  idx,
		Hub:     hub,
		Metrics: metrics,
		Logger:  logger,
	}, lendingserver.Options{
		Auth:          cfg.Auth,
		JWTSecret:     secret,
		RateLimit:     cfg.RateLimit,
		FaucetEnabled: cfg.Faucet.Enabled,
	})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	if cfg.TLS.AllowInsecure {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			listener.Close()
			return errors.New("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
	}
	if cfg.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.MaxConnections)
	}
	tlsCfg, err := loadServerTLS(cfg.TLS)
	if err != nil {
		listener.Close()
		return fmt.Errorf("configure tls: %w", err)
	}
	if tlsCfg != nil {
		listener = tls.NewListener(listener, tlsCfg)
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.Default(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", "address", listener.Addr().String(), "tls", tlsCfg != nil)
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", "error", err)
			return httpServer.Close()
		}
		return nil
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

func exportEvents(cfg config.Config, path string, logger *slog.Logger) error {
	idx, err := indexer.Open(cfg.Indexer.Driver, cfg.Indexer.DSN, logger)
	if err != nil {
		return err
	}
	defer idx.Close()
	count, err := idx.ExportParquet(context.Background(), path, indexer.Filter{})
	if err != nil {
		return err
	}
	logger.Info("exported events", "path", path, "count", count)
	return nil
}

func openPriceFeed(ctx context.Context, cfg config.OracleConfig) (lending.PriceOracle, error) {
	switch cfg.Kind {
	case "chainlink":
		return oracle.DialChainlink(ctx, cfg.RPCURL, common.HexToAddress(cfg.Feed), cfg.MaxAge)
	default:
		price, err := oracle.ParseUnits(cfg.Price, oracle.PriceDecimals)
		if err != nil {
			return nil, err
		}
		return oracle.NewFixedFeed(price, oracle.PriceDecimals)
	}
}

var seededKey = []byte("lendingd/seeded")

// seedModuleLiquidity mints the configured stable liquidity to the module
// account once per state directory. The marker survives restarts, so a
// module drained by borrowers is never topped up again.
func seedModuleLiquidity(db storage.Database, token *stable.Token, module common.Address, amount string, logger *slog.Logger) error {
	if strings.TrimSpace(amount) == "" {
		return nil
	}
	seeded, err := db.Has(seededKey)
	if err != nil {
		return err
	}
	if seeded {
		return nil
	}
	supply, err := token.TotalSupply()
	if err != nil {
		return err
	}
	if supply.Sign() > 0 {
		// State predates the marker.
		return db.Put(seededKey, []byte{1})
	}
	liquidity, err := oracle.ParseUnits(amount, stable.Decimals)
	if err != nil {
		return fmt.Errorf("faucet.module_liquidity: %w", err)
	}
	if liquidity.Sign() <= 0 {
		return nil
	}
	if err := token.Faucet(module, liquidity); err != nil {
		return fmt.Errorf("seed module liquidity: %w", err)
	}
	if err := db.Put(seededKey, []byte{1}); err != nil {
		return fmt.Errorf("record liquidity seed: %w", err)
	}
	logger.Info("seeded module liquidity", "module", module.Hex(),
		"amount", oracle.FormatUnits(liquidity, stable.Decimals))
	return nil
}

func eventLogger(logger *slog.Logger) events.Emitter {
	return events.EmitterFunc(func(evt events.Event) {
		rendered := events.Render(evt)
		logger.Info("ledger event", "type", rendered.Type, "attributes", rendered.Attributes)
	})
}

func loadServerTLS(cfg config.TLSConfig) (*tls.Config, error) {
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		if cfg.AllowInsecure {
			return nil, nil
		}
		return nil, fmt.Errorf("tls credentials are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if cfg.ClientCAPath != "" {
		pem, err := os.ReadFile(cfg.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse client ca: invalid pem data")
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsCfg.ClientAuth = tls.NoClientCert
	}
	return tlsCfg, nil
}
