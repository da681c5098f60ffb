// Command leadauctiond runs the lead auction daemon: the HTTP API, the
// websocket event stream and the closure sweep, backed by either the
// in-memory store or Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/leadex-io/leadauction/audit"
	"github.com/leadex-io/leadauction/auction"
	"github.com/leadex-io/leadauction/config"
	"github.com/leadex-io/leadauction/escrow"
	"github.com/leadex-io/leadauction/oracle"
	"github.com/leadex-io/leadauction/scheduler"
	"github.com/leadex-io/leadauction/server"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file (defaults apply when empty)")
		help       = flag.Bool("help", false, "Show usage information")
	)
	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(2)
		}
		cfg = loaded
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	store, err := buildStore(cfg)
	if err != nil {
		return err
	}

	clock := auction.SystemClock{}
	hub := server.NewHub()

	engine := auction.NewEngine(store, clock, auction.EngineConfig{
		BiddingDuration:     config.Duration(cfg.Auction.BiddingDuration),
		RevealDuration:      config.Duration(cfg.Auction.RevealDuration),
		AutoExtendIncrement: config.Duration(cfg.Auction.AutoExtendIncrement),
		AutoExtendMax:       cfg.Auction.AutoExtendMax,
	}, hub)

	gateway := escrow.NewGateway(
		buildSettlementClient(cfg),
		escrow.NewLedger(),
		config.Duration(cfg.Escrow.CallTimeout),
		clock,
	)

	signer, err := audit.NewSigner()
	if err != nil {
		return fmt.Errorf("create resolution signer: %w", err)
	}

	closer := scheduler.NewCloser(store, clock, oracle.LocalBeacon{}, gateway, signer, hub, scheduler.Config{
		SweepInterval:  config.Duration(cfg.Closure.SweepInterval),
		SafetyMargin:   config.Duration(cfg.Closure.SafetyMargin),
		RevealDuration: config.Duration(cfg.Auction.RevealDuration),
		OracleTimeout:  config.Duration(cfg.Closure.OracleTimeout),
	})

	srv := server.New(server.Config{
		ListenAddr:               cfg.Server.ListenAddr,
		ReadTimeout:              config.Duration(cfg.Server.ReadTimeout),
		WriteTimeout:             config.Duration(cfg.Server.WriteTimeout),
		DrainDuration:            config.Duration(cfg.Server.DrainDuration),
		GracefulShutdownDuration: config.Duration(cfg.Server.GracefulShutdownDuration),
	}, server.NewHandler(engine, closer), hub)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go closer.Run(ctx)
	srv.RunInBackground()
	log.Printf("INFO: leadauctiond started on %s", cfg.Server.ListenAddr)

	<-ctx.Done()
	log.Printf("INFO: Shutting down")
	srv.Shutdown()
	return nil
}

func buildStore(cfg *config.Config) (auction.Store, error) {
	if !cfg.UsePostgres() {
		log.Printf("INFO: Using in-memory store")
		return auction.NewMemoryStore(), nil
	}

	store, err := auction.NewPostgresStore(postgresConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	log.Printf("INFO: Using postgres store at %s:%d", cfg.Postgres.Host, cfg.Postgres.Port)
	return store, nil
}

func postgresConfig(cfg *config.Config) *auction.PostgresConfig {
	return &auction.PostgresConfig{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.DBName,
		SSLMode:  cfg.Postgres.SSLMode,
	}
}

func buildSettlementClient(cfg *config.Config) escrow.SettlementClient {
	if cfg.Escrow.ChainEndpoint == "" {
		log.Printf("WARNING: No chain endpoint configured, all settlement is off-chain")
		return escrow.UnavailableClient{}
	}
	return escrow.NewHTTPChainClient(cfg.Escrow.ChainEndpoint, nil)
}
