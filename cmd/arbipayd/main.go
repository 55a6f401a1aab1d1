package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"arbipay/config"
	"arbipay/core/bank"
	"arbipay/core/events"
	"arbipay/core/types"
	"arbipay/gateway"
	"arbipay/native/arbitration"
	"arbipay/native/escrow"
	"arbipay/native/routing"
	"arbipay/observability"
	"arbipay/observability/logging"
	"arbipay/observability/otel"
)

// moduleAddress derives a deterministic account for a module role so the
// vault and arbitrator accounts never collide with user addresses.
func moduleAddress(role string) [20]byte {
	hash := ethcrypto.Keccak256([]byte("arbipay/" + role))
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}

// logEmitter forwards engine events to the structured logger.
type logEmitter struct {
	logger *slog.Logger
}

func (l logEmitter) Emit(evt events.Event) {
	carrier, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		l.logger.Info("escrow event", "type", evt.EventType())
		return
	}
	payload := carrier.Event()
	if payload == nil {
		return
	}
	args := make([]any, 0, 2*len(payload.Attributes))
	for k, v := range payload.Attributes {
		args = append(args, k, v)
	}
	l.logger.Info(payload.Type, args...)
}

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ARBIPAY_ENV"))
	logger := logging.Setup("arbipayd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if env == "" {
		env = cfg.Env
	}

	if cfg.OtelEndpoint != "" {
		shutdown, err := otel.Init(context.Background(), otel.Config{
			ServiceName: "arbipayd",
			Environment: env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
		})
		if err != nil {
			logger.Error("failed to configure tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Warn("trace shutdown", "error", err)
			}
		}()
	}

	cost, err := cfg.ArbitrationCostAmount()
	if err != nil {
		logger.Error("invalid arbitration cost", "error", err)
		os.Exit(1)
	}

	ledger := bank.NewBank()
	registry := escrow.NewRegistry()

	arb := arbitration.NewCentralized(cfg.ArbitratorOwnerAddress(), cost)

	engine := escrow.NewEngine(registry, ledger)
	engine.SetVault(moduleAddress("escrow-vault"))
	engine.SetArbitrator(arb, moduleAddress("arbitrator"))
	engine.SetFeeTimeout(cfg.FeeTimeoutSeconds)
	engine.SetEmitter(logEmitter{logger: logger.With("component", "escrow")})
	arb.SetRuler(engine)

	router, err := routing.NewRouter(engine, routing.Policy{
		AdminFeeBps: cfg.AdminFeeBps,
		BurnFeeBps:  cfg.BurnFeeBps,
		AdminWallet: cfg.AdminWalletAddress(),
		BurnWallet:  cfg.BurnWalletAddress(),
	}, cfg.PaymentTimeoutSeconds)
	if err != nil {
		logger.Error("failed to configure routing", "error", err)
		os.Exit(1)
	}

	server, err := gateway.NewServer(gateway.Config{
		Engine:     engine,
		Router:     router,
		Arbitrator: arb,
		Metrics:    observability.Escrow(),
		Logger:     logger.With("component", "gateway"),
	})
	if err != nil {
		logger.Error("failed to configure gateway", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("arbipayd listening", "address", cfg.ListenAddress, "env", env)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("http server stopped", "error", err)
		os.Exit(1)
	}
	fmt.Println("arbipayd shut down")
}
