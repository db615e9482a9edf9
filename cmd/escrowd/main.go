package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"gigchain/config"
	"gigchain/gateway"
	"gigchain/native/escrow"
	"gigchain/native/governance"
	"gigchain/native/rates"
	"gigchain/observability/logging"
	"gigchain/observability/otel"
	"gigchain/storage"
)

func main() {
	configPath := flag.String("config", "escrowd.toml", "path to the TOML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.Setup("escrowd", cfg.Environment, logging.Options{
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := otel.Setup(ctx, "escrowd", cfg.Environment, otel.Config{
		Endpoint: cfg.Telemetry.Endpoint,
		Insecure: cfg.Telemetry.Insecure,
		Headers:  cfg.Telemetry.Headers,
		Metrics:  cfg.Telemetry.Metrics,
		Traces:   cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown", "err", err)
		}
	}()

	store, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	policy := governancePolicy(cfg.Governance).Normalize()
	oracle, err := buildOracle(cfg.Oracle, policy)
	if err != nil {
		return err
	}

	wallets := gateway.NewStaticWallets(cfg.Wallets)

	var subs []gateway.Subscription
	if cfg.Webhooks.ManifestPath != "" {
		subs, err = gateway.LoadSubscriptions(cfg.Webhooks.ManifestPath)
		if err != nil {
			return err
		}
	}
	notifier := gateway.NewNotifier(subs, logger, gateway.NotifierOptions{
		QueueSize:   cfg.Webhooks.QueueSize,
		MaxAttempts: cfg.Webhooks.MaxAttempts,
		Journal:     store,
	})
	go notifier.Run(ctx)

	escrowEngine := escrow.NewEngine()
	escrowEngine.SetState(store)
	escrowEngine.SetWallets(wallets)
	escrowEngine.SetEmitter(notifier)
	if cfg.Marketplace.CompletionURL != "" {
		escrowEngine.SetWorkSync(gateway.NewMarketplaceClient(cfg.Marketplace.CompletionURL, cfg.Marketplace.Secret, nil))
	}

	governanceEngine := governance.NewEngine()
	governanceEngine.SetState(store)
	governanceEngine.SetLedgers(store)
	governanceEngine.SetEligibility(gateway.OpenEligibility{})
	governanceEngine.SetWallets(wallets)
	governanceEngine.SetOracle(oracle)
	governanceEngine.SetEmitter(notifier)
	governanceEngine.SetPolicy(policy)

	engagements := gateway.NewStaticEngagements(staticEngagements(cfg.Engagements))
	auth := gateway.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)

	server := gateway.NewServer(escrowEngine, governanceEngine, engagements, auth, gateway.ServerOptions{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		Journal:           store,
		Logger:            logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(server.Router(), "escrowd"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening", "addr", cfg.ListenAddress, "environment", cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func buildOracle(cfg config.OracleConfig, policy governance.Policy) (rates.PriceOracle, error) {
	aggregator := rates.NewAggregator(cfg.Priority, cfg.MaxQuoteAge())

	if strings.TrimSpace(cfg.ManualRate) != "" {
		manual := rates.NewManualOracle()
		// The pair follows the governance payout policy; operators pin a rate
		// here to override the live feeds during incidents.
		if err := manual.SetDecimal(policy.FiatSymbol, policy.CryptoSymbol, cfg.ManualRate, time.Now()); err != nil {
			return nil, err
		}
		aggregator.Register("manual", manual)
	}
	if strings.TrimSpace(cfg.CoinGeckoEndpoint) != "" {
		client := &http.Client{Timeout: 10 * time.Second}
		aggregator.Register("coingecko", rates.NewCoinGeckoOracle(client, cfg.CoinGeckoEndpoint, cfg.CoinGeckoAssetIDs))
	}
	return aggregator, nil
}

func governancePolicy(cfg config.GovernanceConfig) governance.Policy {
	policy := governance.Policy{
		VotingPeriod:         cfg.VotingPeriod(),
		Quorum:               cfg.Quorum,
		MinActivityPoints:    cfg.MinActivityPoints,
		SettlementPercentage: cfg.SettlementPercentage,
		FiatSymbol:           cfg.FiatSymbol,
		CryptoSymbol:         cfg.CryptoSymbol,
		CryptoDecimals:       cfg.CryptoDecimals,
	}
	if trimmed := strings.TrimSpace(cfg.MinPayoutUnit); trimmed != "" {
		if unit, ok := new(big.Int).SetString(trimmed, 10); ok && unit.Sign() > 0 {
			policy.MinPayoutUnit = unit
		}
	}
	return policy
}

func staticEngagements(list []config.Engagement) []escrow.Engagement {
	out := make([]escrow.Engagement, 0, len(list))
	for _, eng := range list {
		out = append(out, escrow.Engagement{
			ID:             eng.ID,
			ClientID:       eng.ClientID,
			TalentID:       eng.TalentID,
			LinkedWorkID:   eng.LinkedWorkID,
			LinkedWorkKind: escrow.WorkKind(eng.LinkedWorkKind),
		})
	}
	return out
}
