package main

import (
	"context"
	"embed"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed config/migrations/*/*.sql
var embedMigrations embed.FS

func main() {
	logger := NewLogger("root")
	if len(os.Args) > 1 {
		// If a CLI command is provided, run it and exit
		runCli(logger, os.Args[1])
		return
	}

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}

	db, err := ConnectToDB(config.dbConf)
	if err != nil {
		logger.Fatal("Failed to setup database", "error", err)
	}

	client := NewHTTPLedgerClient(config.LedgerAPIURL, config.LedgerWSURL, config.LedgerAPISecret, config.WalletID, logger)

	source, err := NewHDAddressSource(config.AccountXpriv, config.chainParams)
	if err != nil {
		logger.Fatal("failed to initialize address source", "error", err)
	}

	cryptor, err := NewPayloadCryptor(source, config.LightningDefaultKey)
	if err != nil {
		logger.Fatal("failed to initialize payload cryptor", "error", err)
	}

	// Initialize Prometheus metrics
	metrics := NewMetrics()

	notifier := NewNotifier(logger)
	transactions := NewTransactionReconciler(db, client, source, cryptor, notifier, metrics, config, logger)
	lightning := NewLightningReconciler(db, client, notifier, logger)

	// The ledger client doubles as the payment delegate: transaction assembly
	// and Lightning settlement run on the hosted signing service.
	onChainWorker := NewOnChainPaymentWorker(db, client, client, notifier, metrics, logger)
	lightningWorker := NewLightningPaymentWorker(db, client, notifier, logger)
	invitations := NewInvitationReconciler(db, client, onChainWorker, lightningWorker, notifier, logger)

	syncWorker := NewSyncWorker(transactions, lightning, invitations, client, notifier, metrics, config, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := syncWorker.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Fatal("sync worker failure", "error", err)
		}
	}()

	metricsEndpoint := "/metrics"
	// Set up a separate mux for metrics
	metricsMux := http.NewServeMux()
	metricsMux.Handle(metricsEndpoint, promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    config.MetricsListenAddr,
		Handler: metricsMux,
	}

	// Start metrics monitoring
	go metrics.RecordMetricsPeriodically(db, logger)

	go func() {
		logger.Info("Prometheus metrics available", "listenAddr", config.MetricsListenAddr, "endpoint", metricsEndpoint)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failure", "error", err)
		}
	}()

	// Wait for shutdown signal.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down metrics server", "error", err)
	}

	logger.Info("shutdown complete")
}

func runCli(logger Logger, name string) {
	switch name {
	case "resync":
		runResyncCli(logger)
	case "export-transactions":
		runExportTransactionsCli(logger)
	default:
		logger.Fatal("Unknown CLI command", "name", name)
	}
}
