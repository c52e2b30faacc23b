package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// runResyncCli rescans both derivation chains from index zero and runs one
// full pipeline pass, then exits.
// Example: walletsyncd resync
func runResyncCli(logger Logger) {
	logger = logger.NewSystem("resync")

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}

	db, err := ConnectToDB(config.dbConf)
	if err != nil {
		logger.Fatal("Failed to setup database", "error", err)
	}

	client := NewHTTPLedgerClient(config.LedgerAPIURL, config.LedgerWSURL, config.LedgerAPISecret, config.WalletID, logger)

	source, err := NewHDAddressSource(config.AccountXpriv, config.chainParams)
	if err != nil {
		logger.Fatal("Failed to initialize address source", "error", err)
	}

	cryptor, err := NewPayloadCryptor(source, config.LightningDefaultKey)
	if err != nil {
		logger.Fatal("Failed to initialize payload cryptor", "error", err)
	}

	notifier := NewNotifier(logger)
	transactions := NewTransactionReconciler(db, client, source, cryptor, notifier, nil, config, logger)
	lightning := NewLightningReconciler(db, client, notifier, logger)
	onChainWorker := NewOnChainPaymentWorker(db, client, client, notifier, nil, logger)
	lightningWorker := NewLightningPaymentWorker(db, client, notifier, logger)
	invitations := NewInvitationReconciler(db, client, onChainWorker, lightningWorker, notifier, logger)

	worker := NewSyncWorker(transactions, lightning, invitations, client, notifier, nil, config, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	worker.RunFull(ctx)
	logger.Info("full resync finished")
}
