package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	container "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupTestSqlite creates an in-memory SQLite DB for testing
func setupTestSqlite(t testing.TB) *gorm.DB {
	t.Helper()

	uniqueDSN := fmt.Sprintf("file::memory:test%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(uniqueDSN), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&Transaction{}, &TxInput{}, &TxOutput{}, &AddressTransactionSummary{}, &WalletIndexState{}, &Invitation{}, &LightningLedgerEntry{})
	require.NoError(t, err)

	return db
}

// setupTestPostgres creates a PostgreSQL database using testcontainers
func setupTestPostgres(ctx context.Context, t testing.TB) (*gorm.DB, testcontainers.Container) {
	t.Helper()

	const dbName = "postgres"
	const dbUser = "postgres"
	const dbPassword = "postgres"

	postgresContainer, err := container.Run(ctx,
		"postgres:16-alpine",
		container.WithDatabase(dbName),
		container.WithUsername(dbUser),
		container.WithPassword(dbPassword),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_HOST_AUTH_METHOD": "trust",
		}),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForLog("database system is ready to accept connections"),
				wait.ForListeningPort("5432/tcp"),
			)))
	require.NoError(t, err)
	log.Println("Started container:", postgresContainer.GetContainerID())

	url, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := gorm.Open(postgres.Open(url), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&Transaction{}, &TxInput{}, &TxOutput{}, &AddressTransactionSummary{}, &WalletIndexState{}, &Invitation{}, &LightningLedgerEntry{})
	require.NoError(t, err)

	return db, postgresContainer
}

// setupTestDB chooses SQLite or Postgres based on TEST_DB_DRIVER
func setupTestDB(t testing.TB) (*gorm.DB, func()) {
	t.Helper()

	ctx := context.Background()
	var db *gorm.DB
	var cleanup func()

	switch os.Getenv("TEST_DB_DRIVER") {
	case "postgres":
		log.Println("Using PostgreSQL for testing")
		var pgContainer testcontainers.Container
		db, pgContainer = setupTestPostgres(ctx, t)
		cleanup = func() {
			if pgContainer != nil {
				if err := pgContainer.Terminate(ctx); err != nil {
					log.Printf("Failed to terminate PostgreSQL container: %v", err)
				}
			}
		}
	default:
		db = setupTestSqlite(t)
		cleanup = func() {}
	}

	return db, cleanup
}

func testLogger() Logger {
	return NewLoggerIPFS("root.test")
}

// stubAddressSource derives stable fake addresses without real key material.
type stubAddressSource struct {
	failIndexes map[uint32]bool
}

func (s *stubAddressSource) DeriveAddress(chain AddressChain, index uint32) (DerivedAddress, error) {
	if s.failIndexes[index] {
		return DerivedAddress{}, AddressDerivationError{Chain: chain, Index: index, Err: fmt.Errorf("stub failure")}
	}
	return DerivedAddress{
		Address: stubAddress(chain, index),
		Chain:   chain,
		Index:   index,
		Path:    fmt.Sprintf("m/84'/0'/0'/%d/%d", chain, index),
	}, nil
}

func stubAddress(chain AddressChain, index uint32) string {
	return fmt.Sprintf("addr-%d-%d", chain, index)
}

// mockLedgerClient is a function-field test double for the ledger API.
type mockLedgerClient struct {
	fetchSummaries     func(ctx context.Context, addresses []string, after *time.Time) ([]AddressSummary, error)
	fetchDetails       func(ctx context.Context, txids []string) ([]TransactionDetail, error)
	broadcast          func(ctx context.Context, rawTx []byte) (string, error)
	confirmPresence    func(ctx context.Context, txid string) (bool, error)
	fetchNetworkInfo   func(ctx context.Context) (NetworkInfo, error)
	fetchDayPrice      func(ctx context.Context, day time.Time) (decimal.Decimal, error)
	fetchNotifications func(ctx context.Context, txids []string) ([]TransactionNotification, error)
	fetchLightning     func(ctx context.Context, since *time.Time, page, perPage int) ([]LightningEntryRecord, error)
	fetchReceived      func(ctx context.Context) ([]AddressRequestRecord, error)
	fetchSent          func(ctx context.Context) ([]AddressRequestRecord, error)
	updateRequest      func(ctx context.Context, id, status, txid string) error
	cancelRequest      func(ctx context.Context, id string) error
	cancelPreauth      func(ctx context.Context, preauthID string) error
}

func (m *mockLedgerClient) FetchTransactionSummaries(ctx context.Context, addresses []string, after *time.Time) ([]AddressSummary, error) {
	if m.fetchSummaries == nil {
		return nil, ErrEmptyResponse
	}
	return m.fetchSummaries(ctx, addresses, after)
}

func (m *mockLedgerClient) FetchTransactionDetails(ctx context.Context, txids []string) ([]TransactionDetail, error) {
	if m.fetchDetails == nil {
		return nil, nil
	}
	return m.fetchDetails(ctx, txids)
}

func (m *mockLedgerClient) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	if m.broadcast == nil {
		return "", fmt.Errorf("broadcast not configured")
	}
	return m.broadcast(ctx, rawTx)
}

func (m *mockLedgerClient) ConfirmTransactionPresence(ctx context.Context, txid string) (bool, error) {
	if m.confirmPresence == nil {
		return false, nil
	}
	return m.confirmPresence(ctx, txid)
}

func (m *mockLedgerClient) FetchNetworkInfo(ctx context.Context) (NetworkInfo, error) {
	if m.fetchNetworkInfo == nil {
		return NetworkInfo{BestHeight: 800000, ExchangeRateUSD: decimal.NewFromInt(60000)}, nil
	}
	return m.fetchNetworkInfo(ctx)
}

func (m *mockLedgerClient) FetchDayAveragePrice(ctx context.Context, day time.Time) (decimal.Decimal, error) {
	if m.fetchDayPrice == nil {
		return decimal.Zero, ErrPriceNotFound
	}
	return m.fetchDayPrice(ctx, day)
}

func (m *mockLedgerClient) FetchTransactionNotifications(ctx context.Context, txids []string) ([]TransactionNotification, error) {
	if m.fetchNotifications == nil {
		return nil, nil
	}
	return m.fetchNotifications(ctx, txids)
}

func (m *mockLedgerClient) FetchLightningLedger(ctx context.Context, since *time.Time, page, perPage int) ([]LightningEntryRecord, error) {
	if m.fetchLightning == nil {
		return nil, nil
	}
	return m.fetchLightning(ctx, since, page, perPage)
}

func (m *mockLedgerClient) FetchReceivedAddressRequests(ctx context.Context) ([]AddressRequestRecord, error) {
	if m.fetchReceived == nil {
		return nil, nil
	}
	return m.fetchReceived(ctx)
}

func (m *mockLedgerClient) FetchSentAddressRequests(ctx context.Context) ([]AddressRequestRecord, error) {
	if m.fetchSent == nil {
		return nil, nil
	}
	return m.fetchSent(ctx)
}

func (m *mockLedgerClient) UpdateAddressRequestStatus(ctx context.Context, id, status, txid string) error {
	if m.updateRequest == nil {
		return nil
	}
	return m.updateRequest(ctx, id, status, txid)
}

func (m *mockLedgerClient) CancelAddressRequest(ctx context.Context, id string) error {
	if m.cancelRequest == nil {
		return nil
	}
	return m.cancelRequest(ctx, id)
}

func (m *mockLedgerClient) CancelPreauth(ctx context.Context, preauthID string) error {
	if m.cancelPreauth == nil {
		return nil
	}
	return m.cancelPreauth(ctx, preauthID)
}

func (m *mockLedgerClient) SubscribeBlocks(ctx context.Context) (<-chan BlockEvent, error) {
	return nil, nil
}

// mockPaymentDelegate is a function-field test double for the signing service.
type mockPaymentDelegate struct {
	buildOnChain func(ctx context.Context, amountSats int64, address string, feeSats int64) (*BuiltTransaction, error)
	payLightning func(ctx context.Context, invoice string, amountSats int64, memo string) (*LightningPaymentResult, error)
}

func (m *mockPaymentDelegate) BuildOnChainTransaction(ctx context.Context, amountSats int64, address string, feeSats int64) (*BuiltTransaction, error) {
	if m.buildOnChain == nil {
		return nil, fmt.Errorf("buildOnChain not configured")
	}
	return m.buildOnChain(ctx, amountSats, address, feeSats)
}

func (m *mockPaymentDelegate) PayLightning(ctx context.Context, invoice string, amountSats int64, memo string) (*LightningPaymentResult, error) {
	if m.payLightning == nil {
		return nil, fmt.Errorf("payLightning not configured")
	}
	return m.payLightning(ctx, invoice, amountSats, memo)
}

func testConfig() *Config {
	return &Config{
		GapLimit:           20,
		SyncInterval:       time.Minute,
		DetailBatchSize:    25,
		MaxInFlightBatches: 5,
	}
}

func int64Ptr(v int64) *int64 {
	return &v
}
