package main

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransaction_NetWalletAmount(t *testing.T) {
	t.Run("Incoming payment counts only owned outputs", func(t *testing.T) {
		txn := Transaction{
			Inputs: []TxInput{
				{N: 0, ValueSats: 100000, IsOwned: false},
			},
			Outputs: []TxOutput{
				{N: 0, ValueSats: 30000, IsOwned: true},
				{N: 1, ValueSats: 69000, IsOwned: false},
			},
		}
		assert.Equal(t, int64(30000), txn.NetWalletAmount())
	})

	t.Run("Outgoing payment nets change against spent inputs", func(t *testing.T) {
		txn := Transaction{
			Inputs: []TxInput{
				{N: 0, ValueSats: 50000, IsOwned: true},
			},
			Outputs: []TxOutput{
				{N: 0, ValueSats: 30000, IsOwned: false},
				{N: 1, ValueSats: 19000, IsOwned: true},
			},
		}
		assert.Equal(t, int64(-31000), txn.NetWalletAmount())
	})

	t.Run("Foreign-only transaction nets to zero", func(t *testing.T) {
		txn := Transaction{
			Inputs:  []TxInput{{N: 0, ValueSats: 1000, IsOwned: false}},
			Outputs: []TxOutput{{N: 0, ValueSats: 900, IsOwned: false}},
		}
		assert.Equal(t, int64(0), txn.NetWalletAmount())
	})
}

func TestTransaction_Confirmations(t *testing.T) {
	txn := Transaction{BlockHeight: int64Ptr(100)}
	assert.Equal(t, int64(1), txn.Confirmations(100))
	assert.Equal(t, int64(6), txn.Confirmations(105))

	pending := Transaction{}
	assert.Equal(t, int64(0), pending.Confirmations(105))

	// A reorg can briefly leave the recorded height above the best height.
	ahead := Transaction{BlockHeight: int64Ptr(110)}
	assert.Equal(t, int64(0), ahead.Confirmations(105))
}

func TestUpsertTransaction(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	txn := Transaction{
		TxID: "tx-1",
		Date: time.Now(),
		Inputs: []TxInput{
			{N: 0, PrevTxID: "tx-0", PrevIndex: 1, ValueSats: 5000, IsOwned: true},
		},
		Outputs: []TxOutput{
			{N: 0, Address: "addr-0-0", ValueSats: 4000, IsOwned: true},
		},
	}
	require.NoError(t, upsertTransaction(db, &txn))

	// Refetching the same detail with a height set must update in place, not
	// duplicate inputs or outputs.
	updated := Transaction{
		TxID:        "tx-1",
		BlockHeight: int64Ptr(800000),
		Date:        txn.Date,
		Inputs: []TxInput{
			{N: 0, PrevTxID: "tx-0", PrevIndex: 1, ValueSats: 5000, IsOwned: true},
		},
		Outputs: []TxOutput{
			{N: 0, Address: "addr-0-0", ValueSats: 4000, IsOwned: true},
		},
	}
	require.NoError(t, upsertTransaction(db, &updated))

	stored, err := getTransactionByTxID(db, "tx-1")
	require.NoError(t, err)
	require.NotNil(t, stored.BlockHeight)
	assert.Equal(t, int64(800000), *stored.BlockHeight)
	assert.Len(t, stored.Inputs, 1)
	assert.Len(t, stored.Outputs, 1)

	var count int64
	require.NoError(t, db.Model(&Transaction{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRecomputeUnspentOutputs(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	funding := Transaction{
		TxID: "tx-fund",
		Date: time.Now().Add(-time.Hour),
		Outputs: []TxOutput{
			{N: 0, Address: "addr-0-0", ValueSats: 10000, IsOwned: true},
			{N: 1, Address: "addr-0-1", ValueSats: 20000, IsOwned: true},
		},
	}
	require.NoError(t, upsertTransaction(db, &funding))

	spend := Transaction{
		TxID: "tx-spend",
		Date: time.Now(),
		Inputs: []TxInput{
			{N: 0, PrevTxID: "tx-fund", PrevIndex: 0, ValueSats: 10000, IsOwned: true},
		},
		Outputs: []TxOutput{
			{N: 0, Address: "foreign", ValueSats: 9000, IsOwned: false},
		},
	}
	require.NoError(t, upsertTransaction(db, &spend))
	require.NoError(t, recomputeUnspentOutputs(db))

	var outputs []TxOutput
	require.NoError(t, db.Where("txid = ?", "tx-fund").Order("n ASC").Find(&outputs).Error)
	require.Len(t, outputs, 2)
	assert.True(t, outputs[0].IsSpent)
	assert.False(t, outputs[1].IsSpent)

	balance, err := spendableBalanceSats(db)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), balance)
}

func TestSpendableBalanceSats_ExcludesFailedAndTemporary(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	good := Transaction{
		TxID:    "tx-good",
		Date:    time.Now(),
		Outputs: []TxOutput{{N: 0, Address: "a", ValueSats: 1000, IsOwned: true}},
	}
	failed := Transaction{
		TxID:            "tx-failed",
		Date:            time.Now(),
		BroadcastFailed: true,
		Outputs:         []TxOutput{{N: 0, Address: "b", ValueSats: 2000, IsOwned: true}},
	}
	temporary := Transaction{
		TxID:        "tx-temp",
		Date:        time.Now(),
		IsTemporary: true,
		Outputs:     []TxOutput{{N: 0, Address: "c", ValueSats: 4000, IsOwned: true}},
	}
	require.NoError(t, upsertTransaction(db, &good))
	require.NoError(t, upsertTransaction(db, &failed))
	require.NoError(t, upsertTransaction(db, &temporary))

	balance, err := spendableBalanceSats(db)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)
}

func TestLatestTransactionDate(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	latest, err := latestTransactionDate(db)
	require.NoError(t, err)
	assert.Nil(t, latest)

	older := time.Now().Add(-48 * time.Hour).UTC().Truncate(time.Second)
	newer := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, upsertTransaction(db, &Transaction{TxID: "tx-old", Date: older}))
	require.NoError(t, upsertTransaction(db, &Transaction{TxID: "tx-new", Date: newer}))
	// Temporary placeholders never anchor the incremental window.
	require.NoError(t, upsertTransaction(db, &Transaction{TxID: "tx-temp", Date: newer.Add(time.Hour), IsTemporary: true}))

	latest, err = latestTransactionDate(db)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.WithinDuration(t, newer, *latest, time.Second)
}

func TestSetTransactionPrice(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	require.NoError(t, upsertTransaction(db, &Transaction{TxID: "tx-1", Date: time.Now()}))

	missing, err := transactionsMissingPrice(db)
	require.NoError(t, err)
	require.Len(t, missing, 1)

	require.NoError(t, setTransactionPrice(db, "tx-1", decimal.RequireFromString("64123.55")))

	missing, err = transactionsMissingPrice(db)
	require.NoError(t, err)
	assert.Empty(t, missing)

	stored, err := getTransactionByTxID(db, "tx-1")
	require.NoError(t, err)
	require.NotNil(t, stored.DayAveragePrice)
	assert.True(t, stored.DayAveragePrice.Equal(decimal.RequireFromString("64123.55")))
}
