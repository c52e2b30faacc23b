package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalletIndexState(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	state, err := getWalletIndexState(db)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), state.lastUsed(ChainReceive))
	assert.Equal(t, int64(-1), state.lastUsed(ChainChange))

	require.NoError(t, advanceUsedIndex(db, ChainReceive, 5))
	require.NoError(t, advanceUsedIndex(db, ChainChange, 2))

	state, err = getWalletIndexState(db)
	require.NoError(t, err)
	assert.Equal(t, int64(5), state.lastUsed(ChainReceive))
	assert.Equal(t, int64(2), state.lastUsed(ChainChange))

	// Indices never regress on a lower observation.
	require.NoError(t, advanceUsedIndex(db, ChainReceive, 3))
	state, err = getWalletIndexState(db)
	require.NoError(t, err)
	assert.Equal(t, int64(5), state.lastUsed(ChainReceive))

	// The singleton row is reused, not duplicated.
	var count int64
	require.NoError(t, db.Model(&WalletIndexState{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestUpsertAddressSummaries(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now().UTC().Truncate(time.Second)
	rows := []AddressTransactionSummary{
		{Address: "addr-0-0", TxID: "tx-1", DerivationChain: ChainReceive, DerivationIndex: 0, Date: now},
		{Address: "addr-0-1", TxID: "tx-1", DerivationChain: ChainReceive, DerivationIndex: 1, Date: now},
	}
	require.NoError(t, upsertAddressSummaries(db, rows))

	// Re-reporting the same pair must not duplicate it.
	again := []AddressTransactionSummary{
		{Address: "addr-0-0", TxID: "tx-1", DerivationChain: ChainReceive, DerivationIndex: 0, Date: now.Add(time.Minute)},
	}
	require.NoError(t, upsertAddressSummaries(db, again))

	summaries, err := getSummariesByTxID(db, "tx-1")
	require.NoError(t, err)
	assert.Len(t, summaries, 2)
}
