package main

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestUpsertLightningEntries_PreauthReplacement(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	preauth := LightningLedgerEntry{
		ID: "le-pre", RequestID: "req-1", Type: LightningEntryTypeLightning,
		Direction: LightningDirectionOut, ValueSats: 5000, IsPreauth: true,
		LedgerTimestamp: now.Add(-time.Hour),
	}
	final := LightningLedgerEntry{
		ID: "le-final", RequestID: "req-1", Type: LightningEntryTypeLightning,
		Direction: LightningDirectionOut, ValueSats: 5000, NetworkFeeSats: 10,
		LedgerTimestamp: now,
	}

	t.Run("Final entry replaces its preauth", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		require.NoError(t, upsertLightningEntries(db, []LightningLedgerEntry{preauth}))
		require.NoError(t, upsertLightningEntries(db, []LightningLedgerEntry{final}))

		_, err := getLightningEntryByID(db, "le-pre")
		assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

		entry, err := findLightningEntryByRequestID(db, "req-1")
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, "le-final", entry.ID)
		assert.False(t, entry.IsPreauth)
	})

	t.Run("A refetched preauth cannot resurrect after settlement", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		require.NoError(t, upsertLightningEntries(db, []LightningLedgerEntry{final}))
		// The feed lookback window re-delivers the stale preauth.
		require.NoError(t, upsertLightningEntries(db, []LightningLedgerEntry{preauth}))

		_, err := getLightningEntryByID(db, "le-pre")
		assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

		var count int64
		require.NoError(t, db.Model(&LightningLedgerEntry{}).Where("request_id = ?", "req-1").Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})

	t.Run("Both arriving in one batch keeps only the final", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		require.NoError(t, upsertLightningEntries(db, []LightningLedgerEntry{preauth, final}))

		var entries []LightningLedgerEntry
		require.NoError(t, db.Where("request_id = ?", "req-1").Find(&entries).Error)
		require.Len(t, entries, 1)
		assert.Equal(t, "le-final", entries[0].ID)
	})
}

func TestLightningBalanceSats(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	require.NoError(t, upsertLightningEntries(db, []LightningLedgerEntry{
		{ID: "in-1", RequestID: "r1", Type: LightningEntryTypeLightning, Direction: LightningDirectionIn, ValueSats: 10000, LedgerTimestamp: now},
		{ID: "out-1", RequestID: "r2", Type: LightningEntryTypeLightning, Direction: LightningDirectionOut, ValueSats: 3000, NetworkFeeSats: 10, ProcessingFeeSats: 5, LedgerTimestamp: now},
	}))

	balance, err := lightningBalanceSats(db)
	require.NoError(t, err)
	assert.Equal(t, int64(10000-3000-10-5), balance)
}

func TestLightningReconciler_Sync(t *testing.T) {
	t.Run("Pages until a short page", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		now := time.Now().UTC().Truncate(time.Second)
		pageOf := func(page int, size int) []LightningEntryRecord {
			records := make([]LightningEntryRecord, size)
			for i := range records {
				records[i] = LightningEntryRecord{
					ID:        fmt.Sprintf("le-%d-%d", page, i),
					RequestID: fmt.Sprintf("req-%d-%d", page, i),
					Type:      "lightning",
					Direction: "in",
					ValueSats: 100,
					Timestamp: now,
				}
			}
			return records
		}

		var requestedPages []int
		client := &mockLedgerClient{
			fetchLightning: func(ctx context.Context, since *time.Time, page, perPage int) ([]LightningEntryRecord, error) {
				requestedPages = append(requestedPages, page)
				require.Equal(t, lightningPageSize, perPage)
				if page == 1 {
					return pageOf(page, lightningPageSize), nil
				}
				return pageOf(page, 3), nil
			},
		}

		r := NewLightningReconciler(db, client, NewNotifier(testLogger()), testLogger())
		require.NoError(t, r.Sync(context.Background()))

		assert.Equal(t, []int{1, 2}, requestedPages)

		var count int64
		require.NoError(t, db.Model(&LightningLedgerEntry{}).Count(&count).Error)
		assert.Equal(t, int64(lightningPageSize+3), count)
	})

	t.Run("Anchors the window behind the newest local entry", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		newest := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, upsertLightningEntries(db, []LightningLedgerEntry{{
			ID: "le-1", RequestID: "r1", Type: LightningEntryTypeLightning,
			Direction: LightningDirectionIn, ValueSats: 100, LedgerTimestamp: newest,
		}}))

		var gotSince *time.Time
		client := &mockLedgerClient{
			fetchLightning: func(ctx context.Context, since *time.Time, page, perPage int) ([]LightningEntryRecord, error) {
				gotSince = since
				return nil, nil
			},
		}
		r := NewLightningReconciler(db, client, NewNotifier(testLogger()), testLogger())
		require.NoError(t, r.Sync(context.Background()))

		require.NotNil(t, gotSince)
		assert.WithinDuration(t, newest.Add(-syncLookbackMargin), *gotSince, time.Second)
	})
}
