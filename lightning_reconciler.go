package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// lightningPageSize is the Lightning ledger feed page size. A page shorter
// than this ends pagination.
const lightningPageSize = 100

// LightningReconciler mirrors the remote Lightning ledger feed into the local
// store, enforcing preauth replacement as entries settle.
type LightningReconciler struct {
	db       *gorm.DB
	client   LedgerClient
	notifier *Notifier
	logger   Logger
}

func NewLightningReconciler(db *gorm.DB, client LedgerClient, notifier *Notifier, logger Logger) *LightningReconciler {
	return &LightningReconciler{
		db:       db,
		client:   client,
		notifier: notifier,
		logger:   logger.NewSystem("lightning-reconciler"),
	}
}

// Sync pages through the remote feed from just before the newest locally
// known entry. The lookback margin re-fetches recent entries so a preauth
// that settled since the last pass gets replaced.
func (r *LightningReconciler) Sync(ctx context.Context) error {
	latest, err := latestLightningTimestamp(r.db)
	if err != nil {
		return err
	}
	var since *time.Time
	if latest != nil {
		s := latest.Add(-syncLookbackMargin)
		since = &s
	}

	var fetched []LightningLedgerEntry
	for page := 1; ; page++ {
		records, err := r.client.FetchLightningLedger(ctx, since, page, lightningPageSize)
		if err != nil {
			return errors.Wrapf(err, "fetch lightning ledger page %d", page)
		}
		for _, rec := range records {
			fetched = append(fetched, lightningEntryFromRecord(rec))
		}
		if len(records) < lightningPageSize {
			break
		}
	}
	if len(fetched) == 0 {
		return nil
	}

	err = r.db.Transaction(func(tx *gorm.DB) error {
		return upsertLightningEntries(tx, fetched)
	})
	if err != nil {
		return errors.Wrap(err, "persist lightning entries")
	}

	r.notifier.Emit(BalanceChangedEventType, nil)
	r.logger.Info("lightning ledger synced", "entries", len(fetched))
	return nil
}

func lightningEntryFromRecord(rec LightningEntryRecord) LightningLedgerEntry {
	return LightningLedgerEntry{
		ID:                rec.ID,
		RequestID:         rec.RequestID,
		Type:              LightningEntryType(rec.Type),
		Direction:         LightningDirection(rec.Direction),
		ValueSats:         rec.ValueSats,
		NetworkFeeSats:    rec.NetworkFeeSats,
		ProcessingFeeSats: rec.ProcessingFeeSats,
		IsPreauth:         rec.IsPreauth,
		Memo:              rec.Memo,
		ExpiresAt:         rec.ExpiresAt,
		LedgerTimestamp:   rec.Timestamp,
	}
}
