package main

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type LightningEntryType string
type LightningDirection string

const (
	LightningEntryTypeBtc       LightningEntryType = "btc"
	LightningEntryTypeLightning LightningEntryType = "lightning"
)

const (
	LightningDirectionIn  LightningDirection = "in"
	LightningDirectionOut LightningDirection = "out"
)

// LightningLedgerEntry is one Lightning ledger movement: a payment, an
// invoice, or an on-chain transfer proxy. A preauth entry is provisional and
// is replaced, never merged, once its final counterpart settles.
type LightningLedgerEntry struct {
	ID string `gorm:"column:entry_id;primaryKey"`
	// RequestID links a preauth entry to the final entry of the same logical
	// payment.
	RequestID          string             `gorm:"column:request_id;not null;index"`
	Type               LightningEntryType `gorm:"column:entry_type;not null"`
	Direction          LightningDirection `gorm:"column:direction;not null"`
	ValueSats          int64              `gorm:"column:value_sats;not null"`
	NetworkFeeSats     int64              `gorm:"column:network_fee_sats;not null;default:0"`
	ProcessingFeeSats  int64              `gorm:"column:processing_fee_sats;not null;default:0"`
	IsPreauth          bool               `gorm:"column:is_preauth;not null;default:false"`
	Memo               string             `gorm:"column:memo;type:text"`
	ExpiresAt          *time.Time         `gorm:"column:expires_at"`
	LedgerTimestamp    time.Time          `gorm:"column:ledger_timestamp;not null;index"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (LightningLedgerEntry) TableName() string {
	return "lightning_entries"
}

// upsertLightningEntries persists fetched ledger entries. When a final entry
// arrives for a request that still has a preauth row, the preauth row is
// deleted in the same transaction so both are never present together.
func upsertLightningEntries(tx *gorm.DB, entries []LightningLedgerEntry) error {
	for i := range entries {
		entry := entries[i]

		if !entry.IsPreauth && entry.RequestID != "" {
			if err := tx.Where("request_id = ? AND is_preauth = ? AND entry_id <> ?",
				entry.RequestID, true, entry.ID).
				Delete(&LightningLedgerEntry{}).Error; err != nil {
				return fmt.Errorf("failed to drop preauth entries for request %s: %w", entry.RequestID, err)
			}
		}

		// A preauth fetched again after its final entry landed must not be
		// resurrected.
		if entry.IsPreauth && entry.RequestID != "" {
			var count int64
			if err := tx.Model(&LightningLedgerEntry{}).
				Where("request_id = ? AND is_preauth = ?", entry.RequestID, false).
				Count(&count).Error; err != nil {
				return fmt.Errorf("failed to check final entries for request %s: %w", entry.RequestID, err)
			}
			if count > 0 {
				continue
			}
		}

		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "entry_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"value_sats", "network_fee_sats", "processing_fee_sats", "memo", "expires_at", "ledger_timestamp", "updated_at",
			}),
		}).Create(&entry).Error
		if err != nil {
			return fmt.Errorf("failed to upsert lightning entry %s: %w", entry.ID, err)
		}
	}
	return nil
}

func getLightningEntryByID(tx *gorm.DB, id string) (*LightningLedgerEntry, error) {
	var entry LightningLedgerEntry
	if err := tx.Where("entry_id = ?", id).First(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

func findLightningEntryByRequestID(tx *gorm.DB, requestID string) (*LightningLedgerEntry, error) {
	var entry LightningLedgerEntry
	err := tx.Where("request_id = ?", requestID).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find lightning entry for request %s: %w", requestID, err)
	}
	return &entry, nil
}

// latestLightningTimestamp returns the newest settled entry timestamp, or nil
// when the lightning ledger is empty locally.
func latestLightningTimestamp(tx *gorm.DB) (*time.Time, error) {
	var entry LightningLedgerEntry
	err := tx.Order("ledger_timestamp DESC").First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest lightning timestamp: %w", err)
	}
	return &entry.LedgerTimestamp, nil
}

// lightningBalanceSats is credits in minus debits out, excluding preauth
// holds' double count: preauth rows for outgoing payments already represent
// the hold, so they debit like settled entries.
func lightningBalanceSats(tx *gorm.DB) (int64, error) {
	var entries []LightningLedgerEntry
	if err := tx.Find(&entries).Error; err != nil {
		return 0, fmt.Errorf("failed to list lightning entries: %w", err)
	}

	var total int64
	for _, e := range entries {
		switch e.Direction {
		case LightningDirectionIn:
			total += e.ValueSats
		case LightningDirectionOut:
			total -= e.ValueSats + e.NetworkFeeSats + e.ProcessingFeeSats
		}
	}
	return total, nil
}
