package main

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AddressChain is the BIP44 branch an address was derived on.
type AddressChain uint32

const (
	ChainReceive AddressChain = 0
	ChainChange  AddressChain = 1
)

// DerivedAddress is a deterministic HD address plus its derivation metadata.
type DerivedAddress struct {
	Address string
	Chain   AddressChain
	Index   uint32
	Path    string
}

// AddressTransactionSummary asserts that an address participated in a txid.
// One row per (address, txid) pair; it seeds the detail-fetch decision.
type AddressTransactionSummary struct {
	ID              uint         `gorm:"primaryKey"`
	Address         string       `gorm:"column:address;not null;uniqueIndex:idx_ats_address_txid"`
	TxID            string       `gorm:"column:txid;not null;uniqueIndex:idx_ats_address_txid;index"`
	DerivationChain AddressChain `gorm:"column:derivation_chain;not null"`
	DerivationIndex uint32       `gorm:"column:derivation_index;not null"`
	Date            time.Time    `gorm:"column:date;not null;index"`
	CreatedAt       time.Time
}

func (AddressTransactionSummary) TableName() string {
	return "address_transaction_summaries"
}

func upsertAddressSummaries(tx *gorm.DB, summaries []AddressTransactionSummary) error {
	if len(summaries) == 0 {
		return nil
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}, {Name: "txid"}},
		DoUpdates: clause.AssignmentColumns([]string{"date"}),
	}).Create(&summaries).Error
	if err != nil {
		return fmt.Errorf("failed to upsert address summaries: %w", err)
	}
	return nil
}

func getSummariesByTxID(tx *gorm.DB, txid string) ([]AddressTransactionSummary, error) {
	var summaries []AddressTransactionSummary
	if err := tx.Where("txid = ?", txid).Find(&summaries).Error; err != nil {
		return nil, fmt.Errorf("failed to list summaries for %s: %w", txid, err)
	}
	return summaries, nil
}

// WalletIndexState tracks the last-used receive and change indices. Both are
// monotonically non-decreasing and advance only on observed ledger usage.
type WalletIndexState struct {
	ID               uint  `gorm:"primaryKey"`
	LastReceiveIndex int64 `gorm:"column:last_receive_index;not null;default:-1"`
	LastChangeIndex  int64 `gorm:"column:last_change_index;not null;default:-1"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (WalletIndexState) TableName() string {
	return "wallet_index_states"
}

// getWalletIndexState loads the singleton index row, creating it on first use.
func getWalletIndexState(tx *gorm.DB) (*WalletIndexState, error) {
	var state WalletIndexState
	err := tx.First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = WalletIndexState{LastReceiveIndex: -1, LastChangeIndex: -1}
		if err := tx.Create(&state).Error; err != nil {
			return nil, fmt.Errorf("failed to create wallet index state: %w", err)
		}
		return &state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet index state: %w", err)
	}
	return &state, nil
}

// advanceUsedIndex raises the last-used index for the chain. Lower values are
// ignored so the counters never regress.
func advanceUsedIndex(tx *gorm.DB, chain AddressChain, index uint32) error {
	state, err := getWalletIndexState(tx)
	if err != nil {
		return err
	}

	column := "last_receive_index"
	current := state.LastReceiveIndex
	if chain == ChainChange {
		column = "last_change_index"
		current = state.LastChangeIndex
	}
	if int64(index) <= current {
		return nil
	}

	return tx.Model(&WalletIndexState{}).Where("id = ?", state.ID).
		Updates(map[string]interface{}{column: int64(index), "updated_at": time.Now()}).Error
}

func (s *WalletIndexState) lastUsed(chain AddressChain) int64 {
	if chain == ChainChange {
		return s.LastChangeIndex
	}
	return s.LastReceiveIndex
}
