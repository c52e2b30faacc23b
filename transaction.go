package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Transaction represents a confirmed or pending on-chain transaction tracked
// by the wallet. Amounts are integer satoshis throughout; fiat shows up only
// as the optional day-average price.
type Transaction struct {
	TxID            string           `gorm:"column:txid;primaryKey"`
	BlockHeight     *int64           `gorm:"column:block_height;index"`
	Date            time.Time        `gorm:"column:date;not null;index"`
	BroadcastFailed bool             `gorm:"column:broadcast_failed;not null;default:false"`
	SentToSelf      bool             `gorm:"column:sent_to_self;not null;default:false"`
	// IsTemporary marks a speculative placeholder written before broadcast
	// confirmation (e.g. for a not-yet-executed invitation).
	IsTemporary     bool             `gorm:"column:is_temporary;not null;default:false"`
	DayAveragePrice *decimal.Decimal `gorm:"column:day_average_price;type:varchar(32)"`
	SharedMemo      string           `gorm:"column:shared_memo;type:text"`
	Inputs          []TxInput        `gorm:"foreignKey:TxID;references:TxID"`
	Outputs         []TxOutput       `gorm:"foreignKey:TxID;references:TxID"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (Transaction) TableName() string {
	return "transactions"
}

// TxInput references a previous output spent by a transaction.
type TxInput struct {
	ID        uint   `gorm:"primaryKey"`
	TxID      string `gorm:"column:txid;not null;uniqueIndex:idx_input_txid_n"`
	N         uint32 `gorm:"column:n;not null;uniqueIndex:idx_input_txid_n"`
	PrevTxID  string `gorm:"column:prev_txid;not null;index:idx_input_prevout"`
	PrevIndex uint32 `gorm:"column:prev_index;not null;index:idx_input_prevout"`
	ValueSats int64  `gorm:"column:value_sats;not null"`
	IsOwned   bool   `gorm:"column:is_owned;not null;default:false"`
}

func (TxInput) TableName() string {
	return "transaction_inputs"
}

// TxOutput is one output of a tracked transaction. Foreign outputs keep their
// address string but are never counted toward the wallet amount.
type TxOutput struct {
	ID              uint   `gorm:"primaryKey"`
	TxID            string `gorm:"column:txid;not null;uniqueIndex:idx_output_txid_n"`
	N               uint32 `gorm:"column:n;not null;uniqueIndex:idx_output_txid_n"`
	Address         string `gorm:"column:address;not null;index"`
	ValueSats       int64  `gorm:"column:value_sats;not null"`
	IsOwned         bool   `gorm:"column:is_owned;not null;default:false"`
	IsSpent         bool   `gorm:"column:is_spent;not null;default:false"`
	DerivationChain uint32 `gorm:"column:derivation_chain"`
	DerivationIndex uint32 `gorm:"column:derivation_index"`
}

func (TxOutput) TableName() string {
	return "transaction_outputs"
}

// NetWalletAmount is the wallet-relative amount of the transaction:
// sum of owned outputs minus sum of owned inputs. Foreign inputs and outputs
// never contribute, regardless of processing order.
func (t *Transaction) NetWalletAmount() int64 {
	var net int64
	for _, out := range t.Outputs {
		if out.IsOwned {
			net += out.ValueSats
		}
	}
	for _, in := range t.Inputs {
		if in.IsOwned {
			net -= in.ValueSats
		}
	}
	return net
}

// Confirmations derives the confirmation count against the given best height.
// Unmined transactions report zero.
func (t *Transaction) Confirmations(bestHeight int64) int64 {
	if t.BlockHeight == nil {
		return 0
	}
	confs := bestHeight - *t.BlockHeight + 1
	if confs < 0 {
		return 0
	}
	return confs
}

// confirmationThreshold is the depth at which a transaction no longer needs
// detail refetches during incremental passes.
const confirmationThreshold = 6

func upsertTransaction(tx *gorm.DB, txn *Transaction) error {
	if err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "txid"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"block_height", "date", "broadcast_failed", "sent_to_self", "is_temporary", "updated_at",
		}),
	}).Omit("Inputs", "Outputs").Create(txn).Error; err != nil {
		return fmt.Errorf("failed to upsert transaction %s: %w", txn.TxID, err)
	}

	// Inputs and outputs are immutable once seen; replace wholesale so a
	// refetched detail cannot leave stale rows behind.
	if len(txn.Inputs) > 0 || len(txn.Outputs) > 0 {
		if err := tx.Where("txid = ?", txn.TxID).Delete(&TxInput{}).Error; err != nil {
			return fmt.Errorf("failed to clear inputs for %s: %w", txn.TxID, err)
		}
		if err := tx.Where("txid = ?", txn.TxID).Delete(&TxOutput{}).Error; err != nil {
			return fmt.Errorf("failed to clear outputs for %s: %w", txn.TxID, err)
		}
		for i := range txn.Inputs {
			txn.Inputs[i].ID = 0
			txn.Inputs[i].TxID = txn.TxID
		}
		for i := range txn.Outputs {
			txn.Outputs[i].ID = 0
			txn.Outputs[i].TxID = txn.TxID
		}
		if len(txn.Inputs) > 0 {
			if err := tx.Create(&txn.Inputs).Error; err != nil {
				return fmt.Errorf("failed to insert inputs for %s: %w", txn.TxID, err)
			}
		}
		if len(txn.Outputs) > 0 {
			if err := tx.Create(&txn.Outputs).Error; err != nil {
				return fmt.Errorf("failed to insert outputs for %s: %w", txn.TxID, err)
			}
		}
	}
	return nil
}

func getTransactionByTxID(tx *gorm.DB, txid string) (*Transaction, error) {
	var txn Transaction
	if err := tx.Preload("Inputs").Preload("Outputs").Where("txid = ?", txid).First(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

func getAllTransactions(tx *gorm.DB) ([]Transaction, error) {
	var txns []Transaction
	if err := tx.Preload("Inputs").Preload("Outputs").Order("date ASC").Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txns, nil
}

// latestTransactionDate returns the date of the most recently seen
// non-temporary transaction, or nil when the store has no history.
func latestTransactionDate(tx *gorm.DB) (*time.Time, error) {
	var txn Transaction
	err := tx.Where("is_temporary = ?", false).Order("date DESC").First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest transaction date: %w", err)
	}
	return &txn.Date, nil
}

// getConfirmedTxIDs returns txids already buried at least
// confirmationThreshold blocks deep. Incremental passes skip refetching them.
func getConfirmedTxIDs(tx *gorm.DB, bestHeight int64) (map[string]struct{}, error) {
	var txns []Transaction
	cutoff := bestHeight - confirmationThreshold + 1
	if err := tx.Where("block_height IS NOT NULL AND block_height <= ?", cutoff).Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("failed to list confirmed transactions: %w", err)
	}
	ids := make(map[string]struct{}, len(txns))
	for _, t := range txns {
		ids[t.TxID] = struct{}{}
	}
	return ids, nil
}

// getPendingTransactions lists local transactions that have no block height
// yet. They are the mark-failed candidates.
func getPendingTransactions(tx *gorm.DB) ([]Transaction, error) {
	var txns []Transaction
	if err := tx.Where("block_height IS NULL AND is_temporary = ?", false).Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending transactions: %w", err)
	}
	return txns, nil
}

func deleteTransaction(tx *gorm.DB, txid string) error {
	if err := tx.Where("txid = ?", txid).Delete(&TxInput{}).Error; err != nil {
		return fmt.Errorf("failed to delete inputs for %s: %w", txid, err)
	}
	if err := tx.Where("txid = ?", txid).Delete(&TxOutput{}).Error; err != nil {
		return fmt.Errorf("failed to delete outputs for %s: %w", txid, err)
	}
	if err := tx.Where("txid = ?", txid).Delete(&Transaction{}).Error; err != nil {
		return fmt.Errorf("failed to delete transaction %s: %w", txid, err)
	}
	return nil
}

func markTransactionFailed(tx *gorm.DB, txid string) error {
	return tx.Model(&Transaction{}).Where("txid = ?", txid).
		Updates(map[string]interface{}{"broadcast_failed": true, "updated_at": time.Now()}).Error
}

func clearTransactionFailed(tx *gorm.DB, txid string) error {
	return tx.Model(&Transaction{}).Where("txid = ?", txid).
		Updates(map[string]interface{}{"broadcast_failed": false, "updated_at": time.Now()}).Error
}

// recomputeUnspentOutputs flags every owned output as spent when any tracked
// input anywhere references it.
func recomputeUnspentOutputs(tx *gorm.DB) error {
	var outputs []TxOutput
	if err := tx.Where("is_owned = ?", true).Find(&outputs).Error; err != nil {
		return fmt.Errorf("failed to list owned outputs: %w", err)
	}

	for _, out := range outputs {
		var count int64
		if err := tx.Model(&TxInput{}).
			Where("prev_txid = ? AND prev_index = ?", out.TxID, out.N).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to count spends of %s:%d: %w", out.TxID, out.N, err)
		}
		spent := count > 0
		if spent != out.IsSpent {
			if err := tx.Model(&TxOutput{}).Where("id = ?", out.ID).
				Update("is_spent", spent).Error; err != nil {
				return fmt.Errorf("failed to update spent flag for %s:%d: %w", out.TxID, out.N, err)
			}
		}
	}
	return nil
}

// spendableBalanceSats sums unspent owned outputs of non-failed, non-temporary
// transactions.
func spendableBalanceSats(tx *gorm.DB) (int64, error) {
	// Summed in Go rather than SQL so sqlite does not lose precision on
	// big integers (same reason the ledger queries avoid SUM there).
	var outputs []TxOutput
	err := tx.Joins("JOIN transactions ON transactions.txid = transaction_outputs.txid").
		Where("transaction_outputs.is_owned = ? AND transaction_outputs.is_spent = ?", true, false).
		Where("transactions.broadcast_failed = ? AND transactions.is_temporary = ?", false, false).
		Find(&outputs).Error
	if err != nil {
		return 0, fmt.Errorf("failed to query spendable outputs: %w", err)
	}

	var total int64
	for _, out := range outputs {
		total += out.ValueSats
	}
	return total, nil
}

// transactionsMissingPrice lists transactions without a day-average price for
// the backfill step.
func transactionsMissingPrice(tx *gorm.DB) ([]Transaction, error) {
	var txns []Transaction
	if err := tx.Where("day_average_price IS NULL AND is_temporary = ?", false).Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("failed to list transactions missing price: %w", err)
	}
	return txns, nil
}

func setTransactionPrice(tx *gorm.DB, txid string, price decimal.Decimal) error {
	return tx.Model(&Transaction{}).Where("txid = ?", txid).
		Update("day_average_price", price.String()).Error
}
