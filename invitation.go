package main

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type InvitationStatus string
type InvitationSide string
type CounterpartyKind string

const (
	InvitationStatusNotSent         InvitationStatus = "not_sent"
	InvitationStatusRequestSent     InvitationStatus = "request_sent"
	InvitationStatusAddressProvided InvitationStatus = "address_provided"
	InvitationStatusCompleted       InvitationStatus = "completed"
	InvitationStatusCanceled        InvitationStatus = "canceled"
	InvitationStatusExpired         InvitationStatus = "expired"
	InvitationStatusFailed          InvitationStatus = "failed"
)

const (
	InvitationSideSender   InvitationSide = "sender"
	InvitationSideReceiver InvitationSide = "receiver"
)

const (
	CounterpartyPhone   CounterpartyKind = "phone"
	CounterpartyTwitter CounterpartyKind = "twitter"
)

// IsTerminal reports whether the status permits no further transitions.
func (s InvitationStatus) IsTerminal() bool {
	switch s {
	case InvitationStatusCompleted, InvitationStatusCanceled, InvitationStatusExpired, InvitationStatusFailed:
		return true
	}
	return false
}

var errInvitationTerminal = errors.New("invitation is in a terminal status")

// Invitation is an outstanding promise to pay a counterparty who has not yet
// supplied a receiving address or invoice. Exactly one live (non-canceled,
// non-expired) invitation exists per request id; the primary key enforces it.
type Invitation struct {
	ID           string           `gorm:"column:invitation_id;primaryKey"`
	Status       InvitationStatus `gorm:"column:status;not null;index"`
	Side         InvitationSide   `gorm:"column:side;not null;index"`
	Counterparty CounterpartyKind `gorm:"column:counterparty_kind;not null"`
	// CounterpartyMeta keeps the raw identity blob (number, handle, display
	// data) as the server sent it.
	CounterpartyMeta datatypes.JSON `gorm:"column:counterparty_meta;type:text"`
	AmountSats       int64          `gorm:"column:amount_sats;not null"`
	FeeSats          int64          `gorm:"column:fee_sats;not null"`
	// TxID is set once the payment executes; nil until fulfilled.
	TxID *string `gorm:"column:txid;index"`
	// Address is the counterparty destination once provided.
	Address string `gorm:"column:address"`
	// Invoice is set instead of Address for Lightning invitations.
	Invoice   string `gorm:"column:invoice"`
	PreauthID string `gorm:"column:preauth_id"`
	// AckID is the client-generated acknowledgement id used to match local
	// records against server state before a server id exists.
	AckID     string `gorm:"column:ack_id;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Invitation) TableName() string {
	return "invitations"
}

// IsLightning reports whether the invitation settles over Lightning.
func (i *Invitation) IsLightning() bool {
	return i.Invoice != ""
}

// SatisfiedForSending reports whether the counterparty destination is known
// and the payment has not executed yet.
func (i *Invitation) SatisfiedForSending() bool {
	return i.Side == InvitationSideSender &&
		i.Status == InvitationStatusAddressProvided &&
		i.TxID == nil
}

func (i *Invitation) transition(tx *gorm.DB, to InvitationStatus, extra map[string]interface{}) error {
	if i.Status.IsTerminal() {
		return fmt.Errorf("cannot move invitation %s from %s to %s: %w", i.ID, i.Status, to, errInvitationTerminal)
	}
	updates := map[string]interface{}{"status": to, "updated_at": time.Now()}
	for k, v := range extra {
		updates[k] = v
	}
	if err := tx.Model(&Invitation{}).Where("invitation_id = ?", i.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update invitation %s: %w", i.ID, err)
	}
	i.Status = to
	return nil
}

func (i *Invitation) MarkRequestSent(tx *gorm.DB) error {
	return i.transition(tx, InvitationStatusRequestSent, nil)
}

func (i *Invitation) MarkAddressProvided(tx *gorm.DB, address, invoice string) error {
	err := i.transition(tx, InvitationStatusAddressProvided, map[string]interface{}{
		"address": address,
		"invoice": invoice,
	})
	if err != nil {
		return err
	}
	i.Address = address
	i.Invoice = invoice
	return nil
}

// MarkCompleted is only reachable via a payment worker: it records the
// resulting txid (or Lightning payment id) alongside the terminal status.
func (i *Invitation) MarkCompleted(tx *gorm.DB, txid string) error {
	if err := i.transition(tx, InvitationStatusCompleted, map[string]interface{}{"txid": txid}); err != nil {
		return err
	}
	i.TxID = &txid
	return nil
}

func (i *Invitation) MarkCanceled(tx *gorm.DB) error {
	return i.transition(tx, InvitationStatusCanceled, nil)
}

func (i *Invitation) MarkExpired(tx *gorm.DB) error {
	return i.transition(tx, InvitationStatusExpired, nil)
}

func (i *Invitation) MarkFailed(tx *gorm.DB) error {
	return i.transition(tx, InvitationStatusFailed, nil)
}

func getInvitationByID(tx *gorm.DB, id string) (*Invitation, error) {
	var inv Invitation
	if err := tx.Where("invitation_id = ?", id).First(&inv).Error; err != nil {
		return nil, err
	}
	return &inv, nil
}

func findInvitationByAckID(tx *gorm.DB, ackID string) (*Invitation, error) {
	var inv Invitation
	err := tx.Where("ack_id = ?", ackID).First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find invitation by ack id %s: %w", ackID, err)
	}
	return &inv, nil
}

func findInvitationByTxID(tx *gorm.DB, txid string) (*Invitation, error) {
	var inv Invitation
	err := tx.Where("txid = ?", txid).First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find invitation by txid %s: %w", txid, err)
	}
	return &inv, nil
}

func getInvitationsBySideAndStatus(tx *gorm.DB, side InvitationSide, statuses ...InvitationStatus) ([]Invitation, error) {
	var invs []Invitation
	q := tx.Where("side = ?", side)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if err := q.Order("created_at ASC").Find(&invs).Error; err != nil {
		return nil, fmt.Errorf("failed to list %s invitations: %w", side, err)
	}
	return invs, nil
}

func deleteInvitation(tx *gorm.DB, id string) error {
	if err := tx.Where("invitation_id = ?", id).Delete(&Invitation{}).Error; err != nil {
		return fmt.Errorf("failed to delete invitation %s: %w", id, err)
	}
	return nil
}

// deleteTemporaryTransaction removes the speculative placeholder transaction
// an invitation may have written before execution. Real (non-temporary)
// transactions are left alone.
func deleteTemporaryTransaction(tx *gorm.DB, inv *Invitation) error {
	if inv.TxID == nil {
		return nil
	}
	var txn Transaction
	err := tx.Where("txid = ? AND is_temporary = ?", *inv.TxID, true).First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up temporary transaction for %s: %w", inv.ID, err)
	}
	return deleteTransaction(tx, txn.TxID)
}
