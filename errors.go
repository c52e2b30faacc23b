package main

import (
	"errors"
	"fmt"
)

// ErrEmptyResponse is the distinguished "no data at this position" signal from
// the ledger API. It is a valid scanning result, not a transport failure, and
// must never abort a gap scan.
var ErrEmptyResponse = errors.New("ledger: empty response")

// ErrPriceNotFound is returned by the price endpoint when no day-average price
// exists for the requested day. Backfill treats it as a no-op.
var ErrPriceNotFound = errors.New("ledger: day-average price not found")

// InsufficientFundsError is a business-rule rejection tagged with the
// invitation it belongs to so callers can present a scoped retry/cancel.
type InsufficientFundsError struct {
	InvitationID  string
	NeededSats    int64
	AvailableSats int64
}

func (e InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for invitation %s: need %d sats, have %d", e.InvitationID, e.NeededSats, e.AvailableSats)
}

// InsufficientFeeError signals the ledger rejected a broadcast because the
// locked-in invitation fee is below the current relay floor.
type InsufficientFeeError struct {
	InvitationID string
	FeeSats      int64
}

func (e InsufficientFeeError) Error() string {
	return fmt.Sprintf("insufficient fee for invitation %s: %d sats", e.InvitationID, e.FeeSats)
}

// AddressDerivationError is a per-index failure. Scans skip the index and
// carry on; it never aborts a pass.
type AddressDerivationError struct {
	Chain AddressChain
	Index uint32
	Err   error
}

func (e AddressDerivationError) Error() string {
	return fmt.Sprintf("derive address chain=%d index=%d: %v", e.Chain, e.Index, e.Err)
}

func (e AddressDerivationError) Unwrap() error { return e.Err }

// DecryptionError marks a shared payload that could not be decrypted. The
// owning transaction is still persisted without it.
type DecryptionError struct {
	TxID string
	Err  error
}

func (e DecryptionError) Error() string {
	return fmt.Sprintf("decrypt payload for tx %s: %v", e.TxID, e.Err)
}

func (e DecryptionError) Unwrap() error { return e.Err }

// BroadcastErrorKind classifies ledger broadcast rejections.
type BroadcastErrorKind string

const (
	BroadcastErrInsufficientFunds BroadcastErrorKind = "insufficient_funds"
	BroadcastErrInsufficientFee   BroadcastErrorKind = "insufficient_fee"
	BroadcastErrDust              BroadcastErrorKind = "dust"
	BroadcastErrMalformedAddress  BroadcastErrorKind = "malformed_address"
	BroadcastErrOther             BroadcastErrorKind = "other"
)

// BroadcastError is returned by LedgerClient.Broadcast. Funds and fee kinds
// are remapped by the payment worker to invitation-scoped errors; dust and
// malformed-destination rejections pass through unchanged since retrying with
// different parameters cannot fix them.
type BroadcastError struct {
	Kind BroadcastErrorKind
	Err  error
}

func (e BroadcastError) Error() string {
	return fmt.Sprintf("broadcast rejected (%s): %v", e.Kind, e.Err)
}

func (e BroadcastError) Unwrap() error { return e.Err }
