package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// BuiltTransaction is a signed, broadcast-ready transaction produced by the
// sending delegate.
type BuiltTransaction struct {
	TxID    string
	RawTx   []byte
	Inputs  []TxInput
	Outputs []TxOutput
}

// LightningPaymentResult describes a settled Lightning payment.
type LightningPaymentResult struct {
	PaymentID string
	FeeSats   int64
}

// PaymentSendingDelegate performs the parts of payment execution this service
// does not own: coin selection plus signing, and Lightning settlement.
type PaymentSendingDelegate interface {
	BuildOnChainTransaction(ctx context.Context, amountSats int64, address string, feeSats int64) (*BuiltTransaction, error)
	PayLightning(ctx context.Context, invoice string, amountSats int64, memo string) (*LightningPaymentResult, error)
}

// PaymentWorker executes one satisfied invitation.
type PaymentWorker interface {
	PayInvitation(ctx context.Context, inv *Invitation) error
}

// OnChainPaymentWorker settles sender invitations whose counterparty provided
// an on-chain address.
type OnChainPaymentWorker struct {
	db       *gorm.DB
	client   LedgerClient
	delegate PaymentSendingDelegate
	notifier *Notifier
	metrics  *Metrics
	logger   Logger
}

func NewOnChainPaymentWorker(db *gorm.DB, client LedgerClient, delegate PaymentSendingDelegate, notifier *Notifier, metrics *Metrics, logger Logger) *OnChainPaymentWorker {
	return &OnChainPaymentWorker{
		db:       db,
		client:   client,
		delegate: delegate,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.NewSystem("onchain-payment"),
	}
}

// PayInvitation executes a satisfied on-chain invitation exactly once. If a
// matching payment to the destination already exists on the ledger (a prior
// attempt whose completion was never recorded), the invitation adopts that
// txid instead of broadcasting a duplicate.
func (w *OnChainPaymentWorker) PayInvitation(ctx context.Context, inv *Invitation) error {
	if !inv.SatisfiedForSending() {
		return errors.Errorf("invitation %s is not ready for sending (status %s)", inv.ID, inv.Status)
	}
	if inv.Address == "" {
		return errors.Errorf("invitation %s has no destination address", inv.ID)
	}

	existing, err := w.findExistingPayment(ctx, inv)
	if err != nil {
		return err
	}
	if existing != "" {
		w.logger.Info("adopting existing payment for invitation", "invitationID", inv.ID, "txid", existing)
		return w.complete(inv, existing, nil)
	}

	total := inv.AmountSats + inv.FeeSats
	available, err := spendableBalanceSats(w.db)
	if err != nil {
		return err
	}
	if available < total {
		return InsufficientFundsError{InvitationID: inv.ID, NeededSats: total, AvailableSats: available}
	}

	built, err := w.delegate.BuildOnChainTransaction(ctx, inv.AmountSats, inv.Address, inv.FeeSats)
	if err != nil {
		return errors.Wrapf(err, "build transaction for invitation %s", inv.ID)
	}

	if w.metrics != nil {
		w.metrics.BroadcastAttemptsTotal.Inc()
	}
	txid, err := w.client.Broadcast(ctx, built.RawTx)
	if err != nil {
		if w.metrics != nil {
			w.metrics.BroadcastAttemptsFail.Inc()
		}
		var bErr BroadcastError
		if errors.As(err, &bErr) {
			switch bErr.Kind {
			case BroadcastErrInsufficientFunds:
				return InsufficientFundsError{InvitationID: inv.ID, NeededSats: total, AvailableSats: available}
			case BroadcastErrInsufficientFee:
				return InsufficientFeeError{InvitationID: inv.ID, FeeSats: inv.FeeSats}
			}
		}
		return errors.Wrapf(err, "broadcast for invitation %s", inv.ID)
	}
	if w.metrics != nil {
		w.metrics.BroadcastAttemptsSuccess.Inc()
	}

	return w.complete(inv, txid, built)
}

// findExistingPayment checks the ledger for a payment of the invitation amount
// to the destination address.
func (w *OnChainPaymentWorker) findExistingPayment(ctx context.Context, inv *Invitation) (string, error) {
	summaries, err := w.client.FetchTransactionSummaries(ctx, []string{inv.Address}, nil)
	if errors.Is(err, ErrEmptyResponse) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "probe destination for invitation %s", inv.ID)
	}

	txids := make([]string, 0, len(summaries))
	for _, s := range summaries {
		txids = append(txids, s.TxID)
	}
	details, err := w.client.FetchTransactionDetails(ctx, txids)
	if err != nil {
		return "", errors.Wrapf(err, "probe details for invitation %s", inv.ID)
	}

	for _, d := range details {
		for _, out := range d.Outputs {
			if out.Address == inv.Address && out.ValueSats == inv.AmountSats {
				return d.TxID, nil
			}
		}
	}
	return "", nil
}

func (w *OnChainPaymentWorker) complete(inv *Invitation, txid string, built *BuiltTransaction) error {
	err := w.db.Transaction(func(tx *gorm.DB) error {
		if err := deleteTemporaryTransaction(tx, inv); err != nil {
			return err
		}
		if built != nil {
			txn := Transaction{
				TxID:    txid,
				Date:    time.Now(),
				Inputs:  built.Inputs,
				Outputs: built.Outputs,
			}
			if err := upsertTransaction(tx, &txn); err != nil {
				return err
			}
			if err := recomputeUnspentOutputs(tx); err != nil {
				return err
			}
		}
		return inv.MarkCompleted(tx, txid)
	})
	if err != nil {
		return errors.Wrapf(err, "complete invitation %s", inv.ID)
	}

	w.notifier.Emit(BalanceChangedEventType, nil)
	return nil
}

// LightningPaymentWorker settles sender invitations carrying an invoice.
type LightningPaymentWorker struct {
	db       *gorm.DB
	delegate PaymentSendingDelegate
	notifier *Notifier
	logger   Logger
}

func NewLightningPaymentWorker(db *gorm.DB, delegate PaymentSendingDelegate, notifier *Notifier, logger Logger) *LightningPaymentWorker {
	return &LightningPaymentWorker{
		db:       db,
		delegate: delegate,
		notifier: notifier,
		logger:   logger.NewSystem("lightning-payment"),
	}
}

// PayInvitation pays the invitation's invoice. The local Lightning balance is
// checked before any network call so an obviously-unfunded attempt never
// leaves the process.
func (w *LightningPaymentWorker) PayInvitation(ctx context.Context, inv *Invitation) error {
	if !inv.SatisfiedForSending() {
		return errors.Errorf("invitation %s is not ready for sending (status %s)", inv.ID, inv.Status)
	}
	if inv.Invoice == "" {
		return errors.Errorf("invitation %s has no invoice", inv.ID)
	}

	total := inv.AmountSats + inv.FeeSats
	available, err := lightningBalanceSats(w.db)
	if err != nil {
		return err
	}
	if available < total {
		return InsufficientFundsError{InvitationID: inv.ID, NeededSats: total, AvailableSats: available}
	}

	result, err := w.delegate.PayLightning(ctx, inv.Invoice, inv.AmountSats, "")
	if err != nil {
		return errors.Wrapf(err, "pay invoice for invitation %s", inv.ID)
	}

	err = w.db.Transaction(func(tx *gorm.DB) error {
		if err := deleteTemporaryTransaction(tx, inv); err != nil {
			return err
		}
		return inv.MarkCompleted(tx, result.PaymentID)
	})
	if err != nil {
		return errors.Wrapf(err, "complete invitation %s", inv.ID)
	}

	w.notifier.Emit(BalanceChangedEventType, nil)
	return nil
}
