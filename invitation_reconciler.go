package main

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// InvitationReconciler converges local invitation state with the server's
// address-request listings and executes payments that became ready.
type InvitationReconciler struct {
	db        *gorm.DB
	client    LedgerClient
	onChain   PaymentWorker
	lightning PaymentWorker
	notifier  *Notifier
	logger    Logger
}

func NewInvitationReconciler(db *gorm.DB, client LedgerClient, onChain, lightning PaymentWorker, notifier *Notifier, logger Logger) *InvitationReconciler {
	return &InvitationReconciler{
		db:        db,
		client:    client,
		onChain:   onChain,
		lightning: lightning,
		notifier:  notifier,
		logger:    logger.NewSystem("invitation-reconciler"),
	}
}

func serverStatusToLocal(status string) InvitationStatus {
	switch status {
	case AddressRequestStatusCompleted:
		return InvitationStatusCompleted
	case AddressRequestStatusCanceled:
		return InvitationStatusCanceled
	case AddressRequestStatusExpired:
		return InvitationStatusExpired
	default:
		return InvitationStatusRequestSent
	}
}

// UpdateReceivedAddressRequests mirrors the server's receiver-side listing
// into the local store. Completed requests link to their transaction by txid.
func (r *InvitationReconciler) UpdateReceivedAddressRequests(ctx context.Context) error {
	records, err := r.client.FetchReceivedAddressRequests(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch received address requests")
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		for _, rec := range records {
			local, err := getInvitationByID(tx, rec.ID)
			if errors.Is(err, gorm.ErrRecordNotFound) {
				inv := invitationFromRecord(rec, InvitationSideReceiver)
				if err := tx.Create(inv).Error; err != nil {
					return errors.Wrapf(err, "create received invitation %s", rec.ID)
				}
				continue
			}
			if err != nil {
				return err
			}

			if local.Status.IsTerminal() {
				continue
			}
			switch serverStatusToLocal(rec.Status) {
			case InvitationStatusCompleted:
				if err := local.MarkCompleted(tx, rec.TxID); err != nil {
					return err
				}
			case InvitationStatusCanceled:
				if err := local.MarkCanceled(tx); err != nil {
					return err
				}
			case InvitationStatusExpired:
				if err := local.MarkExpired(tx); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// UpdateSentAddressRequests converges sender-side invitations with the server
// and then executes at most one payment that became ready. Running a single
// payment per pass keeps balance checks honest; the next pass picks up the
// following one.
func (r *InvitationReconciler) UpdateSentAddressRequests(ctx context.Context) error {
	records, err := r.client.FetchSentAddressRequests(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch sent address requests")
	}
	byID := make(map[string]AddressRequestRecord, len(records))
	byAckID := make(map[string]AddressRequestRecord)
	for _, rec := range records {
		byID[rec.ID] = rec
		if rec.AckID != "" {
			byAckID[rec.AckID] = rec
		}
	}

	var unknownNew []string
	err = r.db.Transaction(func(tx *gorm.DB) error {
		locals, err := getInvitationsBySideAndStatus(tx, InvitationSideSender)
		if err != nil {
			return err
		}
		known := make(map[string]struct{}, len(locals))
		for i := range locals {
			known[locals[i].ID] = struct{}{}
		}

		for i := range locals {
			inv := &locals[i]
			if inv.Status.IsTerminal() {
				continue
			}

			// Unacknowledged local records either adopt the server identity
			// (the send raced a crash) or never made it out and are dropped.
			if inv.Status == InvitationStatusNotSent {
				if rec, ok := byAckID[inv.AckID]; ok && inv.AckID != "" {
					if err := r.adoptServerIdentity(tx, inv, rec); err != nil {
						return err
					}
					known[rec.ID] = struct{}{}
				} else {
					r.logger.Info("dropping invitation that never reached the server", "invitationID", inv.ID)
					if err := deleteTemporaryTransaction(tx, inv); err != nil {
						return err
					}
					if err := deleteInvitation(tx, inv.ID); err != nil {
						return err
					}
				}
				continue
			}

			rec, ok := byID[inv.ID]
			if !ok {
				// Acknowledged but gone from the listing: the server aged it
				// out.
				if err := inv.MarkExpired(tx); err != nil {
					return err
				}
				if err := deleteTemporaryTransaction(tx, inv); err != nil {
					return err
				}
				continue
			}

			switch serverStatusToLocal(rec.Status) {
			case InvitationStatusCanceled:
				if err := inv.MarkCanceled(tx); err != nil {
					return err
				}
				if err := deleteTemporaryTransaction(tx, inv); err != nil {
					return err
				}
			case InvitationStatusExpired:
				if err := inv.MarkExpired(tx); err != nil {
					return err
				}
				if err := deleteTemporaryTransaction(tx, inv); err != nil {
					return err
				}
			default:
				if inv.Status == InvitationStatusRequestSent && (rec.Address != "" || rec.Invoice != "") {
					if err := inv.MarkAddressProvided(tx, rec.Address, rec.Invoice); err != nil {
						return err
					}
					if rec.PreauthID != "" {
						if err := tx.Model(&Invitation{}).Where("invitation_id = ?", inv.ID).
							Update("preauth_id", rec.PreauthID).Error; err != nil {
							return err
						}
						inv.PreauthID = rec.PreauthID
					}
				}
			}
		}

		// A server record nobody here remembers is a duplicate of a request
		// this wallet already resolved; cancel it so the counterparty is not
		// left answering a ghost.
		for _, rec := range records {
			if rec.Status != AddressRequestStatusNew {
				continue
			}
			if _, ok := known[rec.ID]; !ok {
				unknownNew = append(unknownNew, rec.ID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range unknownNew {
		if err := r.client.CancelAddressRequest(ctx, id); err != nil {
			r.logger.Warn("failed to cancel unknown address request", "requestID", id, "error", err)
		}
	}

	r.patchServerStatus(ctx, byID)
	return r.executeNextReady(ctx)
}

// adoptServerIdentity rewrites a local placeholder under the server-assigned
// id, carrying over any linked temporary transaction.
func (r *InvitationReconciler) adoptServerIdentity(tx *gorm.DB, inv *Invitation, rec AddressRequestRecord) error {
	adopted := *inv
	adopted.ID = rec.ID
	adopted.Status = serverStatusToLocal(rec.Status)
	if rec.Address != "" || rec.Invoice != "" {
		adopted.Status = InvitationStatusAddressProvided
		adopted.Address = rec.Address
		adopted.Invoice = rec.Invoice
	}
	adopted.PreauthID = rec.PreauthID

	if err := deleteInvitation(tx, inv.ID); err != nil {
		return err
	}
	if err := tx.Create(&adopted).Error; err != nil {
		return errors.Wrapf(err, "adopt server identity for invitation %s", rec.ID)
	}
	*inv = adopted
	return nil
}

// patchServerStatus pushes completion the server missed: a locally completed
// invitation the server still lists as new. Best effort, next pass retries.
func (r *InvitationReconciler) patchServerStatus(ctx context.Context, byID map[string]AddressRequestRecord) {
	completed, err := getInvitationsBySideAndStatus(r.db, InvitationSideSender, InvitationStatusCompleted)
	if err != nil {
		r.logger.Warn("failed to list completed invitations", "error", err)
		return
	}
	for i := range completed {
		inv := &completed[i]
		rec, ok := byID[inv.ID]
		if !ok || rec.Status != AddressRequestStatusNew || inv.TxID == nil {
			continue
		}
		if err := r.client.UpdateAddressRequestStatus(ctx, inv.ID, AddressRequestStatusCompleted, *inv.TxID); err != nil {
			r.logger.Warn("failed to patch completed status on server", "invitationID", inv.ID, "error", err)
		}
	}
}

// executeNextReady pays the single oldest invitation that is satisfied for
// sending.
func (r *InvitationReconciler) executeNextReady(ctx context.Context) error {
	ready, err := getInvitationsBySideAndStatus(r.db, InvitationSideSender, InvitationStatusAddressProvided)
	if err != nil {
		return err
	}

	for i := range ready {
		inv := &ready[i]
		if !inv.SatisfiedForSending() {
			continue
		}

		worker := r.onChain
		if inv.IsLightning() {
			worker = r.lightning
		}
		if err := worker.PayInvitation(ctx, inv); err != nil {
			// Funds and fee shortfalls are expected states, not pass
			// failures. The invitation stays put until the balance allows.
			var fundsErr InsufficientFundsError
			var feeErr InsufficientFeeError
			if errors.As(err, &fundsErr) || errors.As(err, &feeErr) {
				r.logger.Info("deferring invitation payment", "invitationID", inv.ID, "reason", err.Error())
				return nil
			}
			return errors.Wrapf(err, "execute invitation %s", inv.ID)
		}
		return nil
	}
	return nil
}

// CancelInvitation cancels an invitation on the server and locally, releasing
// any Lightning preauth it holds and dropping its placeholder transaction.
func (r *InvitationReconciler) CancelInvitation(ctx context.Context, id string) error {
	inv, err := getInvitationByID(r.db, id)
	if err != nil {
		return errors.Wrapf(err, "load invitation %s", id)
	}
	if inv.Status.IsTerminal() {
		return errors.Errorf("invitation %s is already %s", id, inv.Status)
	}

	if err := r.client.CancelAddressRequest(ctx, id); err != nil && !errors.Is(err, ErrEmptyResponse) {
		return errors.Wrapf(err, "cancel address request %s", id)
	}
	if inv.PreauthID != "" {
		if err := r.client.CancelPreauth(ctx, inv.PreauthID); err != nil && !errors.Is(err, ErrEmptyResponse) {
			return errors.Wrapf(err, "cancel preauth for invitation %s", id)
		}
	}

	err = r.db.Transaction(func(tx *gorm.DB) error {
		if err := inv.MarkCanceled(tx); err != nil {
			return err
		}
		return deleteTemporaryTransaction(tx, inv)
	})
	if err != nil {
		return err
	}

	r.notifier.Emit(BalanceChangedEventType, nil)
	return nil
}

func invitationFromRecord(rec AddressRequestRecord, side InvitationSide) *Invitation {
	inv := &Invitation{
		ID:               rec.ID,
		Status:           serverStatusToLocal(rec.Status),
		Side:             side,
		Counterparty:     CounterpartyKind(rec.CounterpartyKind),
		CounterpartyMeta: datatypes.JSON(rec.CounterpartyMeta),
		AmountSats:       rec.AmountSats,
		FeeSats:          rec.FeeSats,
		Address:          rec.Address,
		Invoice:          rec.Invoice,
		PreauthID:        rec.PreauthID,
		AckID:            rec.AckID,
		CreatedAt:        rec.CreatedAt,
	}
	if rec.TxID != "" {
		txid := rec.TxID
		inv.TxID = &txid
	}
	return inv
}
