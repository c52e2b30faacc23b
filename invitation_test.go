package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvitationStatus_IsTerminal(t *testing.T) {
	assert.False(t, InvitationStatusNotSent.IsTerminal())
	assert.False(t, InvitationStatusRequestSent.IsTerminal())
	assert.False(t, InvitationStatusAddressProvided.IsTerminal())
	assert.True(t, InvitationStatusCompleted.IsTerminal())
	assert.True(t, InvitationStatusCanceled.IsTerminal())
	assert.True(t, InvitationStatusExpired.IsTerminal())
	assert.True(t, InvitationStatusFailed.IsTerminal())
}

func TestInvitation_Transitions(t *testing.T) {
	t.Run("Happy path walks the full lifecycle", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		inv := &Invitation{
			ID: "inv-1", Status: InvitationStatusNotSent, Side: InvitationSideSender,
			Counterparty: CounterpartyTwitter, AmountSats: 1000,
		}
		require.NoError(t, db.Create(inv).Error)

		require.NoError(t, inv.MarkRequestSent(db))
		require.NoError(t, inv.MarkAddressProvided(db, "dest-addr", ""))
		assert.True(t, inv.SatisfiedForSending())
		require.NoError(t, inv.MarkCompleted(db, "tx-1"))

		stored, err := getInvitationByID(db, "inv-1")
		require.NoError(t, err)
		assert.Equal(t, InvitationStatusCompleted, stored.Status)
		assert.Equal(t, "dest-addr", stored.Address)
		require.NotNil(t, stored.TxID)
		assert.Equal(t, "tx-1", *stored.TxID)
	})

	t.Run("Terminal states reject further transitions", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		inv := &Invitation{
			ID: "inv-1", Status: InvitationStatusNotSent, Side: InvitationSideSender,
			Counterparty: CounterpartyPhone, AmountSats: 1000,
		}
		require.NoError(t, db.Create(inv).Error)
		require.NoError(t, inv.MarkCanceled(db))

		err := inv.MarkCompleted(db, "tx-1")
		require.Error(t, err)
		assert.ErrorIs(t, err, errInvitationTerminal)

		stored, err := getInvitationByID(db, "inv-1")
		require.NoError(t, err)
		assert.Equal(t, InvitationStatusCanceled, stored.Status)
		assert.Nil(t, stored.TxID)
	})

	t.Run("Any non-terminal state can expire", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		for i, status := range []InvitationStatus{InvitationStatusNotSent, InvitationStatusRequestSent, InvitationStatusAddressProvided} {
			inv := &Invitation{
				ID: string(rune('a' + i)), Status: status, Side: InvitationSideSender,
				Counterparty: CounterpartyPhone, AmountSats: 1000,
			}
			require.NoError(t, db.Create(inv).Error)
			assert.NoError(t, inv.MarkExpired(db))
		}
	})
}

func TestInvitation_SatisfiedForSending(t *testing.T) {
	txid := "tx-1"
	cases := []struct {
		name string
		inv  Invitation
		want bool
	}{
		{"Address provided, unpaid", Invitation{Side: InvitationSideSender, Status: InvitationStatusAddressProvided}, true},
		{"Already paid", Invitation{Side: InvitationSideSender, Status: InvitationStatusAddressProvided, TxID: &txid}, false},
		{"Still waiting on the counterparty", Invitation{Side: InvitationSideSender, Status: InvitationStatusRequestSent}, false},
		{"Receiver side never sends", Invitation{Side: InvitationSideReceiver, Status: InvitationStatusAddressProvided}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.inv.SatisfiedForSending())
		})
	}
}

func TestInvitation_IsLightning(t *testing.T) {
	assert.True(t, (&Invitation{Invoice: "lnbc1..."}).IsLightning())
	assert.False(t, (&Invitation{Address: "bc1q..."}).IsLightning())
}
