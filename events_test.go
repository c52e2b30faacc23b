package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifier(t *testing.T) {
	t.Run("Delivers to every subscriber in order", func(t *testing.T) {
		n := NewNotifier(testLogger())

		var first, second []EventType
		n.Subscribe(func(e Event) { first = append(first, e.Type) })
		n.Subscribe(func(e Event) { second = append(second, e.Type) })

		n.Emit(BalanceChangedEventType, nil)
		n.Emit(SyncCompletedEventType, nil)

		want := []EventType{BalanceChangedEventType, SyncCompletedEventType}
		assert.Equal(t, want, first)
		assert.Equal(t, want, second)
	})

	t.Run("Emit with no subscribers is a no-op", func(t *testing.T) {
		n := NewNotifier(testLogger())
		assert.NotPanics(t, func() { n.Emit(RatesUpdatedEventType, nil) })
	})

	t.Run("Payload is passed through untouched", func(t *testing.T) {
		n := NewNotifier(testLogger())

		var got any
		n.Subscribe(func(e Event) { got = e.Data })

		info := NetworkInfo{BestHeight: 812345}
		n.Emit(RatesUpdatedEventType, info)
		assert.Equal(t, info, got)
	})
}
