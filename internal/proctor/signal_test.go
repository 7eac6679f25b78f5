package proctor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_DeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus()
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		bus.Subscribe(SignalCopy, func(Signal) bool {
			order = append(order, i)
			return false
		})
	}
	bus.Subscribe(SignalPaste, func(Signal) bool {
		t.Fatal("paste listener must not see copy signals")
		return false
	})

	assert.False(t, bus.Emit(Signal{Type: SignalCopy}))
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus()
	calls := 0
	unsub := bus.Subscribe(SignalContextMenu, func(Signal) bool {
		calls++
		return true
	})
	other := bus.Subscribe(SignalContextMenu, func(Signal) bool { return false })
	assert.Equal(t, 2, bus.ListenerCount())

	assert.True(t, bus.Emit(Signal{Type: SignalContextMenu}))
	unsub()
	unsub()
	assert.Equal(t, 1, bus.ListenerCount())

	assert.False(t, bus.Emit(Signal{Type: SignalContextMenu}))
	assert.Equal(t, 1, calls)

	other()
	assert.Equal(t, 0, bus.ListenerCount())
}

func TestBus_ListenerMayUnsubscribeDuringEmit(t *testing.T) {
	bus := NewBus()
	var unsub func()
	unsub = bus.Subscribe(SignalVisibility, func(Signal) bool {
		unsub()
		return false
	})

	bus.Emit(Signal{Type: SignalVisibility, Hidden: true})
	assert.Equal(t, 0, bus.ListenerCount())
}

func TestSignalType_Valid(t *testing.T) {
	assert.True(t, SignalKeyDown.Valid())
	assert.False(t, SignalType("mousemove").Valid())
}
