package groupcall

// CallHandlerCallbacks bundles the four per-call listeners the reconciler
// hangs off a registered Call (§4.C).
type CallHandlerCallbacks struct {
	OnFeedsChanged func(Call)
	OnStateChanged func(Call, CallEvent)
	OnHangup       func(Call, CallEvent)
	OnReplaced     func(Call, CallEvent)
}

// CallHandlerTable pairs each call admitted into the graph with its
// unsubscribe closures, keyed identically to CallGraph at all observable
// points (§3 invariant).
type CallHandlerTable struct {
	entries map[Slot]func()
}

func newCallHandlerTable() *CallHandlerTable {
	return &CallHandlerTable{entries: make(map[Slot]func())}
}

// Register subscribes the four closures described in §4.C and stores a
// single combined unsubscribe function under slot.
func (t *CallHandlerTable) Register(slot Slot, call Call, cb CallHandlerCallbacks) {
	var unsubs []func()

	if cb.OnFeedsChanged != nil {
		unsubs = append(unsubs, call.On(CallEventFeedsChanged, func(CallEvent) { cb.OnFeedsChanged(call) }))
	}

	if cb.OnStateChanged != nil {
		unsubs = append(unsubs, call.On(CallEventStateChanged, func(ev CallEvent) { cb.OnStateChanged(call, ev) }))
	}

	if cb.OnHangup != nil {
		unsubs = append(unsubs, call.On(CallEventHangup, func(ev CallEvent) { cb.OnHangup(call, ev) }))
	}

	if cb.OnReplaced != nil {
		unsubs = append(unsubs, call.On(CallEventReplaced, func(ev CallEvent) { cb.OnReplaced(call, ev) }))
	}

	t.entries[slot] = func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Unregister unsubscribes and removes the entry for slot. Looking up a slot
// that was never registered is the fatal condition described in §4.C:
// ErrHandlerNotFound is a programmer-error sentinel, not a runtime one.
func (t *CallHandlerTable) Unregister(slot Slot) error {
	unsub, ok := t.entries[slot]
	if !ok {
		return ErrHandlerNotFound
	}

	unsub()
	delete(t.entries, slot)

	return nil
}

func (t *CallHandlerTable) has(slot Slot) bool {
	_, ok := t.entries[slot]

	return ok
}

func (t *CallHandlerTable) Len() int {
	return len(t.entries)
}
