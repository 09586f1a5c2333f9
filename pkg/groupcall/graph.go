package groupcall

// CallGraph is the reconciler's own mapping Member -> DeviceID -> Call (§3).
// The reconciler is the single writer; every other component reads it
// through the narrow accessors below, never by walking the maps directly
// (§9 "the reconciler is the single owner of the graph").
type CallGraph struct {
	order []Member
	slots map[Member]map[DeviceID]Call
}

func newCallGraph() CallGraph {
	return CallGraph{slots: make(map[Member]map[DeviceID]Call)}
}

func (g CallGraph) Get(slot Slot) (Call, bool) {
	devices, ok := g.slots[slot.Member]
	if !ok {
		return nil, false
	}

	call, ok := devices[slot.DeviceID]

	return call, ok
}

func (g CallGraph) Members() []Member {
	out := make([]Member, len(g.order))
	copy(out, g.order)

	return out
}

func (g CallGraph) Devices(m Member) map[DeviceID]Call {
	return g.slots[m]
}

// Len reports the total number of occupied slots across all members.
func (g CallGraph) Len() int {
	n := 0
	for _, devices := range g.slots {
		n += len(devices)
	}

	return n
}

func (g *CallGraph) set(slot Slot, call Call) {
	devices, ok := g.slots[slot.Member]
	if !ok {
		devices = make(map[DeviceID]Call)
		g.slots[slot.Member] = devices
		g.order = append(g.order, slot.Member)
	}

	devices[slot.DeviceID] = call
}

// delete removes the slot and, if that empties the member's inner map,
// removes the outer entry too (§3 CallGraph invariant).
func (g *CallGraph) delete(slot Slot) {
	devices, ok := g.slots[slot.Member]
	if !ok {
		return
	}

	delete(devices, slot.DeviceID)

	if len(devices) == 0 {
		delete(g.slots, slot.Member)

		for i, m := range g.order {
			if m == slot.Member {
				g.order = append(g.order[:i], g.order[i+1:]...)
				break
			}
		}
	}
}

// wantsOutgoingCall implements the directionality rule (§4.D): the local
// side places the call iff the remote (userId, deviceId) sorts strictly
// after the local one, lexicographically on userId then deviceId. Total and
// antisymmetric over distinct pairs, so exactly one side ever originates.
func wantsOutgoingCall(localUser UserID, localDevice DeviceID, remoteUser UserID, remoteDevice DeviceID) bool {
	if remoteUser != localUser {
		return remoteUser > localUser
	}

	return remoteDevice > localDevice
}
