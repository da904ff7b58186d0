package server

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// AgentSlotID renders the wire identifier for an agent slot index.
func AgentSlotID(slot int) string {
	return fmt.Sprintf("agent_%d", slot)
}

// ParseAgentSlot extracts the slot index from a wire identifier like
// "agent_2". The second return is false for anything else.
func ParseAgentSlot(id string) (int, bool) {
	rest, ok := strings.CutPrefix(id, "agent_")
	if !ok {
		return 0, false
	}
	slot, err := strconv.Atoi(rest)
	if err != nil || slot < 0 {
		return 0, false
	}
	return slot, true
}

// ActionBuffer holds the most recently received action per agent slot.
// Last write wins; no history is kept. Entries are scoped to one room's
// slot namespace, owned exclusively by that room's trial.
type ActionBuffer struct {
	mu        sync.Mutex
	numAgents int
	limit     int
	actions   map[int]int
}

// NewActionBuffer sizes a buffer for numAgents slots. actionLimit bounds
// valid actions; zero means the limit is not yet known and writes are
// accepted unvalidated (Snapshot still substitutes once a limit is set).
func NewActionBuffer(numAgents, actionLimit int) *ActionBuffer {
	if numAgents < 1 {
		numAgents = 1
	}
	return &ActionBuffer{
		numAgents: numAgents,
		limit:     actionLimit,
		actions:   make(map[int]int, numAgents),
	}
}

// SetLimit records the action-space size once the session spec is known.
func (b *ActionBuffer) SetLimit(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limit = n
}

// Set stores the latest action for a slot. Returns false for a slot
// outside the room's namespace or an action outside the known range; such
// updates are dropped.
func (b *ActionBuffer) Set(slot, action int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if slot < 0 || slot >= b.numAgents {
		return false
	}
	if action < 0 || (b.limit > 0 && action >= b.limit) {
		return false
	}
	b.actions[slot] = action
	return true
}

// Clear drops any buffered action for a slot, returning it to no-op.
func (b *ActionBuffer) Clear(slot int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.actions, slot)
}

// Snapshot returns a joint action covering every slot in the room,
// substituting no-op for slots never written or written out of range.
func (b *ActionBuffer) Snapshot() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	joint := make(map[string]int, b.numAgents)
	for slot := 0; slot < b.numAgents; slot++ {
		action, ok := b.actions[slot]
		if !ok || action < 0 || (b.limit > 0 && action >= b.limit) {
			action = noopAction
		}
		joint[AgentSlotID(slot)] = action
	}
	return joint
}
