package server

import "testing"

func TestActionBufferSnapshotCoversEverySlot(t *testing.T) {
	buffer := NewActionBuffer(3, 5)
	if !buffer.Set(1, 4) {
		t.Fatalf("expected in-range set to succeed")
	}

	joint := buffer.Snapshot()
	if len(joint) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(joint))
	}
	if joint["agent_0"] != noopAction {
		t.Fatalf("unwritten slot should default to no-op, got %d", joint["agent_0"])
	}
	if joint["agent_1"] != 4 {
		t.Fatalf("expected buffered action 4, got %d", joint["agent_1"])
	}
	if joint["agent_2"] != noopAction {
		t.Fatalf("unwritten slot should default to no-op, got %d", joint["agent_2"])
	}
}

func TestActionBufferLastWriteWins(t *testing.T) {
	buffer := NewActionBuffer(2, 5)
	buffer.Set(0, 1)
	buffer.Set(0, 3)
	if got := buffer.Snapshot()["agent_0"]; got != 3 {
		t.Fatalf("expected last write 3, got %d", got)
	}
}

func TestActionBufferRejectsOutOfRange(t *testing.T) {
	buffer := NewActionBuffer(2, 5)
	if buffer.Set(-1, 0) {
		t.Fatal("negative slot should be rejected")
	}
	if buffer.Set(2, 0) {
		t.Fatal("slot beyond namespace should be rejected")
	}
	if buffer.Set(0, 5) {
		t.Fatal("action at limit should be rejected")
	}
	if buffer.Set(0, -1) {
		t.Fatal("negative action should be rejected")
	}
	if got := buffer.Snapshot()["agent_0"]; got != noopAction {
		t.Fatalf("rejected writes must leave no-op, got %d", got)
	}
}

func TestActionBufferLateLimitInvalidatesStaleWrites(t *testing.T) {
	buffer := NewActionBuffer(1, 0)
	if !buffer.Set(0, 7) {
		t.Fatal("writes before the limit is known should be accepted")
	}
	buffer.SetLimit(5)
	if got := buffer.Snapshot()["agent_0"]; got != noopAction {
		t.Fatalf("stale out-of-range action should snapshot as no-op, got %d", got)
	}
}

func TestActionBufferClear(t *testing.T) {
	buffer := NewActionBuffer(2, 5)
	buffer.Set(1, 2)
	buffer.Clear(1)
	if got := buffer.Snapshot()["agent_1"]; got != noopAction {
		t.Fatalf("cleared slot should default to no-op, got %d", got)
	}
}

func TestParseAgentSlot(t *testing.T) {
	cases := []struct {
		id   string
		slot int
		ok   bool
	}{
		{"agent_0", 0, true},
		{"agent_12", 12, true},
		{"agent_-1", 0, false},
		{"agent_x", 0, false},
		{"player_1", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		slot, ok := ParseAgentSlot(tc.id)
		if ok != tc.ok || slot != tc.slot {
			t.Fatalf("ParseAgentSlot(%q) = %d,%v want %d,%v", tc.id, slot, ok, tc.slot, tc.ok)
		}
	}
	if AgentSlotID(3) != "agent_3" {
		t.Fatalf("unexpected slot id %q", AgentSlotID(3))
	}
}
