package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tandem/server/internal/sidecar"
)

// fakeConn captures everything the hub writes so tests can assert on the
// wire traffic.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	broken bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken || c.closed {
		return errors.New("connection broken")
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) breakWrites() {
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()
}

func (c *fakeConn) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type frame map[string]any

func (c *fakeConn) events() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]frame, 0, len(c.frames))
	for _, raw := range c.frames {
		var ev frame
		if err := json.Unmarshal(raw, &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) eventsOfType(eventType string) []frame {
	var out []frame
	for _, ev := range c.events() {
		if ev["type"] == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) rawFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// fakeStepper is an in-memory stand-in for the simulation sidecar.
type fakeStepper struct {
	mu          sync.Mutex
	steps       int
	maxSteps    int
	failNext    int
	failAlways  bool
	lastActions map[string]int
}

func newFakeStepper() *fakeStepper {
	return &fakeStepper{maxSteps: 1 << 20}
}

func (f *fakeStepper) CreateEnv(context.Context, sidecar.CreateRequest) (string, error) {
	return "env-test", nil
}

func (f *fakeStepper) Spec(_ context.Context, envID string) (sidecar.Spec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sidecar.Spec{
		ObservationShape: []int{18},
		ActionSpace:      sidecar.ActionSpace{Type: "discrete", N: 5, Labels: []string{"noop", "left", "right", "down", "up"}},
		DT:               0.1,
		Seed:             123,
		MaxSteps:         f.maxSteps,
		SpecHash:         "test-hash",
	}, nil
}

func (f *fakeStepper) Reset(context.Context, string) error { return nil }

func (f *fakeStepper) Step(_ context.Context, _ string, actions map[string]int) (sidecar.StepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAlways || f.failNext > 0 {
		if f.failNext > 0 {
			f.failNext--
		}
		return sidecar.StepResult{}, errors.New("step refused")
	}
	f.steps++
	f.lastActions = actions

	agents := make(map[string]sidecar.AgentState, len(actions))
	for agentID := range actions {
		agents[agentID] = sidecar.AgentState{Pos: [2]float64{0.1, 0.2}}
	}
	return sidecar.StepResult{
		State: sidecar.StepState{
			Agents:    agents,
			Landmarks: []sidecar.Landmark{{Pos: [2]float64{0.5, 0.5}}},
			Step:      f.steps,
			EpisodeID: "ep-test",
		},
		Rewards: map[string]float64{"agent_0": -0.25},
	}, nil
}

func (f *fakeStepper) stepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.steps
}

func (f *fakeStepper) actionsSeen() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.lastActions))
	for k, v := range f.lastActions {
		out[k] = v
	}
	return out
}

func testConfig() Config {
	return Config{
		RoomCapacity:  2,
		NumAgents:     3,
		TickInterval:  10 * time.Millisecond,
		ReadyTimeout:  60 * time.Millisecond,
		TrialDuration: 150 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func connect(t *testing.T, hub *Hub) (string, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	id, err := hub.Register(conn)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return id, conn
}

func TestRegisterAssignsIdentity(t *testing.T) {
	hub := NewHub(testConfig(), newFakeStepper())
	id, conn := connect(t, hub)

	assigns := conn.eventsOfType("ASSIGN_ID")
	if len(assigns) != 1 {
		t.Fatalf("expected one ASSIGN_ID, got %d", len(assigns))
	}
	if assigns[0]["id"] != id {
		t.Fatalf("ASSIGN_ID carries %v, want %s", assigns[0]["id"], id)
	}
}

func TestJoinLobbyAssignsRoomAndAgent(t *testing.T) {
	hub := NewHub(testConfig(), newFakeStepper())
	id, conn := connect(t, hub)

	hub.JoinLobby(id, "alice")

	rooms := conn.eventsOfType("ASSIGN_ROOM")
	agents := conn.eventsOfType("ASSIGN_AGENT")
	if len(rooms) != 1 || len(agents) != 1 {
		t.Fatalf("expected room and agent assignment, got %d/%d", len(rooms), len(agents))
	}
	if agents[0]["agentId"] != "agent_0" {
		t.Fatalf("first joiner should hold agent_0, got %v", agents[0]["agentId"])
	}
}

func TestJoinLobbyIsIdempotent(t *testing.T) {
	hub := NewHub(testConfig(), newFakeStepper())
	id, conn := connect(t, hub)

	hub.JoinLobby(id, "alice")
	hub.JoinLobby(id, "alice")

	rooms := conn.eventsOfType("ASSIGN_ROOM")
	if len(rooms) != 2 {
		t.Fatalf("expected a re-announce, got %d ASSIGN_ROOM", len(rooms))
	}
	if rooms[0]["roomId"] != rooms[1]["roomId"] {
		t.Fatalf("duplicate join moved the participant: %v vs %v", rooms[0]["roomId"], rooms[1]["roomId"])
	}
	agents := conn.eventsOfType("ASSIGN_AGENT")
	if agents[0]["agentId"] != agents[1]["agentId"] {
		t.Fatalf("duplicate join reassigned the slot")
	}
}

func TestLobbyFillsOldestRoomFirst(t *testing.T) {
	hub := NewHub(testConfig(), newFakeStepper())

	idA, connA := connect(t, hub)
	idB, connB := connect(t, hub)
	idC, connC := connect(t, hub)

	hub.JoinLobby(idA, "a")
	hub.JoinLobby(idB, "b")
	hub.JoinLobby(idC, "c")

	roomA := connA.eventsOfType("ASSIGN_ROOM")[0]["roomId"]
	roomB := connB.eventsOfType("ASSIGN_ROOM")[0]["roomId"]
	roomC := connC.eventsOfType("ASSIGN_ROOM")[0]["roomId"]

	if roomA != roomB {
		t.Fatalf("first two joiners should share a room: %v vs %v", roomA, roomB)
	}
	if roomC == roomA {
		t.Fatalf("third joiner overfilled the room")
	}
}

func TestJoinSpecificRoomRejectsWhenFull(t *testing.T) {
	hub := NewHub(testConfig(), newFakeStepper())

	idA, _ := connect(t, hub)
	idB, _ := connect(t, hub)
	idC, connC := connect(t, hub)

	hub.JoinRoom(idA, "room-abc", "a")
	hub.JoinRoom(idB, "room-abc", "b")
	hub.JoinRoom(idC, "room-abc", "c")

	if len(connC.eventsOfType("ERROR")) == 0 {
		t.Fatalf("joining a full room should produce an ERROR")
	}
	if len(connC.eventsOfType("ASSIGN_ROOM")) != 0 {
		t.Fatalf("full room must not be assigned")
	}
}

func TestSoloReadyStartsAfterTimeout(t *testing.T) {
	stepper := newFakeStepper()
	hub := NewHub(testConfig(), stepper)

	id, conn := connect(t, hub)
	hub.JoinLobby(id, "solo")
	hub.TrialReady(id, "", 0)

	time.Sleep(20 * time.Millisecond)
	if len(conn.eventsOfType("TRIAL_START")) != 0 {
		t.Fatalf("trial must wait for the ready timeout with a partial barrier")
	}

	waitFor(t, time.Second, func() bool {
		return len(conn.eventsOfType("TRIAL_START")) == 1
	})
	waitFor(t, time.Second, func() bool { return stepper.stepCount() > 0 })
}

func TestAllReadyStartsImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.ReadyTimeout = 5 * time.Second
	hub := NewHub(cfg, newFakeStepper())

	idA, connA := connect(t, hub)
	idB, connB := connect(t, hub)
	hub.JoinLobby(idA, "a")
	hub.JoinLobby(idB, "b")

	hub.TrialReady(idA, "", 0)
	hub.TrialReady(idB, "", 0)

	waitFor(t, time.Second, func() bool {
		return len(connA.eventsOfType("TRIAL_START")) == 1 &&
			len(connB.eventsOfType("TRIAL_START")) == 1
	})
}

func TestLongestRequestedDurationWins(t *testing.T) {
	cfg := testConfig()
	cfg.TrialDuration = 50 * time.Millisecond
	hub := NewHub(cfg, newFakeStepper())

	idA, connA := connect(t, hub)
	idB, _ := connect(t, hub)
	hub.JoinLobby(idA, "a")
	hub.JoinLobby(idB, "b")

	hub.TrialReady(idA, "", 120)
	hub.TrialReady(idB, "", 300)

	waitFor(t, time.Second, func() bool {
		return len(connA.eventsOfType("TRIAL_START")) == 1
	})
	start := connA.eventsOfType("TRIAL_START")[0]
	if got := start["duration"].(float64); got != 300 {
		t.Fatalf("expected the longest requested duration (300), got %v", got)
	}
}

func TestStateUpdatesAreByteIdenticalAcrossRoom(t *testing.T) {
	hub := NewHub(testConfig(), newFakeStepper())

	idA, connA := connect(t, hub)
	idB, connB := connect(t, hub)
	hub.JoinLobby(idA, "a")
	hub.JoinLobby(idB, "b")
	hub.TrialReady(idA, "", 0)
	hub.TrialReady(idB, "", 0)

	waitFor(t, time.Second, func() bool {
		return len(connA.eventsOfType("STATE_UPDATE")) > 2 &&
			len(connB.eventsOfType("STATE_UPDATE")) > 2
	})

	updatesA := stateUpdateFrames(connA)
	updatesB := stateUpdateFrames(connB)
	n := len(updatesA)
	if len(updatesB) < n {
		n = len(updatesB)
	}
	for i := 0; i < n; i++ {
		if string(updatesA[i]) != string(updatesB[i]) {
			t.Fatalf("state update %d differs between members:\n%s\n%s", i, updatesA[i], updatesB[i])
		}
	}
}

func stateUpdateFrames(conn *fakeConn) [][]byte {
	var out [][]byte
	for _, raw := range conn.rawFrames() {
		var env struct {
			Type string `json:"type"`
			State struct {
				Phase string `json:"phase"`
			} `json:"state"`
		}
		if json.Unmarshal(raw, &env) == nil && env.Type == "STATE_UPDATE" && env.State.Phase == "running" {
			out = append(out, raw)
		}
	}
	return out
}

func TestPlayerActionsReachTheStepper(t *testing.T) {
	stepper := newFakeStepper()
	hub := NewHub(testConfig(), stepper)

	idA, connA := connect(t, hub)
	idB, _ := connect(t, hub)
	hub.JoinLobby(idA, "a")
	hub.JoinLobby(idB, "b")
	hub.TrialReady(idA, "", 0)
	hub.TrialReady(idB, "", 0)

	waitFor(t, time.Second, func() bool {
		return len(connA.eventsOfType("TRIAL_START")) == 1
	})

	hub.PlayerAction(idA, "agent_0", 2)
	waitFor(t, time.Second, func() bool {
		return stepper.actionsSeen()["agent_0"] == 2
	})

	// Unclaimed bot slots always step with the noop action.
	actions := stepper.actionsSeen()
	if actions["agent_2"] != 0 {
		t.Fatalf("bot slot should carry noop, got %d", actions["agent_2"])
	}
	if len(actions) != 3 {
		t.Fatalf("joint action must cover every slot, got %v", actions)
	}
}

func TestOutOfRangeActionIsDropped(t *testing.T) {
	stepper := newFakeStepper()
	hub := NewHub(testConfig(), stepper)

	idA, connA := connect(t, hub)
	idB, _ := connect(t, hub)
	hub.JoinLobby(idA, "a")
	hub.JoinLobby(idB, "b")
	hub.TrialReady(idA, "", 0)
	hub.TrialReady(idB, "", 0)

	waitFor(t, time.Second, func() bool {
		return len(connA.eventsOfType("TRIAL_START")) == 1
	})

	hub.PlayerAction(idA, "agent_0", 99)
	waitFor(t, time.Second, func() bool { return stepper.stepCount() > 1 })

	if got := stepper.actionsSeen()["agent_0"]; got != 0 {
		t.Fatalf("invalid action should fall back to noop, got %d", got)
	}
}

func TestDisconnectMidTrialRevertsSlotToNoop(t *testing.T) {
	stepper := newFakeStepper()
	hub := NewHub(testConfig(), stepper)

	idA, connA := connect(t, hub)
	idB, connB := connect(t, hub)
	hub.JoinLobby(idA, "a")
	hub.JoinLobby(idB, "b")
	hub.TrialReady(idA, "", 0)
	hub.TrialReady(idB, "", 0)

	waitFor(t, time.Second, func() bool {
		return len(connA.eventsOfType("TRIAL_START")) == 1
	})

	hub.PlayerAction(idB, "agent_1", 3)
	waitFor(t, time.Second, func() bool {
		return stepper.actionsSeen()["agent_1"] == 3
	})

	hub.Unregister(idB, "test_disconnect")
	waitFor(t, time.Second, func() bool {
		return stepper.actionsSeen()["agent_1"] == 0
	})
	if !connB.wasClosed() {
		t.Fatalf("unregister should close the connection")
	}

	// The trial keeps running for the survivor and still ends.
	waitFor(t, 2*time.Second, func() bool {
		return len(connA.eventsOfType("TRIAL_END")) == 1
	})
}

func TestTrialEndsAtScheduledDuration(t *testing.T) {
	cfg := testConfig()
	cfg.TrialDuration = 80 * time.Millisecond
	stepper := newFakeStepper()
	hub := NewHub(cfg, stepper)

	idA, connA := connect(t, hub)
	idB, _ := connect(t, hub)
	hub.JoinLobby(idA, "a")
	hub.JoinLobby(idB, "b")
	hub.TrialReady(idA, "", 0)
	hub.TrialReady(idB, "", 0)

	waitFor(t, 2*time.Second, func() bool {
		return len(connA.eventsOfType("TRIAL_END")) == 1
	})

	steps := stepper.stepCount()
	time.Sleep(50 * time.Millisecond)
	if stepper.stepCount() != steps {
		t.Fatalf("stepping must stop once the trial ends")
	}

	// The room returns to the lobby so another trial can run.
	waitFor(t, time.Second, func() bool {
		events := connA.events()
		endSeen := false
		for _, ev := range events {
			if ev["type"] == "TRIAL_END" {
				endSeen = true
				continue
			}
			if !endSeen || ev["type"] != "STATE_UPDATE" {
				continue
			}
			if state, ok := ev["state"].(map[string]any); ok && state["phase"] == "lobby" {
				return true
			}
		}
		return false
	})
}

func TestTrialEndsAtEpisodeHorizon(t *testing.T) {
	cfg := testConfig()
	cfg.TrialDuration = 10 * time.Second
	stepper := newFakeStepper()
	stepper.maxSteps = 3
	hub := NewHub(cfg, stepper)

	idA, connA := connect(t, hub)
	idB, _ := connect(t, hub)
	hub.JoinLobby(idA, "a")
	hub.JoinLobby(idB, "b")
	hub.TrialReady(idA, "", 0)
	hub.TrialReady(idB, "", 0)

	waitFor(t, 2*time.Second, func() bool {
		return len(connA.eventsOfType("TRIAL_END")) == 1
	})
	if got := stepper.stepCount(); got != 3 {
		t.Fatalf("expected the trial to stop at the horizon (3 steps), got %d", got)
	}
}

func TestStepFailureBroadcastsErrorAndRecovers(t *testing.T) {
	stepper := newFakeStepper()
	stepper.failNext = 1
	hub := NewHub(testConfig(), stepper)

	idA, connA := connect(t, hub)
	idB, _ := connect(t, hub)
	hub.JoinLobby(idA, "a")
	hub.JoinLobby(idB, "b")
	hub.TrialReady(idA, "", 0)
	hub.TrialReady(idB, "", 0)

	waitFor(t, time.Second, func() bool {
		return len(connA.eventsOfType("ERROR")) >= 1
	})
	// The loop keeps going after an isolated failure.
	waitFor(t, time.Second, func() bool { return stepper.stepCount() > 1 })
}

func TestConsecutiveStepFailuresAbortTrial(t *testing.T) {
	cfg := testConfig()
	cfg.MaxStepFailures = 3
	cfg.TrialDuration = 10 * time.Second
	stepper := newFakeStepper()
	stepper.failAlways = true
	hub := NewHub(cfg, stepper)

	idA, connA := connect(t, hub)
	idB, _ := connect(t, hub)
	hub.JoinLobby(idA, "a")
	hub.JoinLobby(idB, "b")
	hub.TrialReady(idA, "", 0)
	hub.TrialReady(idB, "", 0)

	waitFor(t, 2*time.Second, func() bool {
		return len(connA.eventsOfType("TRIAL_END")) == 1
	})
	if got := len(connA.eventsOfType("ERROR")); got < 3 {
		t.Fatalf("expected an ERROR per failed step, got %d", got)
	}
}

func TestWriteFailureUnregistersParticipant(t *testing.T) {
	hub := NewHub(testConfig(), newFakeStepper())

	idA, connA := connect(t, hub)
	hub.JoinLobby(idA, "a")

	connA.breakWrites()
	hub.Move(idA, "right")

	waitFor(t, time.Second, func() bool {
		hub.mu.Lock()
		_, still := hub.subscribers[idA]
		hub.mu.Unlock()
		return !still
	})
}

func TestLobbyMovesUpdateTheGrid(t *testing.T) {
	hub := NewHub(testConfig(), newFakeStepper())

	id, conn := connect(t, hub)
	hub.JoinLobby(id, "walker")

	before := len(conn.eventsOfType("STATE_UPDATE"))
	hub.Move(id, "down")
	waitFor(t, time.Second, func() bool {
		return len(conn.eventsOfType("STATE_UPDATE")) > before
	})

	updates := conn.eventsOfType("STATE_UPDATE")
	state := updates[len(updates)-1]["state"].(map[string]any)
	if state["phase"] != "lobby" {
		t.Fatalf("expected a lobby snapshot, got %v", state["phase"])
	}
	players := state["players"].(map[string]any)
	if _, ok := players[id]; !ok {
		t.Fatalf("mover missing from the roster")
	}
}

func TestDiagnosticsSnapshotCountsRooms(t *testing.T) {
	hub := NewHub(testConfig(), newFakeStepper())

	for i := 0; i < 3; i++ {
		id, _ := connect(t, hub)
		hub.JoinLobby(id, fmt.Sprintf("p%d", i))
	}

	snapshot := hub.DiagnosticsSnapshot()
	if snapshot["connected"] != 3 {
		t.Fatalf("expected 3 connected, got %v", snapshot["connected"])
	}
	if snapshot["rooms"] != 2 {
		t.Fatalf("expected 2 rooms for 3 participants at capacity 2, got %v", snapshot["rooms"])
	}
}
