package server

import (
	"context"
	"sync"
	"time"

	"tandem/server/internal/proto"
	"tandem/server/internal/scheduler"
	"tandem/server/internal/sidecar"
	"tandem/server/logging"
)

// TrialState is the lifecycle of one trial.
type TrialState string

const (
	TrialWaitingForReady TrialState = "WaitingForReady"
	TrialRunning         TrialState = "Running"
	TrialFinished        TrialState = "Finished"
)

// Stepper is the slice of the simulation sidecar a trial drives. The
// production implementation is *sidecar.Client; tests install fakes.
type Stepper interface {
	CreateEnv(ctx context.Context, req sidecar.CreateRequest) (string, error)
	Spec(ctx context.Context, envID string) (sidecar.Spec, error)
	Reset(ctx context.Context, envID string) error
	Step(ctx context.Context, envID string, actions map[string]int) (sidecar.StepResult, error)
}

// Trial runs one readiness barrier followed by one timed episode. It owns
// the action buffer and all session traffic with the sidecar.
//
// Lock ordering: t.mu may be held while calling room methods, never the
// reverse. Sidecar calls and broadcasts happen outside t.mu.
type Trial struct {
	mu sync.Mutex

	id   string
	room *Room
	cfg  Config
	deps roomDeps

	state    TrialState
	duration time.Duration
	ready    map[string]struct{}

	envID          string
	spec           sidecar.Spec
	buffer         *ActionBuffer
	horizon        int
	startTimestamp int64

	stepFailures int

	readyTimer *scheduler.Token
	ticker     *scheduler.Token
}

func newTrial(id string, room *Room, cfg Config, deps roomDeps) *Trial {
	t := &Trial{
		id:       id,
		room:     room,
		cfg:      cfg,
		deps:     deps,
		state:    TrialWaitingForReady,
		duration: cfg.TrialDuration,
		ready:    make(map[string]struct{}),
		buffer:   NewActionBuffer(cfg.NumAgents, 0),
	}
	t.readyTimer = scheduler.After(cfg.ReadyTimeout, t.readyTimeoutFired)
	return t
}

// ID returns the trial identifier.
func (t *Trial) ID() string { return t.id }

// State returns the current lifecycle state.
func (t *Trial) State() TrialState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SignalReady records one participant's readiness. The longest requested
// duration wins. The barrier spans the room's full capacity: only a full
// room with every member ready starts immediately, otherwise the ready
// timeout starts the trial with whoever showed up.
func (t *Trial) SignalReady(participantID string, requested int64) {
	t.mu.Lock()
	if t.state != TrialWaitingForReady {
		t.mu.Unlock()
		return
	}
	t.ready[participantID] = struct{}{}
	if d := time.Duration(requested) * time.Millisecond; d > t.duration {
		t.duration = d
	}
	logging.TrialReady(context.Background(), t.deps.publisher, t.room.ID(), t.id, participantID)

	members := t.room.MemberIDs()
	allReady := len(members) == t.cfg.RoomCapacity
	for _, id := range members {
		if _, ok := t.ready[id]; !ok {
			allReady = false
			break
		}
	}
	if !allReady {
		t.mu.Unlock()
		return
	}

	t.readyTimer.Cancel()
	t.startLocked("all_ready")
	t.mu.Unlock()
}

// readyTimeoutFired ends the barrier unconditionally. Whoever has not
// signaled by now is carried into the trial anyway.
func (t *Trial) readyTimeoutFired() {
	t.mu.Lock()
	if t.state != TrialWaitingForReady {
		t.mu.Unlock()
		return
	}
	t.startLocked("timeout")
	t.mu.Unlock()
}

// startLocked flips the trial to Running and hands session setup to a
// background goroutine so the caller never blocks on the sidecar.
func (t *Trial) startLocked(reason string) {
	t.state = TrialRunning
	t.room.setPhase(RoomPhaseRunning)
	if t.deps.telemetry != nil {
		t.deps.telemetry.RecordTrialStarted()
	}

	logging.TrialStarted(context.Background(), t.deps.publisher, t.room.ID(), t.id, logging.TrialStartedPayload{
		Duration: t.duration.Milliseconds(),
		Reason:   reason,
		Ready:    len(t.ready),
		Members:  len(t.room.MemberIDs()),
	})

	go t.launch()
}

// launch creates the simulation session, announces TRIAL_START, and begins
// the fixed-interval tick loop.
func (t *Trial) launch() {
	ctx := context.Background()

	envID, err := t.deps.stepper.CreateEnv(ctx, sidecar.CreateRequest{
		Task:           t.cfg.Task,
		Seed:           t.cfg.Seed,
		NumAgents:      t.cfg.NumAgents,
		NumLandmarks:   t.cfg.NumLandmarks,
		EpisodeHorizon: t.cfg.EpisodeHorizon,
	})
	if err != nil {
		t.abortLaunch("create environment", err)
		return
	}
	spec, err := t.deps.stepper.Spec(ctx, envID)
	if err != nil {
		t.abortLaunch("fetch environment spec", err)
		return
	}
	if err := t.deps.stepper.Reset(ctx, envID); err != nil {
		t.abortLaunch("reset environment", err)
		return
	}

	t.mu.Lock()
	if t.state != TrialRunning {
		t.mu.Unlock()
		return
	}
	t.envID = envID
	t.spec = spec
	t.buffer.SetLimit(spec.ActionSpace.N)
	t.horizon = spec.MaxSteps
	if t.horizon <= 0 {
		t.horizon = t.cfg.EpisodeHorizon
	}
	t.startTimestamp = nowMillis()
	start := proto.NewTrialStart(t.id, t.startTimestamp, t.duration.Milliseconds(), spec)
	t.mu.Unlock()

	logging.SessionCreated(ctx, t.deps.publisher, t.room.ID(), envID)
	t.deps.broadcast.Broadcast(t.room.ID(), t.room.MemberIDs(), start)

	t.mu.Lock()
	if t.state == TrialRunning {
		t.ticker = scheduler.Every(t.cfg.TickInterval, t.tick)
	}
	t.mu.Unlock()
}

func (t *Trial) abortLaunch(what string, err error) {
	t.deps.logger.Printf("trial %s: failed to %s: %v", t.id, what, err)
	t.deps.broadcast.Broadcast(t.room.ID(), t.room.MemberIDs(), proto.NewError("failed to start trial"))
	logging.TrialAborted(context.Background(), t.deps.publisher, t.room.ID(), t.id, logging.TrialAbortedPayload{
		Reason: what + ": " + err.Error(),
	})
	t.finish("")
}

// tick performs one simulation step. It runs on the scheduler's callback
// goroutine, which never overlaps invocations, so at most one step request
// is outstanding per trial.
func (t *Trial) tick() {
	t.mu.Lock()
	if t.state != TrialRunning || t.envID == "" {
		t.mu.Unlock()
		return
	}
	envID := t.envID
	actions := t.buffer.Snapshot()
	deadline := t.startTimestamp + t.duration.Milliseconds()
	horizon := t.horizon
	t.mu.Unlock()

	started := time.Now()
	result, err := t.deps.stepper.Step(context.Background(), envID, actions)
	if t.deps.telemetry != nil {
		t.deps.telemetry.RecordStep(time.Since(started), err == nil)
	}
	if err != nil {
		t.stepFailed(err)
		return
	}

	t.mu.Lock()
	if t.state != TrialRunning {
		t.mu.Unlock()
		return
	}
	t.stepFailures = 0
	update := proto.NewStateUpdate(t.runningState(result), result.State.Step, nowMillis())
	t.mu.Unlock()

	t.deps.broadcast.Broadcast(t.room.ID(), t.room.MemberIDs(), update)

	if (horizon > 0 && result.State.Step >= horizon) || nowMillis() >= deadline {
		t.finish(result.State.EpisodeID)
	}
}

// stepFailed reports one failed step. The trial skips the tick and keeps
// going; a run of consecutive failures aborts it.
func (t *Trial) stepFailed(err error) {
	t.mu.Lock()
	if t.state != TrialRunning {
		t.mu.Unlock()
		return
	}
	t.stepFailures++
	failures := t.stepFailures
	envID := t.envID
	t.mu.Unlock()

	t.deps.logger.Printf("trial %s: step failed (%d consecutive): %v", t.id, failures, err)
	logging.StepFailed(context.Background(), t.deps.publisher, t.room.ID(), 0, logging.StepFailedPayload{
		EnvID:       envID,
		Error:       err.Error(),
		Consecutive: failures,
	})
	t.deps.broadcast.Broadcast(t.room.ID(), t.room.MemberIDs(), proto.NewError("simulation step failed"))

	if failures >= t.cfg.MaxStepFailures {
		logging.TrialAborted(context.Background(), t.deps.publisher, t.room.ID(), t.id, logging.TrialAbortedPayload{
			Reason:   "consecutive step failures",
			Failures: failures,
		})
		t.finish("")
	}
}

// runningState merges the sidecar's public state with room-side identity:
// which agents are humans and what they call themselves. Caller holds t.mu.
func (t *Trial) runningState(result sidecar.StepResult) proto.RunningState {
	owners := t.room.slotOwners()

	agents := make(map[string]proto.AgentState, len(result.State.Agents))
	for agentID, a := range result.State.Agents {
		st := proto.AgentState{Pos: a.Pos, Vel: a.Vel}
		if reward, ok := result.Rewards[agentID]; ok {
			r := reward
			st.Reward = &r
		}
		if slot, ok := ParseAgentSlot(agentID); ok {
			if owner, held := owners[slot]; held && owner.connected {
				st.IsHuman = true
				st.Name = owner.name
			}
		}
		agents[agentID] = st
	}

	landmarks := make([]proto.Landmark, len(result.State.Landmarks))
	for i, l := range result.State.Landmarks {
		landmarks[i] = proto.Landmark{Pos: l.Pos, Radius: l.Radius}
	}
	return proto.NewRunningState(agents, landmarks, result.State.Step, result.State.EpisodeID)
}

// SubmitAction buffers a participant's action for the next step. Actions
// outside the environment's action space are dropped.
func (t *Trial) SubmitAction(slot, action int) bool {
	t.mu.Lock()
	if t.state != TrialRunning {
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()
	return t.buffer.Set(slot, action)
}

// ParticipantLeft reacts to a member disconnecting. During the readiness
// barrier they are dropped from the ready set and the room falls below
// capacity, so the ready timeout decides; mid-trial their slot reverts to
// no-ops while the episode runs to its scheduled end.
func (t *Trial) ParticipantLeft(participantID string, slot int, running bool) {
	t.mu.Lock()
	delete(t.ready, participantID)
	t.mu.Unlock()

	if running {
		t.buffer.Clear(slot)
	}
}

// finish ends the trial exactly once, announcing TRIAL_END and returning
// the room to the lobby.
func (t *Trial) finish(episodeID string) {
	t.mu.Lock()
	if t.state == TrialFinished {
		t.mu.Unlock()
		return
	}
	wasRunning := t.state == TrialRunning
	t.state = TrialFinished
	t.readyTimer.Cancel()
	t.ticker.Cancel()
	t.mu.Unlock()

	members := t.room.MemberIDs()
	if episodeID != "" {
		t.deps.broadcast.Broadcast(t.room.ID(), members, proto.NewStateUpdate(proto.NewFinishedState(episodeID), 0, nowMillis()))
	}
	t.deps.broadcast.Broadcast(t.room.ID(), members, proto.NewTrialEnd(t.id))

	if wasRunning {
		if t.deps.telemetry != nil {
			t.deps.telemetry.RecordTrialFinished()
		}
		logging.TrialFinished(context.Background(), t.deps.publisher, t.room.ID(), t.id, 0)
	}
	t.room.clearTrial(t)
}

// teardown cancels the trial without any broadcast, used when the room is
// retired with no participants left.
func (t *Trial) teardown() {
	t.mu.Lock()
	if t.state == TrialFinished {
		t.mu.Unlock()
		return
	}
	t.state = TrialFinished
	t.readyTimer.Cancel()
	t.ticker.Cancel()
	t.mu.Unlock()

	logging.TrialAborted(context.Background(), t.deps.publisher, t.room.ID(), t.id, logging.TrialAbortedPayload{
		Reason: "room retired",
	})
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

var _ Stepper = (*sidecar.Client)(nil)
