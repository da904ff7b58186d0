package logging

import "context"

// Session lifecycle event types.
const (
	// EventParticipantConnected is emitted when a connection is registered.
	EventParticipantConnected EventType = "session.participant_connected"
	// EventParticipantDisconnected is emitted when a participant leaves.
	EventParticipantDisconnected EventType = "session.participant_disconnected"
	// EventRoomCreated is emitted when the directory opens a new room.
	EventRoomCreated EventType = "session.room_created"
	// EventRoomRetired is emitted when the last member leaves a room.
	EventRoomRetired EventType = "session.room_retired"
)

// Trial lifecycle event types.
const (
	EventTrialCreated  EventType = "trial.created"
	EventTrialReady    EventType = "trial.participant_ready"
	EventTrialStarted  EventType = "trial.started"
	EventTrialFinished EventType = "trial.finished"
	EventTrialAborted  EventType = "trial.aborted"
)

// Sidecar interaction event types.
const (
	EventStepFailed     EventType = "sidecar.step_failed"
	EventSessionCreated EventType = "sidecar.session_created"
)

// TrialStartedPayload captures how a trial left the readiness barrier.
type TrialStartedPayload struct {
	Duration int64  `json:"durationMs"`
	Reason   string `json:"reason"` // "all_ready" or "timeout"
	Ready    int    `json:"ready"`
	Members  int    `json:"members"`
}

// TrialAbortedPayload records why a trial ended before its horizon.
type TrialAbortedPayload struct {
	Reason   string `json:"reason"`
	Failures int    `json:"failures,omitempty"`
}

// StepFailedPayload records one failed stepping call.
type StepFailedPayload struct {
	EnvID       string `json:"envId"`
	Error       string `json:"error"`
	Consecutive int    `json:"consecutive"`
}

// ParticipantConnected publishes a registration event.
func ParticipantConnected(ctx context.Context, pub Publisher, participantID string) {
	publish(ctx, pub, Event{
		Type:     EventParticipantConnected,
		Actor:    EntityRef{ID: participantID, Kind: EntityKindParticipant},
		Severity: SeverityInfo,
		Category: CategorySession,
	})
}

// ParticipantDisconnected publishes a disconnect event with its reason.
func ParticipantDisconnected(ctx context.Context, pub Publisher, participantID, roomID, reason string) {
	publish(ctx, pub, Event{
		Type:     EventParticipantDisconnected,
		Room:     roomID,
		Actor:    EntityRef{ID: participantID, Kind: EntityKindParticipant},
		Severity: SeverityInfo,
		Category: CategorySession,
		Payload:  map[string]string{"reason": reason},
	})
}

// RoomCreated publishes a room creation event.
func RoomCreated(ctx context.Context, pub Publisher, roomID string) {
	publish(ctx, pub, Event{
		Type:     EventRoomCreated,
		Room:     roomID,
		Actor:    EntityRef{ID: roomID, Kind: EntityKindRoom},
		Severity: SeverityInfo,
		Category: CategorySession,
	})
}

// RoomRetired publishes a room teardown event.
func RoomRetired(ctx context.Context, pub Publisher, roomID string) {
	publish(ctx, pub, Event{
		Type:     EventRoomRetired,
		Room:     roomID,
		Actor:    EntityRef{ID: roomID, Kind: EntityKindRoom},
		Severity: SeverityInfo,
		Category: CategorySession,
	})
}

// TrialCreated publishes the opening of a readiness barrier.
func TrialCreated(ctx context.Context, pub Publisher, roomID, trialID string) {
	publish(ctx, pub, Event{
		Type:     EventTrialCreated,
		Room:     roomID,
		Actor:    EntityRef{ID: trialID, Kind: EntityKindTrial},
		Severity: SeverityInfo,
		Category: CategoryTrial,
	})
}

// TrialReady publishes one participant's ready signal.
func TrialReady(ctx context.Context, pub Publisher, roomID, trialID, participantID string) {
	publish(ctx, pub, Event{
		Type:     EventTrialReady,
		Room:     roomID,
		Actor:    EntityRef{ID: participantID, Kind: EntityKindParticipant},
		Severity: SeverityInfo,
		Category: CategoryTrial,
		Payload:  map[string]string{"trialId": trialID},
	})
}

// TrialStarted publishes the WaitingForReady -> Running transition.
func TrialStarted(ctx context.Context, pub Publisher, roomID, trialID string, payload TrialStartedPayload) {
	publish(ctx, pub, Event{
		Type:     EventTrialStarted,
		Room:     roomID,
		Actor:    EntityRef{ID: trialID, Kind: EntityKindTrial},
		Severity: SeverityInfo,
		Category: CategoryTrial,
		Payload:  payload,
	})
}

// TrialFinished publishes the terminal transition of a trial.
func TrialFinished(ctx context.Context, pub Publisher, roomID, trialID string, step int) {
	publish(ctx, pub, Event{
		Type:     EventTrialFinished,
		Step:     step,
		Room:     roomID,
		Actor:    EntityRef{ID: trialID, Kind: EntityKindTrial},
		Severity: SeverityInfo,
		Category: CategoryTrial,
	})
}

// TrialAborted publishes an abnormal trial termination.
func TrialAborted(ctx context.Context, pub Publisher, roomID, trialID string, payload TrialAbortedPayload) {
	publish(ctx, pub, Event{
		Type:     EventTrialAborted,
		Room:     roomID,
		Actor:    EntityRef{ID: trialID, Kind: EntityKindTrial},
		Severity: SeverityWarn,
		Category: CategoryTrial,
		Payload:  payload,
	})
}

// StepFailed publishes one failed sidecar stepping call.
func StepFailed(ctx context.Context, pub Publisher, roomID string, step int, payload StepFailedPayload) {
	publish(ctx, pub, Event{
		Type:     EventStepFailed,
		Step:     step,
		Room:     roomID,
		Actor:    EntityRef{ID: payload.EnvID, Kind: EntityKindSidecar},
		Severity: SeverityWarn,
		Category: CategorySidecar,
		Payload:  payload,
	})
}

// SessionCreated publishes a new simulation session on the sidecar.
func SessionCreated(ctx context.Context, pub Publisher, roomID, envID string) {
	publish(ctx, pub, Event{
		Type:     EventSessionCreated,
		Room:     roomID,
		Actor:    EntityRef{ID: envID, Kind: EntityKindSidecar},
		Severity: SeverityInfo,
		Category: CategorySidecar,
		Payload:  map[string]any{"envId": envID},
	})
}

func publish(ctx context.Context, pub Publisher, event Event) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, event)
}
