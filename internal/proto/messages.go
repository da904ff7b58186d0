// Package proto defines the websocket wire protocol between participants
// and the orchestrator: one JSON object per message, discriminated by the
// "type" field, with one struct per event kind.
package proto

import (
	"encoding/json"
	"fmt"

	"tandem/server/internal/sidecar"
)

// Client event type identifiers.
const (
	TypeJoinLobby    = "JOIN_LOBBY"
	TypeJoinRoom     = "JOIN_ROOM"
	TypeTrialReady   = "TRIAL_READY"
	TypePlayerAction = "PLAYER_ACTION"
	TypeMove         = "MOVE"
)

// Server event type identifiers.
const (
	TypeAssignID    = "ASSIGN_ID"
	TypeAssignRoom  = "ASSIGN_ROOM"
	TypeAssignAgent = "ASSIGN_AGENT"
	TypeTrialStart  = "TRIAL_START"
	TypeStateUpdate = "STATE_UPDATE"
	TypeTrialEnd    = "TRIAL_END"
	TypeError       = "ERROR"
)

// State phase discriminators carried inside STATE_UPDATE payloads.
const (
	PhaseLobby    = "lobby"
	PhaseRunning  = "running"
	PhaseFinished = "finished"
)

// ClientEvent is a decoded participant-to-server message.
type ClientEvent interface {
	ClientEventType() string
}

// JoinLobby asks the server to assign the participant to an open room.
type JoinLobby struct {
	PlayerName string `json:"playerName,omitempty"`
}

// JoinRoom asks to join a specific room by identifier.
type JoinRoom struct {
	RoomID     string `json:"roomId"`
	PlayerName string `json:"playerName,omitempty"`
}

// TrialReady signals readiness for a trial with a requested duration in
// milliseconds.
type TrialReady struct {
	TrialID  string `json:"trialId"`
	Duration int64  `json:"duration"`
}

// PlayerAction carries a discrete action for an agent slot.
type PlayerAction struct {
	AgentID string `json:"agentId"`
	Action  int    `json:"action"`
}

// Move is the legacy grid variant: a single directional step.
type Move struct {
	Direction string `json:"direction"`
}

func (JoinLobby) ClientEventType() string    { return TypeJoinLobby }
func (JoinRoom) ClientEventType() string     { return TypeJoinRoom }
func (TrialReady) ClientEventType() string   { return TypeTrialReady }
func (PlayerAction) ClientEventType() string { return TypePlayerAction }
func (Move) ClientEventType() string         { return TypeMove }

// DecodeClientEvent converts a raw websocket payload into a typed event.
// Unrecognized or malformed payloads return an error; callers log and drop
// them without closing the connection.
func DecodeClientEvent(payload []byte) (ClientEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}

	switch envelope.Type {
	case TypeJoinLobby:
		var ev JoinLobby
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		return ev, nil
	case TypeJoinRoom:
		var ev JoinRoom
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		return ev, nil
	case TypeTrialReady:
		var ev TrialReady
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		return ev, nil
	case TypePlayerAction:
		var ev PlayerAction
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		return ev, nil
	case TypeMove:
		var ev Move
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", envelope.Type)
	}
}

// ServerEvent is an outbound message. Construct values through the New*
// helpers so the Type discriminator is always populated.
type ServerEvent interface {
	ServerEventType() string
}

// AssignID is the first message on every new connection.
type AssignID struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// AssignRoom announces the room a participant was placed in.
type AssignRoom struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// AssignAgent announces the agent slot controlled by a participant. An
// empty AgentID means no slot was available.
type AssignAgent struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

// TrialStart announces the transition to the running phase along with the
// timing data clients need for local syncing.
type TrialStart struct {
	Type           string       `json:"type"`
	TrialID        string       `json:"trialId"`
	StartTimestamp int64        `json:"startTimestamp"`
	Duration       int64        `json:"duration"`
	Spec           sidecar.Spec `json:"spec"`
}

// StateUpdate carries one snapshot of the shared state stream.
type StateUpdate struct {
	Type       string `json:"type"`
	State      State  `json:"state"`
	Tick       int    `json:"tick"`
	ServerTime int64  `json:"serverTime"`
}

// TrialEnd announces that a trial reached its terminal state.
type TrialEnd struct {
	Type    string `json:"type"`
	TrialID string `json:"trialId"`
}

// ErrorEvent is a best-effort notice that something went wrong for the
// receiving room; it never implies the connection will close.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (AssignID) ServerEventType() string    { return TypeAssignID }
func (AssignRoom) ServerEventType() string  { return TypeAssignRoom }
func (AssignAgent) ServerEventType() string { return TypeAssignAgent }
func (TrialStart) ServerEventType() string  { return TypeTrialStart }
func (StateUpdate) ServerEventType() string { return TypeStateUpdate }
func (TrialEnd) ServerEventType() string    { return TypeTrialEnd }
func (ErrorEvent) ServerEventType() string  { return TypeError }

// NewAssignID builds an identity-assignment notice.
func NewAssignID(id string) AssignID {
	return AssignID{Type: TypeAssignID, ID: id}
}

// NewAssignRoom builds a room-assignment notice.
func NewAssignRoom(roomID string) AssignRoom {
	return AssignRoom{Type: TypeAssignRoom, RoomID: roomID}
}

// NewAssignAgent builds an agent-slot notice.
func NewAssignAgent(agentID string) AssignAgent {
	return AssignAgent{Type: TypeAssignAgent, AgentID: agentID}
}

// NewTrialStart builds a trial-start notice.
func NewTrialStart(trialID string, startTimestamp, duration int64, spec sidecar.Spec) TrialStart {
	return TrialStart{
		Type:           TypeTrialStart,
		TrialID:        trialID,
		StartTimestamp: startTimestamp,
		Duration:       duration,
		Spec:           spec,
	}
}

// NewStateUpdate builds a state snapshot message.
func NewStateUpdate(state State, tick int, serverTime int64) StateUpdate {
	return StateUpdate{Type: TypeStateUpdate, State: state, Tick: tick, ServerTime: serverTime}
}

// NewTrialEnd builds a trial-end notice.
func NewTrialEnd(trialID string) TrialEnd {
	return TrialEnd{Type: TypeTrialEnd, TrialID: trialID}
}

// NewError builds an error notice.
func NewError(message string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Message: message}
}

// EncodeServerEvent renders an outbound event. Events built through the
// New* helpers always carry their discriminator.
func EncodeServerEvent(ev ServerEvent) ([]byte, error) {
	return json.Marshal(ev)
}
