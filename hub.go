package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tandem/server/internal/proto"
	"tandem/server/logging"
)

// Conn is the write side of a participant connection. *websocket.Conn
// satisfies it; tests install in-memory fakes.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

type subscriber struct {
	mu   sync.Mutex
	conn Conn
}

type participantState struct {
	name     string
	lastSeen time.Time
}

// Hub owns every connected participant and routes their events into rooms.
// It is safe for concurrent use.
type Hub struct {
	mu sync.Mutex

	cfg       Config
	directory *RoomDirectory

	subscribers  map[string]*subscriber
	participants map[string]*participantState

	broadcaster *Broadcaster
	telemetry   *telemetryCounters
	publisher   logging.Publisher
}

// NewHub wires a hub around the given simulation stepper.
func NewHub(cfg Config, stepper Stepper) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:          cfg,
		subscribers:  make(map[string]*subscriber),
		participants: make(map[string]*participantState),
		telemetry:    newTelemetryCounters(),
		publisher:    cfg.Publisher,
	}
	h.broadcaster = newBroadcaster(h, cfg.Logger, h.telemetry)
	h.directory = newRoomDirectory(cfg, roomDeps{
		broadcast: h.broadcaster,
		stepper:   stepper,
		logger:    cfg.Logger,
		publisher: cfg.Publisher,
		telemetry: h.telemetry,
	})
	return h
}

// Register admits a new connection, assigns it a participant identifier,
// and announces that identifier on the wire.
func (h *Hub) Register(conn Conn) (string, error) {
	id := uuid.NewString()

	h.mu.Lock()
	h.subscribers[id] = &subscriber{conn: conn}
	h.participants[id] = &participantState{lastSeen: time.Now()}
	h.mu.Unlock()

	logging.ParticipantConnected(context.Background(), h.publisher, id)
	if err := h.Send(id, proto.NewAssignID(id)); err != nil {
		h.Unregister(id, "handshake_failed")
		return "", err
	}
	return id, nil
}

// Unregister drops a participant: the connection is closed, their room is
// notified, and an empty room is retired. Safe to call more than once.
func (h *Hub) Unregister(id, reason string) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subscribers, id)
	delete(h.participants, id)
	h.mu.Unlock()

	sub.mu.Lock()
	_ = sub.conn.Close()
	sub.mu.Unlock()

	roomID := ""
	if room, ok := h.directory.RoomFor(id); ok {
		roomID = room.ID()
	}
	h.directory.RemoveParticipant(id)
	logging.ParticipantDisconnected(context.Background(), h.publisher, id, roomID, reason)
}

// Touch refreshes a participant's liveness timestamp.
func (h *Hub) Touch(id string) {
	h.mu.Lock()
	if p, ok := h.participants[id]; ok {
		p.lastSeen = time.Now()
	}
	h.mu.Unlock()
}

// Send serializes one event for one participant.
func (h *Hub) Send(id string, ev proto.ServerEvent) error {
	data, err := proto.EncodeServerEvent(ev)
	if err != nil {
		return err
	}
	return h.sendRaw(id, data)
}

// sendRaw writes pre-serialized bytes to one participant. A write failure
// tears the connection down asynchronously to keep lock ordering simple.
func (h *Hub) sendRaw(id string, data []byte) error {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	h.mu.Unlock()
	if !ok {
		return errParticipantGone
	}

	sub.mu.Lock()
	_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := sub.conn.WriteMessage(websocket.TextMessage, data)
	sub.mu.Unlock()

	if err != nil {
		h.telemetry.RecordSendFailure()
		go h.Unregister(id, "write_failure")
		return err
	}
	return nil
}

// HandleEvent routes one decoded client event.
func (h *Hub) HandleEvent(id string, ev proto.ClientEvent) {
	h.Touch(id)
	switch ev := ev.(type) {
	case proto.JoinLobby:
		h.JoinLobby(id, ev.PlayerName)
	case proto.JoinRoom:
		h.JoinRoom(id, ev.RoomID, ev.PlayerName)
	case proto.TrialReady:
		h.TrialReady(id, ev.TrialID, ev.Duration)
	case proto.PlayerAction:
		h.PlayerAction(id, ev.AgentID, ev.Action)
	case proto.Move:
		h.Move(id, ev.Direction)
	default:
		h.cfg.Logger.Printf("unhandled event %s from %s", ev.ClientEventType(), id)
	}
}

// JoinLobby assigns the participant to the oldest open room, creating one
// when every room is full or mid-trial.
func (h *Hub) JoinLobby(id, name string) {
	h.rememberName(id, name)
	room, agentID, err := h.directory.AssignToOpenRoom(id, name)
	if err != nil {
		_ = h.Send(id, proto.NewError(err.Error()))
		return
	}
	_ = h.Send(id, proto.NewAssignRoom(room.ID()))
	_ = h.Send(id, proto.NewAssignAgent(agentID))
}

// JoinRoom joins a specific room by identifier, creating it on first use.
func (h *Hub) JoinRoom(id, roomID, name string) {
	if roomID == "" {
		_ = h.Send(id, proto.NewError("roomId is required"))
		return
	}
	h.rememberName(id, name)
	room, agentID, err := h.directory.JoinRoom(id, roomID, name)
	if err != nil {
		_ = h.Send(id, proto.NewError(err.Error()))
		return
	}
	_ = h.Send(id, proto.NewAssignRoom(room.ID()))
	_ = h.Send(id, proto.NewAssignAgent(agentID))
}

// TrialReady forwards a readiness signal to the participant's room.
func (h *Hub) TrialReady(id, trialID string, duration int64) {
	room, ok := h.directory.RoomFor(id)
	if !ok {
		_ = h.Send(id, proto.NewError("join a room before signalling ready"))
		return
	}
	_ = trialID // the room owns trial identity; a stale id is harmless
	room.TrialReady(id, duration)
}

// PlayerAction buffers a discrete action for the participant's agent slot.
func (h *Hub) PlayerAction(id, agentID string, action int) {
	room, ok := h.directory.RoomFor(id)
	if !ok {
		return
	}
	slot, ok := ParseAgentSlot(agentID)
	if !ok {
		_ = h.Send(id, proto.NewError("unknown agent id"))
		return
	}
	trial := room.CurrentTrial()
	if trial == nil {
		return
	}
	trial.SubmitAction(slot, action)
}

// Move applies a legacy gridworld move while the room idles in the lobby.
func (h *Hub) Move(id, direction string) {
	room, ok := h.directory.RoomFor(id)
	if !ok {
		return
	}
	room.HandleMove(id, direction)
}

// DiagnosticsSnapshot reports hub-level liveness counts plus the telemetry
// counters, rendered by the /diagnostics endpoint.
func (h *Hub) DiagnosticsSnapshot() map[string]any {
	h.mu.Lock()
	connected := len(h.subscribers)
	h.mu.Unlock()
	rooms, participants := h.directory.Counts()

	return map[string]any{
		"connected":    connected,
		"rooms":        rooms,
		"participants": participants,
		"trials":       h.directory.ActiveTrials(),
		"telemetry":    h.telemetry.Snapshot(),
	}
}

// TelemetryJSON renders the raw telemetry counters.
func (h *Hub) TelemetryJSON() ([]byte, error) {
	return json.Marshal(h.telemetry.Snapshot())
}

func (h *Hub) rememberName(id, name string) {
	if name == "" {
		return
	}
	h.mu.Lock()
	if p, ok := h.participants[id]; ok {
		p.name = name
	}
	h.mu.Unlock()
}

type hubError string

func (e hubError) Error() string { return string(e) }

const errParticipantGone = hubError("participant not connected")
