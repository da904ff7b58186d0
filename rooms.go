package server

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"tandem/server/internal/proto"
	"tandem/server/logging"
)

// RoomPhase tracks where a room sits in the session lifecycle.
type RoomPhase string

const (
	RoomPhaseLobby    RoomPhase = "lobby"
	RoomPhaseRunning  RoomPhase = "running"
	RoomPhaseFinished RoomPhase = "finished"
)

// roomDeps bundles the collaborators a room and its trials need. The
// directory owns one copy and hands it to every room it creates.
type roomDeps struct {
	broadcast *Broadcaster
	stepper   Stepper
	logger    *log.Logger
	publisher logging.Publisher
	telemetry *telemetryCounters
}

type memberState struct {
	name      string
	slot      int
	connected bool
}

// Room groups up to cfg.RoomCapacity participants and runs their trials.
//
// Lock ordering: room.mu is a leaf with respect to trials. Room methods
// never call into a trial while holding mu; a trial may hold its own lock
// and call back into the room.
type Room struct {
	mu sync.Mutex

	id      string
	cfg     Config
	deps    roomDeps
	phase   RoomPhase
	members map[string]*memberState
	grid    *gridState

	trial    *Trial
	trialSeq int
}

func newRoom(id string, cfg Config, deps roomDeps) *Room {
	return &Room{
		id:      id,
		cfg:     cfg,
		deps:    deps,
		phase:   RoomPhaseLobby,
		members: make(map[string]*memberState),
		grid:    newGridState(),
	}
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// AddMember admits a participant, assigning the lowest free agent slot and a
// grid position. Re-adding an existing member is a no-op reporting success.
// A full room rejects the join.
func (r *Room) AddMember(participantID, name string) (string, error) {
	r.mu.Lock()
	if existing, ok := r.members[participantID]; ok {
		agentID := AgentSlotID(existing.slot)
		r.mu.Unlock()
		return agentID, nil
	}
	if r.connectedCountLocked() >= r.cfg.RoomCapacity {
		r.mu.Unlock()
		return "", fmt.Errorf("room %s is full", r.id)
	}

	slot := r.lowestFreeSlotLocked()
	r.members[participantID] = &memberState{name: name, slot: slot, connected: true}
	r.grid.place(participantID)

	full := r.connectedCountLocked() >= r.cfg.RoomCapacity
	if full && r.trial == nil && r.phase == RoomPhaseLobby {
		r.ensureTrialLocked()
	}
	snapshot, members := r.lobbySnapshotLocked()
	r.mu.Unlock()

	r.deps.broadcast.Broadcast(r.id, members, proto.NewStateUpdate(snapshot, 0, nowMillis()))
	return AgentSlotID(slot), nil
}

// RemoveMember handles a participant leaving. During a running trial the
// member's slot is retained so the simulation keeps its agent count; the
// slot simply falls back to no-ops until the trial ends. Returns the trial
// to notify, if any, so callers can do that outside the room lock.
func (r *Room) RemoveMember(participantID string) (trial *Trial, slot int, running bool) {
	r.mu.Lock()
	member, ok := r.members[participantID]
	if !ok {
		r.mu.Unlock()
		return nil, 0, false
	}

	trial = r.trial
	slot = member.slot
	running = r.phase == RoomPhaseRunning
	if running {
		member.connected = false
	} else {
		delete(r.members, participantID)
		r.grid.remove(participantID)
	}
	snapshot, members := r.lobbySnapshotLocked()
	r.mu.Unlock()

	if !running && len(members) > 0 {
		r.deps.broadcast.Broadcast(r.id, members, proto.NewStateUpdate(snapshot, 0, nowMillis()))
	}
	return trial, slot, running
}

// TrialReady applies a readiness signal, creating the next trial on demand
// so a lone participant can arm the ready timeout before the room fills.
func (r *Room) TrialReady(participantID string, requested int64) {
	r.mu.Lock()
	if _, ok := r.members[participantID]; !ok {
		r.mu.Unlock()
		return
	}
	if r.phase != RoomPhaseLobby {
		r.mu.Unlock()
		return
	}
	if r.trial == nil {
		r.ensureTrialLocked()
	}
	trial := r.trial
	r.mu.Unlock()

	trial.SignalReady(participantID, requested)
}

// HandleMove applies a legacy gridworld move for a lobby participant and
// rebroadcasts the roster when the move was legal.
func (r *Room) HandleMove(participantID, direction string) {
	r.mu.Lock()
	if r.phase != RoomPhaseLobby {
		r.mu.Unlock()
		return
	}
	if _, ok := r.members[participantID]; !ok {
		r.mu.Unlock()
		return
	}
	moved := r.grid.move(participantID, direction)
	snapshot, members := r.lobbySnapshotLocked()
	r.mu.Unlock()

	if moved {
		r.deps.broadcast.Broadcast(r.id, members, proto.NewStateUpdate(snapshot, 0, nowMillis()))
	}
}

// CurrentTrial returns the active trial, or nil.
func (r *Room) CurrentTrial() *Trial {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trial
}

// MemberIDs lists the connected members. Trials use it as the readiness
// roster and broadcast recipient list.
func (r *Room) MemberIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.members))
	for id, m := range r.members {
		if m.connected {
			ids = append(ids, id)
		}
	}
	return ids
}

// slotOwner describes who holds an agent slot, used to label agents in
// state updates.
type slotOwner struct {
	participantID string
	name          string
	connected     bool
}

func (r *Room) slotOwners() map[int]slotOwner {
	r.mu.Lock()
	defer r.mu.Unlock()
	owners := make(map[int]slotOwner, len(r.members))
	for id, m := range r.members {
		owners[m.slot] = slotOwner{participantID: id, name: m.name, connected: m.connected}
	}
	return owners
}

func (r *Room) setPhase(phase RoomPhase) {
	r.mu.Lock()
	r.phase = phase
	r.mu.Unlock()
}

// clearTrial retires a finished or aborted trial, drops members that left
// while it ran, and returns the room to the lobby.
func (r *Room) clearTrial(t *Trial) {
	r.mu.Lock()
	if r.trial != t {
		r.mu.Unlock()
		return
	}
	r.trial = nil
	r.phase = RoomPhaseLobby
	for id, m := range r.members {
		if !m.connected {
			delete(r.members, id)
			r.grid.remove(id)
		}
	}
	snapshot, members := r.lobbySnapshotLocked()
	r.mu.Unlock()

	if len(members) > 0 {
		r.deps.broadcast.Broadcast(r.id, members, proto.NewStateUpdate(snapshot, 0, nowMillis()))
	}
}

func (r *Room) ensureTrialLocked() {
	r.trialSeq++
	id := fmt.Sprintf("%s-trial-%d", r.id, r.trialSeq)
	r.trial = newTrial(id, r, r.cfg, r.deps)
	logging.TrialCreated(context.Background(), r.deps.publisher, r.id, id)
}

func (r *Room) connectedCountLocked() int {
	count := 0
	for _, m := range r.members {
		if m.connected {
			count++
		}
	}
	return count
}

func (r *Room) lowestFreeSlotLocked() int {
	used := make(map[int]bool, len(r.members))
	for _, m := range r.members {
		used[m.slot] = true
	}
	for slot := 0; ; slot++ {
		if !used[slot] {
			return slot
		}
	}
}

func (r *Room) lobbySnapshotLocked() (proto.LobbyState, []string) {
	players := make(map[string]proto.LobbyPlayer, len(r.members))
	members := make([]string, 0, len(r.members))
	for id, m := range r.members {
		pos, _ := r.grid.position(id)
		players[id] = proto.LobbyPlayer{
			ID:        id,
			Name:      m.name,
			Position:  pos,
			Connected: m.connected,
		}
		if m.connected {
			members = append(members, id)
		}
	}
	return proto.NewLobbyState(r.id, players, r.cfg.RoomCapacity), members
}

// teardown stops the room's trial without broadcasting, used when the room
// is retired with nobody left to hear about it.
func (r *Room) teardown() {
	r.mu.Lock()
	trial := r.trial
	r.trial = nil
	r.mu.Unlock()

	if trial != nil {
		trial.teardown()
	}
}

// RoomDirectory owns every live room, matchmaking joins into the oldest
// open room and retiring rooms once their last participant leaves.
type RoomDirectory struct {
	mu sync.Mutex

	cfg  Config
	deps roomDeps

	rooms         map[string]*Room
	order         []string
	byParticipant map[string]string
}

func newRoomDirectory(cfg Config, deps roomDeps) *RoomDirectory {
	return &RoomDirectory{
		cfg:           cfg,
		deps:          deps,
		rooms:         make(map[string]*Room),
		byParticipant: make(map[string]string),
	}
}

// AssignToOpenRoom places a participant into the oldest lobby room with a
// free seat, creating a fresh room when none qualifies. A participant who
// already belongs to a room is handed back that room unchanged.
func (d *RoomDirectory) AssignToOpenRoom(participantID, name string) (*Room, string, error) {
	d.mu.Lock()
	if roomID, ok := d.byParticipant[participantID]; ok {
		room := d.rooms[roomID]
		d.mu.Unlock()
		agentID, err := room.AddMember(participantID, name)
		return room, agentID, err
	}

	var target *Room
	for _, id := range d.order {
		room := d.rooms[id]
		room.mu.Lock()
		open := room.phase == RoomPhaseLobby && room.connectedCountLocked() < d.cfg.RoomCapacity
		room.mu.Unlock()
		if open {
			target = room
			break
		}
	}
	if target == nil {
		target = d.createRoomLocked(newRoomID())
	}
	d.byParticipant[participantID] = target.id
	d.mu.Unlock()

	agentID, err := target.AddMember(participantID, name)
	if err != nil {
		d.detach(participantID)
		return nil, "", err
	}
	return target, agentID, nil
}

// JoinRoom places a participant into a specific room, creating it if it
// does not exist yet.
func (d *RoomDirectory) JoinRoom(participantID, roomID, name string) (*Room, string, error) {
	d.mu.Lock()
	if existingID, ok := d.byParticipant[participantID]; ok {
		if existingID != roomID {
			d.mu.Unlock()
			return nil, "", fmt.Errorf("participant %s already in room %s", participantID, existingID)
		}
	}
	room, ok := d.rooms[roomID]
	if !ok {
		room = d.createRoomLocked(roomID)
	}
	d.byParticipant[participantID] = roomID
	d.mu.Unlock()

	agentID, err := room.AddMember(participantID, name)
	if err != nil {
		d.detach(participantID)
		return nil, "", err
	}
	return room, agentID, nil
}

// RoomFor returns the room the participant currently belongs to.
func (d *RoomDirectory) RoomFor(participantID string) (*Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	roomID, ok := d.byParticipant[participantID]
	if !ok {
		return nil, false
	}
	room, ok := d.rooms[roomID]
	return room, ok
}

// RemoveParticipant detaches a participant from their room, notifies any
// running trial, and retires the room if nobody is left.
func (d *RoomDirectory) RemoveParticipant(participantID string) {
	d.mu.Lock()
	roomID, ok := d.byParticipant[participantID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.byParticipant, participantID)
	room := d.rooms[roomID]
	d.mu.Unlock()
	if room == nil {
		return
	}

	trial, slot, running := room.RemoveMember(participantID)
	if trial != nil {
		trial.ParticipantLeft(participantID, slot, running)
	}
	d.retireIfEmpty(room)
}

// Counts reports live room and participant totals for diagnostics.
func (d *RoomDirectory) Counts() (rooms, participants int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rooms), len(d.byParticipant)
}

// ActiveTrials counts rooms with a trial in flight.
func (d *RoomDirectory) ActiveTrials() int {
	d.mu.Lock()
	all := make([]*Room, 0, len(d.rooms))
	for _, room := range d.rooms {
		all = append(all, room)
	}
	d.mu.Unlock()

	active := 0
	for _, room := range all {
		if room.CurrentTrial() != nil {
			active++
		}
	}
	return active
}

func (d *RoomDirectory) detach(participantID string) {
	d.mu.Lock()
	delete(d.byParticipant, participantID)
	d.mu.Unlock()
}

func (d *RoomDirectory) retireIfEmpty(room *Room) {
	if len(room.MemberIDs()) > 0 {
		return
	}

	d.mu.Lock()
	if len(room.MemberIDs()) > 0 {
		d.mu.Unlock()
		return
	}
	delete(d.rooms, room.id)
	for i, id := range d.order {
		if id == room.id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	d.mu.Unlock()

	room.teardown()
	logging.RoomRetired(context.Background(), d.deps.publisher, room.id)
}

func (d *RoomDirectory) createRoomLocked(id string) *Room {
	room := newRoom(id, d.cfg, d.deps)
	d.rooms[id] = room
	d.order = append(d.order, id)
	logging.RoomCreated(context.Background(), d.deps.publisher, id)
	return room
}

func newRoomID() string {
	return "room-" + uuid.NewString()[:6]
}
