package proto

// State is the tagged payload inside STATE_UPDATE. The Phase field of each
// concrete type is the discriminator the view layer switches on.
type State interface {
	StatePhase() string
}

// LobbyPlayer is one roster entry, including the legacy grid position used
// by the gridworld view while a room waits in the lobby.
type LobbyPlayer struct {
	ID        string       `json:"id"`
	Name      string       `json:"name,omitempty"`
	Position  GridPosition `json:"position"`
	Connected bool         `json:"connected"`
}

// GridPosition is a cell on the legacy 10x10 grid.
type GridPosition struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// LobbyState reflects the roster of a room before a trial runs.
type LobbyState struct {
	Phase           string                 `json:"phase"`
	RoomID          string                 `json:"roomId"`
	Players         map[string]LobbyPlayer `json:"players"`
	PlayerCount     int                    `json:"playerCount"`
	MaxParticipants int                    `json:"maxParticipants,omitempty"`
}

// AgentState is one agent's public state during a running trial.
type AgentState struct {
	Pos     [2]float64 `json:"pos"`
	Vel     [2]float64 `json:"vel,omitempty"`
	Reward  *float64   `json:"reward,omitempty"`
	IsHuman bool       `json:"isHuman"`
	Name    string     `json:"name,omitempty"`
}

// Landmark is one landmark's public state during a running trial.
type Landmark struct {
	Pos    [2]float64 `json:"pos"`
	Radius float64    `json:"radius,omitempty"`
}

// RunningState is the shared simulation state while a trial is running.
type RunningState struct {
	Phase     string                `json:"phase"`
	Agents    map[string]AgentState `json:"agents"`
	Landmarks []Landmark            `json:"landmarks"`
	Step      int                   `json:"step"`
	EpisodeID string                `json:"episodeId"`
}

// FinishedState closes out the state stream for a completed episode.
type FinishedState struct {
	Phase     string `json:"phase"`
	EpisodeID string `json:"episodeId"`
}

func (LobbyState) StatePhase() string    { return PhaseLobby }
func (RunningState) StatePhase() string  { return PhaseRunning }
func (FinishedState) StatePhase() string { return PhaseFinished }

// NewLobbyState builds a lobby snapshot with the phase tag set.
func NewLobbyState(roomID string, players map[string]LobbyPlayer, maxParticipants int) LobbyState {
	return LobbyState{
		Phase:           PhaseLobby,
		RoomID:          roomID,
		Players:         players,
		PlayerCount:     len(players),
		MaxParticipants: maxParticipants,
	}
}

// NewRunningState builds a running snapshot with the phase tag set.
func NewRunningState(agents map[string]AgentState, landmarks []Landmark, step int, episodeID string) RunningState {
	return RunningState{
		Phase:     PhaseRunning,
		Agents:    agents,
		Landmarks: landmarks,
		Step:      step,
		EpisodeID: episodeID,
	}
}

// NewFinishedState builds a finished snapshot with the phase tag set.
func NewFinishedState(episodeID string) FinishedState {
	return FinishedState{Phase: PhaseFinished, EpisodeID: episodeID}
}
