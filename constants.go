package server

import "time"

const (
	writeWait = 10 * time.Second

	// noopAction is substituted for any agent slot with no buffered action.
	noopAction = 0

	// Legacy gridworld dimensions used while a room idles in the lobby.
	gridWidth  = 10
	gridHeight = 10
)

const (
	defaultRoomCapacity    = 2
	defaultNumAgents       = 3
	defaultNumLandmarks    = 3
	defaultEpisodeHorizon  = 3000
	defaultSeed            = 123
	defaultTask            = "simple_spread"
	defaultTickInterval    = 100 * time.Millisecond
	defaultReadyTimeout    = 10 * time.Second
	defaultTrialDuration   = 30 * time.Second
	defaultMaxStepFailures = 5
)
