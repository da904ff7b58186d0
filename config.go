package server

import (
	"log"
	"time"

	"tandem/server/logging"
)

// Config carries the orchestrator's tunables. Zero values fall back to the
// defaults in constants.go, so tests can set only what they care about.
type Config struct {
	// RoomCapacity is the number of participants a room accepts.
	RoomCapacity int

	// Simulation session parameters forwarded to the sidecar.
	Task           string
	Seed           int
	NumAgents      int
	NumLandmarks   int
	EpisodeHorizon int

	// TickInterval is the fixed stepping interval of a running trial.
	TickInterval time.Duration

	// ReadyTimeout bounds the readiness barrier; when it elapses the trial
	// starts with whoever is ready.
	ReadyTimeout time.Duration

	// TrialDuration is the default requested duration; the longest
	// TRIAL_READY request wins.
	TrialDuration time.Duration

	// MaxStepFailures aborts a trial after this many consecutive failed
	// stepping calls.
	MaxStepFailures int

	Logger    *log.Logger
	Publisher logging.Publisher
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RoomCapacity:    defaultRoomCapacity,
		Task:            defaultTask,
		Seed:            defaultSeed,
		NumAgents:       defaultNumAgents,
		NumLandmarks:    defaultNumLandmarks,
		EpisodeHorizon:  defaultEpisodeHorizon,
		TickInterval:    defaultTickInterval,
		ReadyTimeout:    defaultReadyTimeout,
		TrialDuration:   defaultTrialDuration,
		MaxStepFailures: defaultMaxStepFailures,
	}
}

func (c Config) withDefaults() Config {
	if c.RoomCapacity <= 0 {
		c.RoomCapacity = defaultRoomCapacity
	}
	if c.Task == "" {
		c.Task = defaultTask
	}
	if c.Seed == 0 {
		c.Seed = defaultSeed
	}
	if c.NumAgents <= 0 {
		c.NumAgents = defaultNumAgents
	}
	if c.NumLandmarks <= 0 {
		c.NumLandmarks = defaultNumLandmarks
	}
	if c.EpisodeHorizon <= 0 {
		c.EpisodeHorizon = defaultEpisodeHorizon
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = defaultReadyTimeout
	}
	if c.TrialDuration <= 0 {
		c.TrialDuration = defaultTrialDuration
	}
	if c.MaxStepFailures <= 0 {
		c.MaxStepFailures = defaultMaxStepFailures
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.Publisher == nil {
		c.Publisher = logging.NopPublisher()
	}
	return c
}
