package server

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

type telemetryCounters struct {
	broadcastsTotal    atomic.Uint64
	bytesSent          atomic.Uint64
	sendFailures       atomic.Uint64
	stepsTotal         atomic.Uint64
	stepFailures       atomic.Uint64
	trialsStarted      atomic.Uint64
	trialsFinished     atomic.Uint64
	lastStepMillis     atomic.Int64
	lastBroadcastBytes atomic.Uint64
	debug              bool
}

type telemetrySnapshot struct {
	BroadcastsTotal uint64 `json:"broadcastsTotal"`
	BytesSent       uint64 `json:"bytesSent"`
	SendFailures    uint64 `json:"sendFailures"`
	StepsTotal      uint64 `json:"stepsTotal"`
	StepFailures    uint64 `json:"stepFailures"`
	TrialsStarted   uint64 `json:"trialsStarted"`
	TrialsFinished  uint64 `json:"trialsFinished"`
	LastStepMillis  int64  `json:"lastStepMillis"`
}

func newTelemetryCounters() *telemetryCounters {
	t := &telemetryCounters{}
	if os.Getenv("DEBUG_TELEMETRY") == "1" {
		t.debug = true
	}
	return t
}

// RecordBroadcast accounts one fanout: payload size and recipient count.
func (t *telemetryCounters) RecordBroadcast(bytes, recipients int) {
	if bytes < 0 {
		bytes = 0
	}
	if recipients < 0 {
		recipients = 0
	}
	t.broadcastsTotal.Add(1)
	t.bytesSent.Add(uint64(bytes) * uint64(recipients))
	t.lastBroadcastBytes.Store(uint64(bytes))
}

func (t *telemetryCounters) RecordSendFailure() {
	t.sendFailures.Add(1)
}

// RecordStep accounts one sidecar stepping call.
func (t *telemetryCounters) RecordStep(duration time.Duration, ok bool) {
	t.stepsTotal.Add(1)
	if !ok {
		t.stepFailures.Add(1)
	}
	millis := duration.Milliseconds()
	if millis < 0 {
		millis = 0
	}
	t.lastStepMillis.Store(millis)
	if t.debug {
		fmt.Printf(
			"[telemetry] step=%dms ok=%t totalSteps=%d failures=%d lastBroadcastBytes=%d\n",
			millis,
			ok,
			t.stepsTotal.Load(),
			t.stepFailures.Load(),
			t.lastBroadcastBytes.Load(),
		)
	}
}

func (t *telemetryCounters) RecordTrialStarted() {
	t.trialsStarted.Add(1)
}

func (t *telemetryCounters) RecordTrialFinished() {
	t.trialsFinished.Add(1)
}

func (t *telemetryCounters) Snapshot() telemetrySnapshot {
	return telemetrySnapshot{
		BroadcastsTotal: t.broadcastsTotal.Load(),
		BytesSent:       t.bytesSent.Load(),
		SendFailures:    t.sendFailures.Load(),
		StepsTotal:      t.stepsTotal.Load(),
		StepFailures:    t.stepFailures.Load(),
		TrialsStarted:   t.trialsStarted.Load(),
		TrialsFinished:  t.trialsFinished.Load(),
		LastStepMillis:  t.lastStepMillis.Load(),
	}
}
