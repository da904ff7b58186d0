package server

import (
	"log"

	"tandem/server/internal/proto"
)

// wireSender delivers a pre-serialized payload to one participant.
// The Hub implements it; tests substitute fakes.
type wireSender interface {
	sendRaw(participantID string, data []byte) error
}

// Broadcaster serializes an event once and delivers the identical bytes to
// every member of a room. Delivery is best-effort: a dead connection is
// logged and skipped, never surfaced to the caller.
type Broadcaster struct {
	sender    wireSender
	logger    *log.Logger
	telemetry *telemetryCounters
}

func newBroadcaster(sender wireSender, logger *log.Logger, telemetry *telemetryCounters) *Broadcaster {
	if logger == nil {
		logger = log.Default()
	}
	return &Broadcaster{sender: sender, logger: logger, telemetry: telemetry}
}

// Broadcast fans out one event to the given room members.
func (b *Broadcaster) Broadcast(roomID string, memberIDs []string, ev proto.ServerEvent) {
	if len(memberIDs) == 0 {
		return
	}

	data, err := proto.EncodeServerEvent(ev)
	if err != nil {
		b.logger.Printf("failed to marshal %s for room %s: %v", ev.ServerEventType(), roomID, err)
		return
	}

	for _, id := range memberIDs {
		if err := b.sender.sendRaw(id, data); err != nil {
			b.logger.Printf("failed to send %s to %s in room %s: %v", ev.ServerEventType(), id, roomID, err)
		}
	}

	if b.telemetry != nil {
		b.telemetry.RecordBroadcast(len(data), len(memberIDs))
	}
}
