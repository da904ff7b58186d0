package server

import "tandem/server/internal/proto"

// gridState is the legacy gridworld shown while a room idles in the lobby.
// Participants step around a small grid with the MOVE event; positions are
// validated against bounds and occupancy. Not safe for concurrent use; the
// owning room's mutex guards it.
type gridState struct {
	positions map[string]proto.GridPosition
}

func newGridState() *gridState {
	return &gridState{positions: make(map[string]proto.GridPosition)}
}

// place puts a participant on the first unoccupied cell, scanning columns
// then rows. Falls back to the origin when the grid is full.
func (g *gridState) place(participantID string) proto.GridPosition {
	for x := 0; x < gridWidth; x++ {
		for y := 0; y < gridHeight; y++ {
			pos := proto.GridPosition{X: x, Y: y}
			if !g.occupied(pos, "") {
				g.positions[participantID] = pos
				return pos
			}
		}
	}
	pos := proto.GridPosition{}
	g.positions[participantID] = pos
	return pos
}

func (g *gridState) remove(participantID string) {
	delete(g.positions, participantID)
}

// move applies a directional step if the target cell is in bounds and
// unoccupied. Returns false for unknown participants, unknown directions,
// and invalid targets; the caller drops the update.
func (g *gridState) move(participantID, direction string) bool {
	pos, ok := g.positions[participantID]
	if !ok {
		return false
	}

	next := pos
	switch direction {
	case "up":
		next.Y--
	case "down":
		next.Y++
	case "left":
		next.X--
	case "right":
		next.X++
	default:
		return false
	}

	if next.X < 0 || next.Y < 0 || next.X >= gridWidth || next.Y >= gridHeight {
		return false
	}
	if g.occupied(next, participantID) {
		return false
	}

	g.positions[participantID] = next
	return true
}

func (g *gridState) occupied(pos proto.GridPosition, ignoreID string) bool {
	for id, existing := range g.positions {
		if id == ignoreID {
			continue
		}
		if existing == pos {
			return true
		}
	}
	return false
}

func (g *gridState) position(participantID string) (proto.GridPosition, bool) {
	pos, ok := g.positions[participantID]
	return pos, ok
}
