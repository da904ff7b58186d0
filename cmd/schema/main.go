// Command schema emits a JSON Schema for the websocket wire protocol so
// web clients can validate messages without hand-maintaining types.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"tandem/server/internal/proto"
)

// wireProtocol groups every message shape that crosses the websocket, in
// both directions, for a single reflected document.
type wireProtocol struct {
	JoinLobby    proto.JoinLobby    `json:"joinLobby"`
	JoinRoom     proto.JoinRoom     `json:"joinRoom"`
	TrialReady   proto.TrialReady   `json:"trialReady"`
	PlayerAction proto.PlayerAction `json:"playerAction"`
	Move         proto.Move         `json:"move"`

	AssignID    proto.AssignID    `json:"assignId"`
	AssignRoom  proto.AssignRoom  `json:"assignRoom"`
	AssignAgent proto.AssignAgent `json:"assignAgent"`
	TrialStart  proto.TrialStart  `json:"trialStart"`
	StateUpdate proto.StateUpdate `json:"stateUpdate"`
	TrialEnd    proto.TrialEnd    `json:"trialEnd"`
	Error       proto.ErrorEvent  `json:"error"`

	LobbyState    proto.LobbyState    `json:"lobbyState"`
	RunningState  proto.RunningState  `json:"runningState"`
	FinishedState proto.FinishedState `json:"finishedState"`
}

func main() {
	var outPath string
	flag.StringVar(&outPath, "out", "", "path to write the JSON schema")
	flag.Parse()

	if outPath == "" {
		fmt.Fprintln(os.Stderr, "--out is required")
		os.Exit(1)
	}

	schema := buildSchema()

	if err := writeSchema(outPath, schema); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write schema: %v\n", err)
		os.Exit(1)
	}
}

func buildSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(new(wireProtocol))
	schema.Title = "Tandem Wire Protocol"
	schema.Description = "Message shapes exchanged over the /ws endpoint"
	return schema
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}

	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}

	return nil
}
