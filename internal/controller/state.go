package controller

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/permview/permview/internal/usage"
)

// State is the persisted slice of view parameters. It must
// round-trip exactly through the state file.
type State struct {
	ShowSystem          bool           `json:"show_system"`
	Group               string         `json:"group"`
	TimeIndex           int            `json:"time_index"`
	Sort                usage.SortMode `json:"sort"`
	FinishedInitialLoad bool           `json:"finished_initial_load"`
}

// LoadState reads a persisted state file. ok is false when the file
// does not exist.
func LoadState(path string) (State, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("reading state file: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, false, fmt.Errorf("parsing state file: %w", err)
	}
	return s, true, nil
}

// SaveState writes the state file, creating its directory if needed.
func SaveState(path string, s State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}
