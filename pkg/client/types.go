package client

import (
	"encoding/json"
	"time"
)

// Process is one registry entry as reported by info.
type Process struct {
	PID       int            `json:"pid"`
	Cmd       string         `json:"cmd"`
	Args      []string       `json:"args"`
	Kwargs    map[string]any `json:"kwargs"`
	SpawnedAt time.Time      `json:"spawned_at"`
	Host      string         `json:"host"`
	// WaitedSec is only set for waiting entries.
	WaitedSec *float64 `json:"waited_sec,omitempty"`
}

// Info is the response of the info command.
type Info struct {
	Running []Process `json:"running"`
	Waiting []Process `json:"waiting"`
}

// RunTaskRequest asks the daemon to spawn a task.
type RunTaskRequest struct {
	Cmd    string         `json:"cmd"`
	Args   []string       `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

type pidRequest struct {
	PID int `json:"pid"`
}

type envelope struct {
	Success  int             `json:"success"`
	Response json.RawMessage `json:"response,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
