package server

import (
	"github.com/teranos/codeload/loader"
	"github.com/teranos/codeload/pulse/async"
	"github.com/teranos/codeload/pulse/budget"
)

// ServerState represents the server lifecycle state
type ServerState int

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

const (
	// maxRequestBody bounds JSON request bodies
	maxRequestBody = 64 * 1024

	// Default and max limits for listing queries
	defaultListLimit = 50
	maxListLimit     = 200
)

// JobUpdateMessage is pushed over a job stream on every transition or progress tick
type JobUpdateMessage struct {
	Type string          `json:"type"` // "job_update"
	Job  *loader.JobView `json:"job"`
	Done bool            `json:"done"` // true once the job is completed or failed
}

// HealthResponse is returned by /healthz
type HealthResponse struct {
	Status      string               `json:"status"`
	Version     string               `json:"version"`
	ServerState string               `json:"server_state"`
	Workers     int                  `json:"workers"`
	Queue       *async.QueueStats    `json:"queue,omitempty"`
	Budget      *budget.Status       `json:"budget,omitempty"`
	System      *async.SystemMetrics `json:"system,omitempty"`
}

// SetActiveResponse is returned after activating or deactivating a source
type SetActiveResponse struct {
	ID       int64 `json:"id"`
	IsActive bool  `json:"is_active"`
}
