package domain

import (
	"context"
	"time"
)

// AgentState represents the current state of a registered agent.
type AgentState string

const (
	AgentIdle    AgentState = "idle"
	AgentBusy    AgentState = "busy"
	AgentError   AgentState = "error"
	AgentStopped AgentState = "stopped"
)

// AgentDescriptor is the identity and capability record an agent declares at
// registration. Type drives routing; Capabilities feed the capability index.
type AgentDescriptor struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Type         string   `json:"type" yaml:"type"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// Agent is a handle to an externally owned worker. The orchestrator never
// constructs or destroys agents; it only tracks them and asks them about
// their health. Task execution is reached through the message bus, addressed
// by the agent's ID.
type Agent interface {
	Descriptor() AgentDescriptor
	State() AgentState
	HealthCheck(ctx context.Context) (HealthReport, error)
}

// HealthReport is the load-relevant snapshot an agent's health-check entry
// point returns. Reports are short-lived: consumers must treat entries older
// than the configured TTL as unknown.
type HealthReport struct {
	AgentID   string     `json:"agent_id"`
	State     AgentState `json:"state"`
	Load      int        `json:"load"`
	QueueSize int        `json:"queue_size"`
	Timestamp time.Time  `json:"timestamp"`
}
