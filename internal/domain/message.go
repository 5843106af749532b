package domain

import (
	"context"
	"time"
)

// MessageType identifies the kind of envelope on the bus.
type MessageType string

const (
	MessageRequest  MessageType = "request"
	MessageResponse MessageType = "response"
)

// Message is the addressed, correlated envelope exchanged over the bus.
// Every response's CorrelationID equals the CorrelationID of exactly one
// outstanding request.
type Message struct {
	ID            string         `json:"id"`
	Type          MessageType    `json:"type"`
	From          string         `json:"from"`
	To            string         `json:"to"` // empty = broadcast
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Priority      int            `json:"priority"`
	RequiresAck   bool           `json:"requires_ack"`
	Timeout       time.Duration  `json:"timeout,omitempty"`
}

// MessageHandler processes a delivered envelope. For requests with
// RequiresAck set, the returned message (if non-nil) is sent back to the
// requester with the request's correlation id.
type MessageHandler func(ctx context.Context, msg Message) (*Message, error)

// MessageBus delivers envelopes between named participants. The orchestrator
// depends only on this contract; any transport implementing it is compatible.
type MessageBus interface {
	// Request sends a request envelope and blocks until the correlated
	// response arrives, the envelope's timeout elapses, or ctx is done.
	Request(ctx context.Context, msg Message) (*Message, error)
	// Publish delivers an envelope without waiting for a response.
	// An empty To broadcasts to every participant.
	Publish(ctx context.Context, msg Message) error
	// Subscribe attaches a handler for envelopes addressed to participant.
	// Returns an unsubscribe function.
	Subscribe(participant string, handler MessageHandler) func()
}
