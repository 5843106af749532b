// Package bus provides the in-process message bus. It is the reference
// transport for single-process deployments and tests; anything speaking the
// domain.MessageBus contract can replace it.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"conductor/internal/domain"
)

// DefaultRequestTimeout bounds correlated round trips whose envelope does not
// carry its own timeout.
const DefaultRequestTimeout = 30 * time.Second

type handlerEntry struct {
	id      uint64
	handler domain.MessageHandler
}

type result struct {
	resp *domain.Message
	err  error
}

// InMemory is a goroutine-safe, in-process MessageBus. Envelopes addressed to
// a participant are handed to its subscribed handler; request envelopes wait
// for the correlated response or the envelope timeout.
type InMemory struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   atomic.Uint64
	timeout  time.Duration
	logger   *slog.Logger
	closed   atomic.Bool
	wg       sync.WaitGroup
}

// NewInMemory creates a bus. A non-positive timeout selects
// DefaultRequestTimeout.
func NewInMemory(timeout time.Duration, logger *slog.Logger) *InMemory {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &InMemory{
		handlers: make(map[string][]handlerEntry),
		timeout:  timeout,
		logger:   logger,
	}
}

// Subscribe attaches a handler for envelopes addressed to participant.
// Returns an unsubscribe function.
func (b *InMemory) Subscribe(participant string, handler domain.MessageHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.handlers[participant] = append(b.handlers[participant], handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[participant]
		for i, e := range entries {
			if e.id == id {
				b.handlers[participant] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		if len(b.handlers[participant]) == 0 {
			delete(b.handlers, participant)
		}
	}
}

// Request sends a request envelope to msg.To and blocks until the correlated
// response arrives, the envelope timeout elapses, or ctx is done. The
// returned response carries the request's correlation id.
func (b *InMemory) Request(ctx context.Context, msg domain.Message) (*domain.Message, error) {
	if b.closed.Load() {
		return nil, domain.NewDomainError("Bus.Request", domain.ErrBusClosed, "")
	}

	b.stamp(&msg, domain.MessageRequest)
	msg.RequiresAck = true

	handler, ok := b.lookup(msg.To)
	if !ok {
		return nil, domain.NewDomainError("Bus.Request", domain.ErrAgentUnreachable, msg.To)
	}

	timeout := msg.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}

	resultCh := make(chan result, 1)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				resultCh <- result{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		resp, err := handler(ctx, msg)
		resultCh <- result{resp: resp, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, domain.WrapOp("Bus.Request", res.err)
		}
		return b.respond(msg, res.resp), nil
	case <-timer.C:
		return nil, domain.NewDomainError("Bus.Request", domain.ErrTimeout,
			fmt.Sprintf("no response from %s within %s", msg.To, timeout))
	case <-ctx.Done():
		return nil, domain.WrapOp("Bus.Request", ctx.Err())
	}
}

// Publish delivers an envelope without waiting for a response. An empty To
// broadcasts to every participant. Handler errors are logged and dropped.
func (b *InMemory) Publish(ctx context.Context, msg domain.Message) error {
	if b.closed.Load() {
		return domain.NewDomainError("Bus.Publish", domain.ErrBusClosed, "")
	}

	b.stamp(&msg, msg.Type)

	var targets []domain.MessageHandler
	b.mu.RLock()
	if msg.To == "" {
		for _, entries := range b.handlers {
			for _, e := range entries {
				targets = append(targets, e.handler)
			}
		}
	} else {
		for _, e := range b.handlers[msg.To] {
			targets = append(targets, e.handler)
		}
	}
	b.mu.RUnlock()

	if msg.To != "" && len(targets) == 0 {
		return domain.NewDomainError("Bus.Publish", domain.ErrAgentUnreachable, msg.To)
	}

	for _, h := range targets {
		handler := h
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("message handler panicked", "to", msg.To, "panic", r)
				}
			}()
			if _, err := handler(ctx, msg); err != nil {
				b.logger.Warn("message handler failed", "to", msg.To, "error", err)
			}
		}()
	}
	return nil
}

// Close prevents new deliveries and waits for in-flight handlers.
func (b *InMemory) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

// stamp fills defaulted envelope fields in place.
func (b *InMemory) stamp(msg *domain.Message, typ domain.MessageType) {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = msg.ID
	}
	if msg.Type == "" {
		msg.Type = typ
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
}

// lookup returns the first handler subscribed for a participant.
func (b *InMemory) lookup(participant string) (domain.MessageHandler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries := b.handlers[participant]
	if len(entries) == 0 {
		return nil, false
	}
	return entries[0].handler, true
}

// respond normalizes a handler's reply into a response envelope correlated
// with the request. A nil handler reply becomes an empty ack.
func (b *InMemory) respond(req domain.Message, resp *domain.Message) *domain.Message {
	if resp == nil {
		resp = &domain.Message{}
	}
	resp.Type = domain.MessageResponse
	resp.CorrelationID = req.CorrelationID
	if resp.ID == "" {
		resp.ID = ulid.Make().String()
	}
	if resp.From == "" {
		resp.From = req.To
	}
	if resp.To == "" {
		resp.To = req.From
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now()
	}
	return resp
}

var _ domain.MessageBus = (*InMemory)(nil)
