package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/chriscow/streamscribe/pkg/ai/stt"
)

// ErrNoConnection is returned when an event targets a session whose
// connection is gone.
var ErrNoConnection = errors.New("no connection for session")

// Hub routes session events to the connection that owns the session. It
// implements session.Emitter.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*conn
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]*conn),
		logger: logger.With("component", "hub"),
	}
}

// Emit queues ev on the owning connection.
func (h *Hub) Emit(ctx context.Context, ev stt.SpeechEvent) error {
	h.mu.RLock()
	c := h.conns[ev.SessionID]
	h.mu.RUnlock()

	if c == nil {
		return ErrNoConnection
	}

	msg, err := messageFor(ev)
	if err != nil {
		return err
	}
	return c.send(ctx, msg)
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if h.conns[c.id] == c {
		delete(h.conns, c.id)
	}
	h.mu.Unlock()
}
