package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chriscow/streamscribe/internal/session"
)

// ReasonInvalidMessage is sent for frames that are not a JSON envelope.
const ReasonInvalidMessage = "invalid message"

const (
	outboundQueueSize = 64
	finalQueueSize    = 8
)

// conn is one websocket client. A single writer goroutine owns all writes;
// everything else queues messages through send.
type conn struct {
	id     string
	ws     *websocket.Conn
	srv    *Server
	logger *slog.Logger

	out       chan *Message
	done      chan struct{}
	closeOnce sync.Once

	// final segments run one at a time, in end_audio order
	finals     chan *session.Segment
	finalsOnce sync.Once
	wg         sync.WaitGroup
}

func newConn(id string, ws *websocket.Conn, srv *Server) *conn {
	return &conn{
		id:     id,
		ws:     ws,
		srv:    srv,
		logger: srv.logger.With("session_id", id),
		out:    make(chan *Message, outboundQueueSize),
		done:   make(chan struct{}),
		finals: make(chan *session.Segment, finalQueueSize),
	}
}

// run serves the connection until the client goes away or ctx ends, then
// tears the session down.
func (c *conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeMessages()
	}()

	go func() {
		select {
		case <-ctx.Done():
			c.close()
		case <-c.done:
		}
	}()

	if err := c.readMessages(ctx); err != nil {
		c.logger.Warn("websocket read failed", slog.String("error", err.Error()))
	}

	c.srv.registry.Disconnect(c.id)
	c.srv.hub.unregister(c)
	cancel()
	c.close()

	wg.Wait()
	c.wg.Wait()
	c.logger.Info("websocket closed")
}

func (c *conn) readMessages(ctx context.Context) error {
	pongWait := c.srv.cfg.PongWait

	c.ws.SetReadLimit(c.srv.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-c.done:
				return nil
			default:
				return err
			}
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			c.logger.Warn("dropping malformed message", slog.Int("bytes", len(data)))
			_ = c.send(ctx, errorMessage(ReasonInvalidMessage))
			continue
		}
		c.handleMessage(ctx, &msg)
	}
}

func (c *conn) writeMessages() {
	writeWait := c.srv.cfg.WriteWait
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.logger.Warn("websocket write failed", slog.String("type", msg.Type), slog.String("error", err.Error()))
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("websocket ping failed", slog.String("error", err.Error()))
				c.close()
				return
			}
		}
	}
}

func (c *conn) handleMessage(ctx context.Context, msg *Message) {
	c.logger.Debug("Processing message", slog.String("type", msg.Type))

	switch msg.Type {
	case TypeAudioChunk:
		var chunk AudioChunk
		if err := json.Unmarshal(msg.Data, &chunk); err != nil {
			c.srv.metrics.ChunkRejected()
			_ = c.send(ctx, errorMessage(session.ReasonInvalidChunk))
			return
		}
		if err := c.srv.registry.Chunk(c.id, chunk.Audio, chunk.MIMEType); err != nil {
			c.logger.Debug("chunk rejected", slog.String("error", err.Error()))
			_ = c.send(ctx, errorMessage(reasonForChunk(err)))
		}

	case TypeEndAudio:
		// cut before reading the next frame so later chunks start a new recording
		seg, err := c.srv.registry.Cut(c.id)
		if err != nil {
			c.logger.Warn("end of stream failed", slog.String("error", err.Error()))
			_ = c.send(ctx, errorMessage(reasonForChunk(err)))
			return
		}
		c.finalsOnce.Do(func() {
			c.wg.Add(1)
			go c.runFinals(ctx)
		})
		select {
		case c.finals <- seg:
		case <-c.done:
		case <-ctx.Done():
		}

	case TypePing:
		_ = c.send(ctx, &Message{Type: TypePong, Data: msg.Data})

	default:
		c.logger.Warn("Unknown message type", slog.String("type", msg.Type))
	}
}

// runFinals transcribes cut segments sequentially until the connection closes.
func (c *conn) runFinals(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case seg := <-c.finals:
			c.srv.registry.RunFinal(ctx, seg)
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// send queues msg for the writer. It fails once the connection is closing.
func (c *conn) send(ctx context.Context, msg *Message) error {
	select {
	case <-c.done:
		return ErrNoConnection
	default:
	}

	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return ErrNoConnection
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func reasonForChunk(err error) string {
	switch {
	case errors.Is(err, session.ErrInvalidChunk):
		return session.ReasonInvalidChunk
	case errors.Is(err, session.ErrSessionNotFound):
		return session.ReasonSessionNotFound
	default:
		return session.ReasonInternal
	}
}
