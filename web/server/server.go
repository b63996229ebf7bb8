// Package server implements the websocket and HTTP remote control transport.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"goji.io"
	"goji.io/pat"

	"go.strokeengine.dev/stroker/command"
	"go.strokeengine.dev/stroker/engine"
	"go.strokeengine.dev/stroker/logging"
	"go.strokeengine.dev/stroker/utils"
)

const (
	clientQueueSize = 64
	maxFrameSize    = 64 * 1024
	writeTimeout    = 10 * time.Second
	pingInterval    = 30 * time.Second
	pongTimeout     = 60 * time.Second
)

// Frame is one websocket message in either direction.
type Frame struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

// inboundFrame accepts any JSON value as payload so remotes may send numbers unquoted.
// Debug forces debug logging while the frame is handled.
type inboundFrame struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	Debug   bool            `json:"debug,omitempty"`
}

func (f inboundFrame) payload() string {
	var s string
	if err := json.Unmarshal(f.Payload, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(f.Payload))
}

// Status is the body of GET /state.
type Status struct {
	State        engine.State      `json:"state"`
	Homed        bool              `json:"homed"`
	Pattern      string            `json:"pattern"`
	PatternIndex int               `json:"pattern_index"`
	Parameters   engine.Parameters `json:"parameters"`
	Position     *float64          `json:"position,omitempty"`
}

// Server serves the remote control over HTTP. It is a command.Publisher broadcasting to every
// connected websocket.
type Server struct {
	engine     *engine.Engine
	dispatcher *command.Dispatcher
	logger     logging.Logger
	upgrader   websocket.Upgrader

	mu         sync.Mutex
	clients    map[*client]struct{}
	httpServer *http.Server
	listener   net.Listener
	workers    utils.StoppableWorkers
}

// New returns a server for e, executing inbound frames through d.
func New(e *engine.Engine, d *command.Dispatcher, logger logging.Logger) *Server {
	return &Server{
		engine:     e,
		dispatcher: d,
		logger:     logger,
		upgrader: websocket.Upgrader{
			// Remote controls are served from anywhere on the local network.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
		workers: utils.NewStoppableWorkers(),
	}
}

// Handler returns the HTTP routes: /ws, GET /state and GET /patterns.
func (s *Server) Handler() http.Handler {
	mux := goji.NewMux()
	mux.HandleFunc(pat.New("/ws"), s.handleWebSocket)
	mux.HandleFunc(pat.Get("/state"), s.handleState)
	mux.HandleFunc(pat.Get("/patterns"), s.handlePatterns)
	return cors.AllowAll().Handler(mux)
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = httpServer
	s.listener = listener
	s.mu.Unlock()

	s.workers.AddWorkers(func(ctx context.Context) {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("http server stopped", "error", err)
		}
	})
	s.logger.Infow("serving remote control", "address", listener.Addr().String())
	return nil
}

// Addr returns the address Start is listening on, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close disconnects every client and stops serving.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.httpServer = nil
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	var err error
	if httpServer != nil {
		err = httpServer.Shutdown(ctx)
	}
	for _, c := range clients {
		err = multierr.Combine(err, c.close())
	}
	s.workers.Stop()
	return err
}

// Publish broadcasts a frame to every connected client. Slow clients miss frames.
func (s *Server) Publish(topic, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.send(Frame{Topic: topic, Payload: payload})
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	status := Status{
		State:        s.engine.State(),
		Homed:        s.engine.IsHomed(),
		Pattern:      s.engine.PatternName(),
		PatternIndex: s.engine.PatternIndex(),
		Parameters:   s.engine.Parameters(),
	}
	if status.Homed {
		if pos, err := s.engine.Position(r.Context()); err == nil {
			status.Position = &pos
		}
	}
	s.writeJSON(w, status)
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.engine.Catalog())
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debugw("failed to write response", "error", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugw("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, queue: make(chan Frame, clientQueueSize), done: make(chan struct{}), logger: s.logger}
	// The state goes first so a remote always knows where it stands.
	c.send(Frame{Topic: command.TopicState, Payload: s.engine.State().String()})

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Infow("remote control connected", "remote", conn.RemoteAddr().String())

	s.workers.AddWorkers(c.writeFrames)
	if err := s.dispatcher.PublishCatalog(); err != nil {
		s.logger.Warnw("failed to publish pattern catalog", "error", err)
	}

	s.readFrames(r.Context(), c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	if err := c.close(); err != nil {
		s.logger.Debugw("error closing websocket", "error", err)
	}
	s.logger.Infow("remote control disconnected", "remote", conn.RemoteAddr().String())
}

func (s *Server) readFrames(ctx context.Context, c *client) {
	c.conn.SetReadLimit(maxFrameSize)
	goutils.UncheckedError(c.conn.SetReadDeadline(time.Now().Add(pongTimeout)))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debugw("websocket read failed", "error", err)
			}
			return
		}
		goutils.UncheckedError(c.conn.SetReadDeadline(time.Now().Add(pongTimeout)))

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.send(Frame{Topic: command.TopicNotify, Payload: "malformed frame"})
			continue
		}
		frameCtx := ctx
		if frame.Debug {
			frameCtx = logging.EnableDebugMode(ctx, "")
		}
		// Rejections are already published on the notify topic.
		goutils.UncheckedError(s.dispatcher.Handle(frameCtx, frame.Topic, frame.payload()))
	}
}

type client struct {
	conn   *websocket.Conn
	queue  chan Frame
	logger logging.Logger

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func (c *client) send(frame Frame) {
	select {
	case <-c.done:
	case c.queue <- frame:
	default:
		c.logger.Warnw("dropping frame for slow client", "topic", frame.Topic)
	}
}

func (c *client) writeFrames(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case frame := <-c.queue:
			goutils.UncheckedError(c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.logger.Debugw("websocket write failed", "error", err)
				goutils.UncheckedError(c.close())
				return
			}
		case <-ticker.C:
			goutils.UncheckedError(c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				goutils.UncheckedError(c.close())
				return
			}
		}
	}
}

func (c *client) close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
