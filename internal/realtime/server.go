package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"devrun/internal/build"
	"devrun/internal/logstream"
	"devrun/internal/metrics"
	"devrun/internal/protocol"
	"devrun/internal/session"
	"devrun/internal/target"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBufSize   = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // The server binds to localhost for the host editor.
	},
}

// Server exposes the session manager to the host editor over WebSocket and
// REST, and broadcasts project changes.
type Server struct {
	mgr     *session.Manager
	metrics *metrics.Metrics
	logger  *zap.Logger

	clients   map[*client]bool
	clientsMu sync.RWMutex
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	subID  string
	server *Server
}

// New creates a realtime server. m may be nil, which disables /metrics.
func New(mgr *session.Manager, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		mgr:     mgr,
		metrics: m,
		logger:  logger.Named("realtime"),
		clients: make(map[*client]bool),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("GET /targets", s.handleListTargets)
	mux.HandleFunc("GET /schemes", s.handleListSchemes)
	mux.HandleFunc("POST /build", s.handleStartBuild)
	mux.HandleFunc("DELETE /build", s.handleStopBuild)
	mux.HandleFunc("POST /run", s.handleRun)
	mux.HandleFunc("DELETE /run", s.handleStopApp)
	mux.HandleFunc("POST /logs", s.handleStartLogs)
	mux.HandleFunc("DELETE /logs", s.handleStopLogs)
	mux.HandleFunc("GET /logs", s.handleLogs)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades the connection, replays recorded events and
// forwards new ones until the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufSize),
		done:   make(chan struct{}),
		server: s,
	}

	subID, events, history := s.mgr.Subscribe()
	c.subID = subID

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()
	s.logger.Debug("client connected", zap.String("remote", r.RemoteAddr))

	go c.writePump()
	go s.forward(c, history, events)
	go c.readPump()
}

// forward replays history and then relays live events. It waits for the
// write pump instead of dropping, so a replay larger than the send buffer
// arrives whole. Live events are already dropped upstream when this
// subscriber falls behind.
func (s *Server) forward(c *client, history []session.OutputEvent, events <-chan session.OutputEvent) {
	for _, ev := range history {
		if !s.sendEvent(c, ev) {
			return
		}
	}
	for ev := range events {
		if !s.sendEvent(c, ev) {
			return
		}
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read", zap.Error(err))
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// queue hands data to the write pump. A full buffer drops the message.
func (c *client) queue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	s.mgr.Unsubscribe(c.subID)
	c.close()
	s.logger.Debug("client disconnected")
}

// Close disconnects every client.
func (s *Server) Close() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		c.close()
	}
}

// handleMessage processes a validated client message. Long-running commands
// run in their own goroutine; their progress arrives as recorded events.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeTargetsList:
		go s.handleWSTargets(c)
	case protocol.TypeSchemesList:
		go s.handleWSSchemes(c)
	case protocol.TypeBuildStart:
		var p protocol.BuildStartPayload
		json.Unmarshal(msg.Payload, &p)
		go s.handleWSBuild(c, p)
	case protocol.TypeBuildStop:
		if !s.mgr.StopBuild() {
			s.sendError(c, protocol.ErrNotRunning, "no build is running")
		}
	case protocol.TypeRunStart:
		var p protocol.RunStartPayload
		json.Unmarshal(msg.Payload, &p)
		go s.handleWSRun(c, p)
	case protocol.TypeRunStop:
		if err := s.mgr.StopApp(context.Background()); err != nil {
			s.sendError(c, errorCode(err), err.Error())
		}
	case protocol.TypeLogsStart:
		var p protocol.LogsStartPayload
		json.Unmarshal(msg.Payload, &p)
		if _, err := s.mgr.StartLogs(context.Background(), logParams(p)); err != nil {
			s.sendError(c, errorCode(err), err.Error())
		}
	case protocol.TypeLogsStop:
		if !s.mgr.StopLogs() {
			s.sendError(c, protocol.ErrNotRunning, "no log stream is running")
		}
	}
}

func (s *Server) handleWSTargets(c *client) {
	targets := s.mgr.Targets(context.Background())
	s.sendMessage(c, protocol.TypeTargets, protocol.TargetsPayload{Targets: nonNilTargets(targets)})
}

func (s *Server) handleWSSchemes(c *client) {
	schemes, err := s.mgr.Schemes(context.Background())
	if err != nil {
		s.sendError(c, errorCode(err), err.Error())
		return
	}
	s.sendMessage(c, protocol.TypeSchemes, protocol.SchemesPayload{Schemes: schemes})
}

func (s *Server) handleWSBuild(c *client, p protocol.BuildStartPayload) {
	if _, err := s.mgr.Build(context.Background(), buildParams(p.TargetID, p.Scheme, p.Clean)); err != nil {
		s.sendError(c, errorCode(err), err.Error())
	}
}

func (s *Server) handleWSRun(c *client, p protocol.RunStartPayload) {
	if _, err := s.mgr.Run(context.Background(), runParams(p)); err != nil {
		s.sendError(c, errorCode(err), err.Error())
	}
}

// OnProjectChange is the watcher callback.
func (s *Server) OnProjectChange(path string, fileCount int) {
	msg, err := protocol.NewMessage(protocol.TypeProjectChanged, protocol.ProjectChangedPayload{
		Path:      path,
		FileCount: fileCount,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.queue(data)
	}
}

// sendEvent blocks until the event is queued. It returns false once the
// client is gone.
func (s *Server) sendEvent(c *client, ev session.OutputEvent) bool {
	msg, err := eventMessage(ev)
	if err != nil {
		s.logger.Debug("drop event", zap.String("type", string(ev.Type)), zap.Error(err))
		return true
	}
	data, _ := json.Marshal(msg)
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	}
}

func (s *Server) sendMessage(c *client, msgType string, payload interface{}) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		s.logger.Error("encode message", zap.String("type", msgType), zap.Error(err))
		return
	}
	data, _ := json.Marshal(msg)
	c.queue(data)
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	data, _ := json.Marshal(msg)
	c.queue(data)
}

var errUnknownEvent = errors.New("unknown event type")

// eventMessage converts a recorded event to its wire message, keeping the
// event's own timestamp.
func eventMessage(ev session.OutputEvent) (*protocol.Message, error) {
	var (
		msgType string
		payload interface{}
	)
	switch ev.Type {
	case session.EventBuildOutput:
		msgType, payload = protocol.TypeBuildOutput, protocol.BuildOutputPayload{RunID: ev.RunID, Line: ev.Data}
	case session.EventBuildProgress:
		msgType, payload = protocol.TypeBuildProgress, protocol.BuildProgressPayload{RunID: ev.RunID, Phase: ev.Data}
	case session.EventBuildResult:
		if ev.Result == nil {
			return nil, errUnknownEvent
		}
		msgType, payload = protocol.TypeBuildResult, resultPayload(ev.RunID, *ev.Result)
	case session.EventRunStatus:
		msgType, payload = protocol.TypeRunStatus, protocol.RunStatusPayload{RunID: ev.RunID, Stage: ev.Data}
	case session.EventLogOutput:
		msgType, payload = protocol.TypeLogOutput, protocol.LogOutputPayload{
			RunID:      ev.RunID,
			Generation: ev.Generation,
			Source:     ev.Source,
			Stream:     ev.Stream,
			Line:       ev.Data,
		}
	case session.EventLogError:
		msgType, payload = protocol.TypeLogError, protocol.LogErrorPayload{Generation: ev.Generation, Message: ev.Data}
	case session.EventLogClosed:
		msgType, payload = protocol.TypeLogClosed, protocol.LogClosedPayload{Generation: ev.Generation}
	default:
		return nil, errUnknownEvent
	}

	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	msg.Timestamp = ev.Timestamp.UTC()
	return msg, nil
}

func resultPayload(runID string, res build.Result) protocol.BuildResultPayload {
	return protocol.BuildResultPayload{
		RunID:      runID,
		Success:    res.Success,
		AppPath:    res.AppPath,
		DurationMs: res.Duration.Milliseconds(),
		Error:      res.Error,
	}
}

// errorCode maps manager errors to protocol error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, target.ErrNotFound), errors.Is(err, session.ErrNoTarget):
		return protocol.ErrTargetNotFound
	case errors.Is(err, session.ErrSchemeRequired), errors.Is(err, build.ErrNoSchemes):
		return protocol.ErrSchemeRequired
	case errors.Is(err, session.ErrBuildFailed), errors.Is(err, session.ErrNoArtifact):
		return protocol.ErrBuildFailed
	case errors.Is(err, session.ErrStreamFailed):
		return protocol.ErrStreamFailed
	case errors.Is(err, session.ErrNoBundleID):
		return protocol.ErrNoBundleID
	case errors.Is(err, session.ErrInvalidMode):
		return protocol.ErrInvalidMessage
	}
	return protocol.ErrRunFailed
}

func buildParams(targetID, scheme string, clean bool) session.BuildParams {
	return session.BuildParams{TargetID: targetID, Scheme: scheme, Clean: clean}
}

func runParams(p protocol.RunStartPayload) session.RunParams {
	return session.RunParams{
		BuildParams: buildParams(p.TargetID, p.Scheme, p.Clean),
		Mode:        logstream.Mode(p.Mode),
		Detach:      p.Detach,
	}
}

func logParams(p protocol.LogsStartPayload) session.LogParams {
	return session.LogParams{
		TargetID:    p.TargetID,
		BundleID:    p.BundleID,
		ProcessName: p.ProcessName,
		Mode:        logstream.Mode(p.Mode),
	}
}

func nonNilTargets(targets []target.Target) []target.Target {
	if targets == nil {
		return []target.Target{}
	}
	return targets
}
