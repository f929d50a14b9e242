package signal

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/session"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// inboundBuffer is how many client frames may wait for the session loop.
const inboundBuffer = 16

type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadLimitBytes int64
	AllowedOrigins []string
}

// WebSocketServer accepts client websockets and runs one session per connection.
type WebSocketServer struct {
	cfg        Config
	sessionCfg session.Config
	deps       session.Deps
	upgrader   websocket.Upgrader

	connections map[domain.ConnectionID]*connection
	mu          sync.RWMutex
	handlers    sync.WaitGroup

	logger *zap.SugaredLogger
}

type connection struct {
	conn        *websocket.Conn
	session     *session.Session
	connectedAt time.Time
	cancel      context.CancelFunc
}

func NewWebSocketServer(cfg Config, sessionCfg session.Config, deps session.Deps) *WebSocketServer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	s := &WebSocketServer{
		cfg:         cfg,
		sessionCfg:  sessionCfg,
		deps:        deps,
		connections: make(map[domain.ConnectionID]*connection),
		logger:      deps.Logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

// checkOrigin accepts requests without an Origin header (non-browser clients), any
// origin when "*" is configured, and otherwise only the listed hosts.
func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades an authenticated request and blocks until the client goes
// away.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID domain.UserID) {
	s.handlers.Add(1)
	defer s.handlers.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	defer conn.Close()

	// the session outlives neither the socket nor the server, but not the request span
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := session.New(userID, s.sessionCfg, s.deps)
	defer sess.Disconnect()

	if err := sess.Connect(ctx); err != nil {
		s.logger.Errorw("failed to connect session", "user_id", userID, "connection_id", sess.ConnectionID(), "error", err)
		s.writeClose(conn, websocket.CloseInternalServerErr, "cannot join rooms")
		return
	}

	id := sess.ConnectionID()
	s.register(id, &connection{conn: conn, session: sess, connectedAt: time.Now(), cancel: cancel})
	defer s.unregister(id)

	s.logger.Infow("client connected", "connection_id", id, "user_id", userID, "remote_addr", r.RemoteAddr)

	inbound := make(chan []byte, inboundBuffer)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readLoop(ctx, cancel, conn, inbound, id)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, cancel, conn, sess, id)
	}()

	if err := sess.Run(ctx, inbound); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warnw("session stopped", "connection_id", id, "error", err)
	}

	cancel()
	<-writerDone
	conn.Close()
	<-readerDone

	s.logger.Infow("client disconnected", "connection_id", id, "user_id", userID)
}

// readLoop feeds client text frames to the session. It closes inbound when the client
// is gone.
func (s *WebSocketServer) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, inbound chan<- []byte, id domain.ConnectionID) {
	defer close(inbound)
	defer cancel()

	if s.cfg.ReadLimitBytes > 0 {
		conn.SetReadLimit(s.cfg.ReadLimitBytes)
	}
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Infow("error reading from client", "connection_id", id, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		if kind != websocket.TextMessage {
			continue
		}

		select {
		case inbound <- data:
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop drains the session outbound queue and keeps the connection alive with pings.
func (s *WebSocketServer) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sess *session.Session, id domain.ConnectionID) {
	defer cancel()

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case data := <-sess.Outbound():
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Infow("error writing to client", "connection_id", id, "error", err)
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "connection_id", id, "error", err)
				return
			}

		case <-ctx.Done():
			s.writeClose(conn, websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (s *WebSocketServer) writeClose(conn *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

func (s *WebSocketServer) register(id domain.ConnectionID, c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[id] = c
}

func (s *WebSocketServer) unregister(id domain.ConnectionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, id)
}

// GetConnectedSessions lists the connection ids of every live client of this process.
func (s *WebSocketServer) GetConnectedSessions() []domain.ConnectionID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]domain.ConnectionID, 0, len(s.connections))
	for id := range s.connections {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *WebSocketServer) IsConnected(id domain.ConnectionID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.connections[id]
	return ok
}

// Shutdown asks every client to go away and waits for their sessions to clean up.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	for _, c := range s.connections {
		c.cancel()
	}
	count := len(s.connections)
	s.mu.RUnlock()

	s.logger.Infow("closing client connections", "connections", count)

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
