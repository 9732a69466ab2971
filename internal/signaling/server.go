package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/matchmaking-relay/internal/matchmaking"
	"github.com/wilsonzlin/aero/proxy/matchmaking-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/matchmaking-relay/internal/origin"
)

const (
	defaultSignalingWSIdleTimeout   = 60 * time.Second
	defaultSignalingWSPingInterval  = 20 * time.Second
	defaultMaxSignalingMessageBytes = 64 * 1024
	defaultSignalingSendQueueDepth  = 64
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	// Matchmaker owns connection identity and the waiting pool. If nil, a
	// private unlimited matchmaker is created.
	Matchmaker *matchmaking.Matchmaker

	// Metrics may be nil.
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// AllowedOrigins gates browser upgrades by their Origin header. An empty
	// policy admits same-host origins only.
	AllowedOrigins origin.Policy

	// WebSocket keepalive. Zero values fall back to the defaults; a negative
	// ping interval disables pings.
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	// WebSocket inbound hardening. A message rate <= 0 disables the limiter.
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// SignalingSendQueueDepth bounds each connection's outbound queue.
	SignalingSendQueueDepth int

	// NewConnID mints connection identities. Defaults to random UUIDs.
	NewConnID func() string
}

// Server accepts signaling WebSockets.
//
// Endpoints:
//   - GET /ws         : primary signaling socket
//   - GET /api/socket : same handler, for clients built against the hosted path
type Server struct {
	mm      *matchmaking.Matchmaker
	metrics *metrics.Metrics
	log     *slog.Logger

	idleTimeout     time.Duration
	pingInterval    time.Duration
	maxMessageBytes int64
	maxPerSecond    int
	queueDepth      int
	newConnID       func() string

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

func NewServer(cfg Config) *Server {
	s := &Server{
		mm:              cfg.Matchmaker,
		metrics:         cfg.Metrics,
		log:             cfg.Logger,
		idleTimeout:     cfg.SignalingWSIdleTimeout,
		pingInterval:    cfg.SignalingWSPingInterval,
		maxMessageBytes: cfg.MaxSignalingMessageBytes,
		maxPerSecond:    cfg.MaxSignalingMessagesPerSecond,
		queueDepth:      cfg.SignalingSendQueueDepth,
		newConnID:       cfg.NewConnID,
		conns:           make(map[*conn]struct{}),
	}
	if s.mm == nil {
		s.mm = matchmaking.New(matchmaking.Options{})
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = defaultSignalingWSIdleTimeout
	}
	if s.pingInterval == 0 {
		s.pingInterval = defaultSignalingWSPingInterval
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = defaultMaxSignalingMessageBytes
	}
	if s.queueDepth <= 0 {
		s.queueDepth = defaultSignalingSendQueueDepth
	}
	if s.newConnID == nil {
		s.newConnID = uuid.NewString
	}

	policy := cfg.AllowedOrigins
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if _, ok := policy.CheckRequest(r); ok {
				return true
			}
			s.metrics.ConnectionRejected(metrics.RejectReasonOrigin)
			s.log.Warn("ws_origin_rejected", "origin", r.Header.Get("Origin"), "remote_addr", r.RemoteAddr)
			return false
		},
	}
	return s
}

// Matchmaker exposes the matchmaker the server registers connections with.
func (s *Server) Matchmaker() *matchmaking.Matchmaker { return s.mm }

func (s *Server) RegisterRoutes(router *mux.Router) {
	router.Handle("/ws", s).Methods(http.MethodGet)
	router.Handle("/api/socket", s).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	s.RegisterRoutes(router)
	return router
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		return
	}
	defer ws.Close()
	ws.SetReadLimit(s.maxMessageBytes)

	id := s.newConnID()
	c := &conn{
		id:          id,
		srv:         s,
		ws:          ws,
		log:         s.log.With("conn_id", id, "remote_addr", r.RemoteAddr),
		queue:       newSendQueue(s.queueDepth),
		limiter:     newLimiter(s.maxPerSecond),
		idleTimeout: s.idleTimeout,
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}

	if !s.track(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrack(c)

	if err := s.mm.Register(c); err != nil {
		if errors.Is(err, matchmaking.ErrTooManyConnections) {
			s.metrics.ConnectionRejected(metrics.RejectReasonTooManyConnections)
			c.log.Warn("ws_rejected", "reason", metrics.RejectReasonTooManyConnections)
			c.closeWith(websocket.CloseTryAgainLater, "try again later")
			return
		}
		c.log.Error("ws_register_failed", "err", err)
		c.closeWith(websocket.CloseInternalServerErr, "internal error")
		return
	}

	c.registered.Store(true)
	s.metrics.ConnectionOpened()
	c.log.Info("ws_connected")

	// Close may have reached c between track and Register.
	if c.closing() {
		s.disconnect(c)
		return
	}

	s.sendTo(c, serverMessage{Type: messageTypeWelcome, ID: id})

	go c.writeLoop()
	if s.pingInterval > 0 {
		go c.pingLoop(s.pingInterval)
	}
	c.readLoop()

	c.terminate()
	s.disconnect(c)
}

// release takes c out of the registry, the waiting pool and the pairing
// table, and tells a tracked partner. Only the call that finds c live has any
// effect, so it is safe from both the close path and disconnect.
func (s *Server) release(c *conn) {
	if !c.registered.Load() {
		return
	}
	dep := s.mm.Unregister(c.id)
	if !dep.WasLive {
		return
	}
	c.wasWaiting.Store(dep.WasWaiting)
	s.metrics.ConnectionClosed()
	s.metrics.SetQueueDepth(s.mm.Waiting())

	if dep.Partner != nil {
		s.sendTo(dep.Partner, serverMessage{Type: messageTypePeerDisconnected, PeerID: c.id})
	}
}

// disconnect is the final cleanup for a connection whose handler is
// returning.
func (s *Server) disconnect(c *conn) {
	s.release(c)
	c.log.Info("ws_disconnected",
		"duration_ms", time.Since(c.connectedAt).Milliseconds(),
		"was_waiting", c.wasWaiting.Load(),
	)
}

// Close sends 1001 to every open connection and refuses new ones. It does not
// wait for the handlers to return.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) dispatch(c *conn, msg clientMessage) {
	switch msg.Type {
	case messageTypeJoinQueue:
		s.join(c, msg.token())
	case messageTypeLeaveQueue:
		if s.mm.Dequeue(c.id) {
			c.log.Debug("left_queue")
		}
		s.metrics.SetQueueDepth(s.mm.Waiting())
	default:
		s.relay(c, msg)
	}
}

func (s *Server) join(c *conn, token string) {
	matches, err := s.mm.Enqueue(c.id, token)
	if err != nil {
		// Only possible if the connection was unregistered underneath us.
		c.log.Debug("join_rejected", "err", err)
		return
	}
	for _, m := range matches {
		s.announce(m)
	}
	s.metrics.SetQueueDepth(s.mm.Waiting())
}

func (s *Server) announce(m matchmaking.Match) {
	s.metrics.Matched(m.WaitA, m.WaitB)
	s.log.Info("match",
		"peer_a", m.A,
		"peer_b", m.B,
		"wait_a_ms", m.WaitA.Milliseconds(),
		"wait_b_ms", m.WaitB.Milliseconds(),
	)
	if m.PeerA != nil {
		s.sendTo(m.PeerA, serverMessage{Type: messageTypeMatched, PeerID: m.B})
	}
	if m.PeerB != nil {
		s.sendTo(m.PeerB, serverMessage{Type: messageTypeMatched, PeerID: m.A})
	}
}

// sendTo encodes msg and queues it on p.
func (s *Server) sendTo(p matchmaking.Peer, msg serverMessage) bool {
	payload, err := encodeServerMessage(msg)
	if err != nil {
		s.log.Error("encode_failed", "type", msg.Type, "err", err)
		return false
	}
	return p.Send(payload)
}
