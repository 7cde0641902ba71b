package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tableflow/syncd/internal/admission"
	"tableflow/syncd/internal/auth"
	"tableflow/syncd/internal/config"
	"tableflow/syncd/internal/conflict"
	"tableflow/syncd/internal/dispatch"
	"tableflow/syncd/internal/heartbeat"
	"tableflow/syncd/internal/logging"
	"tableflow/syncd/internal/queue"
	"tableflow/syncd/internal/rooms"
	"tableflow/syncd/internal/session"
	"tableflow/syncd/internal/version"
)

const sendBufferSize = 64

// client is one live websocket bound to an authenticated user.
type client struct {
	gateway      *Gateway
	conn         *websocket.Conn
	send         chan []byte
	connectionID string
	user         *auth.User

	mu             sync.Mutex
	lastHeartbeat  time.Time
	memberships    map[string]bool
	reducedCadence bool

	closeOnce sync.Once
	closed    chan struct{}
}

// ConnectionID implements heartbeat.Connection.
func (c *client) ConnectionID() string { return c.connectionID }

// UserID implements heartbeat.Connection.
func (c *client) UserID() string { return c.user.ID }

// Role implements heartbeat.Connection.
func (c *client) Role() rooms.Role { return c.user.Role }

// LastHeartbeat implements heartbeat.Connection.
func (c *client) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// MarkHeartbeat implements heartbeat.Connection.
func (c *client) MarkHeartbeat(at time.Time) {
	c.mu.Lock()
	c.lastHeartbeat = at
	c.mu.Unlock()
}

// SendPing implements heartbeat.Connection by queueing an application
// level ping event; clients answer with a pong event.
func (c *client) SendPing() error {
	return c.gateway.sendEvent(c, "ping", map[string]any{
		"timestamp": c.gateway.now().UTC().Format(time.RFC3339Nano),
	}, 0)
}

// ForceClose implements heartbeat.Connection. Used for liveness
// enforcement, so the drop counts as an unexpected disconnect.
func (c *client) ForceClose(reason string) {
	c.shutdown()
	c.gateway.dropClient(c, reason)
}

// shutdown tears the transport down exactly once.
func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

// Gateway owns websocket admission, the live connection set, room
// membership, and the client-facing event protocol.
type Gateway struct {
	cfg       *config.Config
	log       *logging.Logger
	auth      *auth.Authenticator
	sessions  *session.Registry
	versions  *version.Store
	offline   *queue.OfflineQueue
	resolver  *conflict.Resolver
	resources ResourceDirectory
	limiter   *admission.Limiter
	now       func() time.Time

	// dispatcher is attached after construction because it needs the
	// gateway as its Sender.
	dispatcher *dispatch.Dispatcher

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	members map[string]map[string]*client
}

// GatewayOption customises gateway construction.
type GatewayOption func(*Gateway)

// WithGatewayClock overrides the gateway time source; used in tests.
func WithGatewayClock(clock func() time.Time) GatewayOption {
	return func(g *Gateway) {
		if clock != nil {
			g.now = clock
		}
	}
}

// NewGateway wires the connection manager to its collaborators.
func NewGateway(cfg *config.Config, authenticator *auth.Authenticator, sessions *session.Registry, versions *version.Store, offline *queue.OfflineQueue, resources ResourceDirectory, limiter *admission.Limiter, logger *logging.Logger, opts ...GatewayOption) *Gateway {
	if logger == nil {
		logger = logging.L()
	}
	gateway := &Gateway{
		cfg:       cfg,
		log:       logger,
		auth:      authenticator,
		sessions:  sessions,
		versions:  versions,
		offline:   offline,
		resources: resources,
		limiter:   limiter,
		now:       time.Now,
		clients:   make(map[string]*client),
		members:   make(map[string]map[string]*client),
	}
	gateway.upgrader = websocket.Upgrader{
		CheckOrigin: gateway.originAllowed,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gateway)
		}
	}
	return gateway
}

// AttachDispatcher completes the gateway/dispatcher cycle.
func (g *Gateway) AttachDispatcher(dispatcher *dispatch.Dispatcher) {
	g.dispatcher = dispatcher
}

// AttachResolver installs the conflict resolver used by resolve-conflict.
func (g *Gateway) AttachResolver(resolver *conflict.Resolver) {
	g.resolver = resolver
}

func (g *Gateway) originAllowed(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ServeWS is the websocket entry point: authenticate, admit, bind the
// session, assign the default rooms, and acknowledge with a sync
// snapshot before the pumps start.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	g.mu.Lock()
	liveCount := len(g.clients)
	g.mu.Unlock()
	if g.cfg.MaxClients > 0 && liveCount >= g.cfg.MaxClients {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	user, err := g.auth.Authenticate(ctx, r)
	if err != nil {
		g.log.Warn("websocket authentication rejected",
			logging.String("remote", r.RemoteAddr), logging.Error(err))
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}
	if g.limiter != nil && !g.limiter.Allow(user.ID) {
		g.log.Warn("connection attempt rate limited", logging.String("user_id", user.ID))
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	if g.cfg.MaxPayloadBytes > 0 {
		conn.SetReadLimit(g.cfg.MaxPayloadBytes)
	}

	c := &client{
		gateway:      g,
		conn:         conn,
		send:         make(chan []byte, sendBufferSize),
		connectionID: uuid.NewString(),
		user:         user,
		memberships:  make(map[string]bool),
		closed:       make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		c.MarkHeartbeat(g.now())
		return nil
	})

	g.register(c)
	previous, hadSession := g.sessions.Get(user.ID)
	isReconnection := g.sessions.Bind(user.ID, user.Role, c.connectionID)
	//1.- The new bind supersedes any previous connection; close the old
	// transport so at most one live connection holds per session.
	if hadSession && previous.Online && previous.ConnectionID != "" {
		g.closeSuperseded(previous.ConnectionID)
	}
	g.joinRoom(c, rooms.DefaultRoom(user.Role))
	g.joinRoom(c, rooms.RoomGeneral)

	//2.- Resolve the sync snapshot before acknowledging so the ack only
	// blocks on data retrieval, never on queue drain.
	syncData := g.roleSnapshot(ctx, user.Role)
	ack := map[string]any{
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
			"name":  user.Name,
			"role":  user.Role.String(),
		},
		"syncData":          syncData,
		"isReconnection":    isReconnection,
		"connectionId":      c.connectionID,
		"serverTime":        g.now().UTC().Format(time.RFC3339Nano),
		"heartbeatInterval": g.cfg.HeartbeatInterval.Milliseconds(),
	}
	if err := g.sendEvent(c, "connected", ack, 0); err != nil {
		g.log.Error("connected ack failed",
			logging.String("connection_id", c.connectionID), logging.Error(err))
	}

	g.log.Info("client connected",
		logging.String("connection_id", c.connectionID),
		logging.String("user_id", user.ID),
		logging.String("role", user.Role.String()),
		logging.Bool("reconnection", isReconnection))

	//3.- Drain queued messages after the ack so reconnection time stays
	// bounded by snapshot retrieval alone.
	if isReconnection {
		go g.drainQueuedMessages(c)
	}

	go c.writePump()
	c.readPump()
}

func (g *Gateway) register(c *client) {
	g.mu.Lock()
	g.clients[c.connectionID] = c
	g.mu.Unlock()
}

// closeSuperseded tears down the previously bound connection after a new
// bind took the session over. Its eventual offline report is ignored by
// the registry, so the fresh binding is untouched.
func (g *Gateway) closeSuperseded(connectionID string) {
	g.mu.Lock()
	old := g.clients[connectionID]
	g.mu.Unlock()
	if old == nil {
		return
	}
	g.log.Info("closing superseded connection",
		logging.String("connection_id", connectionID),
		logging.String("user_id", old.user.ID))
	old.ForceClose("superseded by new connection")
}

// dropClient removes the connection from the live set and marks the
// session offline, arming the reconnection-window cleanup.
func (g *Gateway) dropClient(c *client, reason string) {
	g.mu.Lock()
	_, live := g.clients[c.connectionID]
	delete(g.clients, c.connectionID)
	for room, members := range g.members {
		delete(members, c.connectionID)
		if len(members) == 0 {
			delete(g.members, room)
		}
	}
	g.mu.Unlock()
	if !live {
		return
	}

	g.sessions.MarkOffline(c.user.ID, c.connectionID)
	g.log.Info("client disconnected",
		logging.String("connection_id", c.connectionID),
		logging.String("user_id", c.user.ID),
		logging.String("reason", reason))
}

// joinRoom adds the connection to a room without authorization checks;
// callers gate on rooms.Allowed first.
func (g *Gateway) joinRoom(c *client, room string) {
	if room == "" {
		return
	}
	g.mu.Lock()
	if g.members[room] == nil {
		g.members[room] = make(map[string]*client)
	}
	g.members[room][c.connectionID] = c
	g.mu.Unlock()

	c.mu.Lock()
	c.memberships[room] = true
	c.mu.Unlock()
}

func (g *Gateway) leaveRoom(c *client, room string) {
	g.mu.Lock()
	if members, ok := g.members[room]; ok {
		delete(members, c.connectionID)
		if len(members) == 0 {
			delete(g.members, room)
		}
	}
	g.mu.Unlock()

	c.mu.Lock()
	delete(c.memberships, room)
	c.mu.Unlock()
}

// LiveConnections implements heartbeat.Source.
func (g *Gateway) LiveConnections() []heartbeat.Connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	connections := make([]heartbeat.Connection, 0, len(g.clients))
	for _, c := range g.clients {
		connections = append(connections, c)
	}
	return connections
}

// SendToRoom implements dispatch.Sender.
func (g *Gateway) SendToRoom(room string, envelope *dispatch.Envelope) int {
	frame, err := json.Marshal(envelope)
	if err != nil {
		g.log.Error("envelope marshal failed", logging.Error(err))
		return 0
	}
	g.mu.Lock()
	targets := make([]*client, 0, len(g.members[room]))
	for _, c := range g.members[room] {
		targets = append(targets, c)
	}
	g.mu.Unlock()

	delivered := 0
	for _, c := range targets {
		if g.push(c, frame) {
			delivered++
		}
	}
	return delivered
}

// SendToAll implements dispatch.Sender.
func (g *Gateway) SendToAll(envelope *dispatch.Envelope) int {
	frame, err := json.Marshal(envelope)
	if err != nil {
		g.log.Error("envelope marshal failed", logging.Error(err))
		return 0
	}
	g.mu.Lock()
	targets := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		targets = append(targets, c)
	}
	g.mu.Unlock()

	delivered := 0
	for _, c := range targets {
		if g.push(c, frame) {
			delivered++
		}
	}
	return delivered
}

// push queues a frame for the write pump; a full buffer drops the
// connection the way the slow-consumer guard does in any fan-out loop.
func (g *Gateway) push(c *client, frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.closed:
		return false
	default:
		g.log.Warn("dropping slow consumer",
			logging.String("connection_id", c.connectionID),
			logging.String("user_id", c.user.ID))
		c.ForceClose("send buffer overflow")
		return false
	}
}

// sendEvent wraps a payload in the standard envelope and queues it for
// one connection.
func (g *Gateway) sendEvent(c *client, event string, payload any, resourceVersion int64) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	envelope := &dispatch.Envelope{
		Type:      event,
		Data:      data,
		Timestamp: g.now().UTC().Format(time.RFC3339Nano),
		Version:   resourceVersion,
		MessageID: uuid.NewString(),
	}
	frame, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	if !g.push(c, frame) {
		return errClientGone
	}
	return nil
}

// drainQueuedMessages replays the offline buffer to a freshly reconnected
// client. Each message keeps its original id and enqueue timestamp so the
// client can deduplicate.
func (g *Gateway) drainQueuedMessages(c *client) {
	delivered := g.offline.Drain(c.user.ID, func(message *queue.Message) error {
		payload, err := message.Payload()
		if err != nil {
			return err
		}
		body, err := json.Marshal(map[string]any{
			"event":   message.Event,
			"payload": json.RawMessage(payload),
		})
		if err != nil {
			return err
		}
		envelope := &dispatch.Envelope{
			Type:      dispatch.EventStateChange,
			Data:      body,
			Timestamp: message.EnqueuedAt.UTC().Format(time.RFC3339Nano),
			MessageID: message.ID,
		}
		frame, err := json.Marshal(envelope)
		if err != nil {
			return err
		}
		if !g.push(c, frame) {
			return errClientGone
		}
		return nil
	})
	if delivered > 0 {
		g.log.Info("offline queue drained",
			logging.String("user_id", c.user.ID),
			logging.Int("delivered", delivered))
	}
}

// readPump processes inbound frames in arrival order until the transport
// errors out.
func (c *client) readPump() {
	defer func() {
		c.shutdown()
		c.gateway.dropClient(c, "transport closed")
	}()
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.MarkHeartbeat(c.gateway.now())
		c.gateway.sessions.Touch(c.user.ID)
		c.gateway.handleFrame(c, frame)
	}
}

// writePump owns all writes to the transport, interleaving queued frames
// with protocol-level pings.
func (c *client) writePump() {
	ticker := time.NewTicker(c.gateway.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}
