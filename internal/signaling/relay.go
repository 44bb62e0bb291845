package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/1ureka/p2pshare/internal/util"
)

const (
	SignalingPath = "/api/signaling"
	HealthPath    = "/healthz"
)

// RelayOptions tunes a Relay. Zero fields take the defaults.
type RelayOptions struct {
	// AllowedOrigin restricts browser upgrades to one origin. Empty allows
	// any origin.
	AllowedOrigin string

	SweepInterval  time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	MaxSignalSize  int

	// MessageRate and MessageBurst bound how fast one endpoint may send.
	MessageRate  float64
	MessageBurst int
}

// DefaultRelayOptions returns the options used by the relay command.
func DefaultRelayOptions() RelayOptions {
	return RelayOptions{
		SweepInterval:  time.Hour,
		WriteTimeout:   5 * time.Second,
		MaxMessageSize: 128 * 1024,
		MaxSignalSize:  64 * 1024,
		MessageRate:    50,
		MessageBurst:   100,
	}
}

func (o RelayOptions) withDefaults() RelayOptions {
	d := DefaultRelayOptions()
	if o.SweepInterval <= 0 {
		o.SweepInterval = d.SweepInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.MaxSignalSize <= 0 {
		o.MaxSignalSize = d.MaxSignalSize
	}
	if o.MessageRate <= 0 {
		o.MessageRate = d.MessageRate
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = d.MessageBurst
	}
	return o
}

// Relay is the signaling server. Rooms are independent: every mutation of
// a room happens under that room's lock, and the registry lock only guards
// the room and endpoint maps. Lock order is room, then endpoint, then registry.
type Relay struct {
	opts     RelayOptions
	upgrader websocket.Upgrader
	started  time.Time

	mu        sync.Mutex
	rooms     map[string]*room
	endpoints map[string]*endpoint
}

type room struct {
	name    string
	mu      sync.Mutex
	members map[string]*endpoint
	closed  bool // evicted; a joiner must create a fresh room
}

// endpoint is one connected participant.
type endpoint struct {
	id      string
	conn    *websocket.Conn
	limiter *rate.Limiter
	timeout time.Duration
	gone    atomic.Bool

	writeMu sync.Mutex

	mu    sync.Mutex
	token string
	rooms map[string]*room
}

// NewRelay creates a relay. Serve it with Handler.
func NewRelay(opts RelayOptions) *Relay {
	opts = opts.withDefaults()
	r := &Relay{
		opts:      opts,
		started:   time.Now(),
		rooms:     make(map[string]*room),
		endpoints: make(map[string]*endpoint),
	}
	r.upgrader = websocket.Upgrader{CheckOrigin: r.checkOrigin}
	return r
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	if r.opts.AllowedOrigin == "" {
		return true
	}
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true // not a browser
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	allowed, err := url.Parse(r.opts.AllowedOrigin)
	if err != nil {
		return false
	}
	return u.Scheme == allowed.Scheme && u.Host == allowed.Host
}

// Handler serves the websocket relay and the health endpoint.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(SignalingPath, r.handleWS)
	mux.HandleFunc(HealthPath, r.handleHealth)
	return mux
}

// ListenAndServe runs the relay on addr until ctx is cancelled, sweeping
// abandoned rooms in the background.
func (r *Relay) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go r.StartSweeper(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		r.CloseConnections()
	}()

	util.LogInfo("relay listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// HTTP
// ──────────────────────────────────────────────────────────────────────────────

type healthResponse struct {
	Status string  `json:"status"`
	Uptime float64 `json:"uptime"` // seconds
	Rooms  int     `json:"rooms"`
}

func (r *Relay) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status: "ok",
		Uptime: time.Since(r.started).Seconds(),
		Rooms:  r.RoomCount(),
	})
}

func (r *Relay) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		util.LogDebug("[relay] upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(r.opts.MaxMessageSize)

	ep := &endpoint{
		id:      uuid.NewString(),
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(r.opts.MessageRate), r.opts.MessageBurst),
		timeout: r.opts.WriteTimeout,
		rooms:   make(map[string]*room),
	}

	r.mu.Lock()
	r.endpoints[ep.id] = ep
	r.mu.Unlock()
	util.LogDebug("[relay] %s connected from %s", ep.id, req.RemoteAddr)

	defer func() {
		r.disconnect(ep)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !ep.limiter.Allow() {
			ep.sendError(invalid("rate limit exceeded"))
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			ep.sendError(invalid("malformed message"))
			continue
		}
		if err := r.dispatch(ep, msg); err != nil {
			ep.sendError(err)
		}
	}
}

func (r *Relay) dispatch(ep *endpoint, msg Message) error {
	switch msg.Type {
	case TypeJoin:
		return r.join(ep, msg.Room, msg.SessionToken)
	case TypeSignal:
		return r.relay(ep, msg.Target, msg.Signal, msg.SessionToken)
	case TypeTransferComplete:
		return r.transferComplete(ep, msg.Room, msg.SessionToken)
	}
	return invalid("unknown message type %q", msg.Type)
}

// ──────────────────────────────────────────────────────────────────────────────
// Operations
// ──────────────────────────────────────────────────────────────────────────────

// join adds ep to the room, creating it if needed. Both occupants learn
// about each other with peer-online once the room is paired.
func (r *Relay) join(ep *endpoint, name, token string) error {
	if err := validateRoom(name); err != nil {
		return err
	}
	if err := validateToken(token); err != nil {
		return err
	}
	if err := ep.bindToken(token); err != nil {
		return err
	}

	for {
		rm := r.getOrCreateRoom(name)
		rm.mu.Lock()
		if rm.closed {
			rm.mu.Unlock()
			continue
		}

		if _, ok := rm.members[ep.id]; ok {
			rm.mu.Unlock()
			ep.send(Message{Type: TypeJoined, ID: ep.id, Room: name})
			return nil
		}
		if len(rm.members) >= 2 {
			rm.mu.Unlock()
			return invalid("room is full")
		}

		others := make([]*endpoint, 0, len(rm.members))
		for _, other := range rm.members {
			others = append(others, other)
		}
		rm.members[ep.id] = ep
		ep.addRoom(rm)

		ep.send(Message{Type: TypeJoined, ID: ep.id, Room: name})
		for _, other := range others {
			other.send(Message{Type: TypePeerOnline, Room: name, From: ep.id})
			ep.send(Message{Type: TypePeerOnline, Room: name, From: other.id})
		}
		rm.mu.Unlock()

		util.LogInfo("%s joined room %s (%d/2)", short(ep.id), name, len(others)+1)
		return nil
	}
}

// relay forwards an opaque payload to one endpoint sharing a room with ep,
// or to every other member of a room ep belongs to.
func (r *Relay) relay(ep *endpoint, target string, payload json.RawMessage, token string) error {
	if err := ep.checkToken(token); err != nil {
		return err
	}
	if len(payload) == 0 {
		return invalid("empty signal")
	}
	if len(payload) > r.opts.MaxSignalSize {
		return invalid("signal exceeds %d bytes", r.opts.MaxSignalSize)
	}
	if target == ep.id {
		util.LogDebug("[relay] ignoring self-signal from %s", ep.id)
		return nil
	}

	if rm := ep.room(target); rm != nil {
		rm.mu.Lock()
		defer rm.mu.Unlock()
		for id, member := range rm.members {
			if id != ep.id {
				member.send(Message{Type: TypeSignal, Room: rm.name, From: ep.id, Signal: payload})
			}
		}
		return nil
	}

	for _, rm := range ep.roomList() {
		rm.mu.Lock()
		member, ok := rm.members[target]
		if ok {
			member.send(Message{Type: TypeSignal, Room: rm.name, From: ep.id, Signal: payload})
		}
		rm.mu.Unlock()
		if ok {
			return nil
		}
	}
	return invalid("unknown target")
}

// transferComplete tells the rest of the room the transfer finished and
// evicts the room. Both endpoints stay connected.
func (r *Relay) transferComplete(ep *endpoint, name, token string) error {
	if err := ep.checkToken(token); err != nil {
		return err
	}
	rm := ep.room(name)
	if rm == nil {
		// Already released by the other side.
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return nil
	}
	for id, member := range rm.members {
		if id != ep.id {
			member.send(Message{Type: TypeTransferComplete, Room: name, From: ep.id})
		}
	}
	r.evictLocked(rm)
	util.LogInfo("room %s released after transfer", name)
	return nil
}

// disconnect removes ep from every room it joined.
func (r *Relay) disconnect(ep *endpoint) {
	ep.gone.Store(true)

	for _, rm := range ep.roomList() {
		rm.mu.Lock()
		if _, ok := rm.members[ep.id]; ok && !rm.closed {
			delete(rm.members, ep.id)
			ep.removeRoom(rm)
			for _, member := range rm.members {
				member.send(Message{Type: TypePeerOffline, Room: rm.name, From: ep.id})
			}
			if len(rm.members) == 0 {
				r.evictLocked(rm)
			}
		}
		rm.mu.Unlock()
	}

	r.mu.Lock()
	delete(r.endpoints, ep.id)
	r.mu.Unlock()
	util.LogDebug("[relay] %s disconnected", ep.id)
}

// Sweep evicts rooms left without a live endpoint and returns how many it
// removed. Disconnects normally empty rooms first.
func (r *Relay) Sweep() int {
	r.mu.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	evicted := 0
	for _, rm := range rooms {
		rm.mu.Lock()
		live := 0
		for _, member := range rm.members {
			if !member.gone.Load() {
				live++
			}
		}
		if live == 0 && !rm.closed {
			r.evictLocked(rm)
			evicted++
		}
		rm.mu.Unlock()
	}

	if evicted > 0 {
		util.LogInfo("sweep evicted %d abandoned room(s)", evicted)
	}
	return evicted
}

// StartSweeper runs Sweep every SweepInterval until ctx is cancelled.
func (r *Relay) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// CloseConnections drops every websocket connection. Shutdown leaves
// hijacked connections alone, so the relay closes them itself.
func (r *Relay) CloseConnections() {
	r.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		conns = append(conns, ep.conn)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// RoomCount returns the number of live rooms.
func (r *Relay) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Uptime returns how long the relay has been running.
func (r *Relay) Uptime() time.Duration {
	return time.Since(r.started)
}

func (r *Relay) getOrCreateRoom(name string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[name]
	if !ok {
		rm = &room{name: name, members: make(map[string]*endpoint, 2)}
		r.rooms[name] = rm
	}
	return rm
}

// evictLocked removes rm from the registry. The caller holds rm.mu.
func (r *Relay) evictLocked(rm *room) {
	rm.closed = true
	for _, member := range rm.members {
		member.removeRoom(rm)
	}
	rm.members = map[string]*endpoint{}

	r.mu.Lock()
	if r.rooms[rm.name] == rm {
		delete(r.rooms, rm.name)
	}
	r.mu.Unlock()
	util.LogDebug("[relay] room %s evicted", rm.name)
}

// ──────────────────────────────────────────────────────────────────────────────
// Endpoint
// ──────────────────────────────────────────────────────────────────────────────

// send writes msg to the endpoint. A failed write is logged and dropped; the
// read loop notices the broken connection and cleans up.
func (ep *endpoint) send(msg Message) {
	if ep.gone.Load() {
		return
	}

	ep.writeMu.Lock()
	defer ep.writeMu.Unlock()

	_ = ep.conn.SetWriteDeadline(time.Now().Add(ep.timeout))
	if err := ep.conn.WriteJSON(msg); err != nil {
		util.LogWarning("relay write to %s failed: %v", short(ep.id), err)
	}
}

func (ep *endpoint) sendError(err error) {
	util.LogDebug("[relay] %s: %v", ep.id, err)
	ep.send(Message{Type: TypeError, Error: err.Error()})
}

func (ep *endpoint) bindToken(token string) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.token == "" {
		ep.token = token
		return nil
	}
	if ep.token != token {
		return invalid("session token mismatch")
	}
	return nil
}

func (ep *endpoint) checkToken(token string) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.token == "" {
		return invalid("join a room first")
	}
	if token != ep.token {
		return invalid("session token mismatch")
	}
	return nil
}

func (ep *endpoint) addRoom(rm *room) {
	ep.mu.Lock()
	ep.rooms[rm.name] = rm
	ep.mu.Unlock()
}

func (ep *endpoint) removeRoom(rm *room) {
	ep.mu.Lock()
	if ep.rooms[rm.name] == rm {
		delete(ep.rooms, rm.name)
	}
	ep.mu.Unlock()
}

func (ep *endpoint) room(name string) *room {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.rooms[name]
}

func (ep *endpoint) roomList() []*room {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	rooms := make([]*room, 0, len(ep.rooms))
	for _, rm := range ep.rooms {
		rooms = append(rooms, rm)
	}
	return rooms
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
