package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hackgods/slot-reservation-engine/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
	requestTimeout = 5 * time.Second
)

// AvailabilitySource answers check_availability. A non-empty reason means the whole day is closed.
type AvailabilitySource interface {
	Unavailable(ctx context.Context, date string, employeeID int64, viewer string) (times []string, reason string, err error)
}

type HubConfig struct {
	Feed         *Feed
	Availability AvailabilitySource
	// Fanout carries lock relays to every instance. Nil delivers on this instance only.
	Fanout Publisher
	// Identify names the caller; the client_id query parameter and then a random id are the fallbacks.
	Identify    func(r *http.Request) string
	CheckOrigin func(r *http.Request) bool
	Metrics     metrics.Recorder
	Logger      *slog.Logger
}

// Hub is the server end of the push channel. It relays presence between connected clients and
// fans out committed-slot events; it never touches the ledger or the selection store.
type Hub struct {
	upgrader     websocket.Upgrader
	feed         *Feed
	availability AvailabilitySource
	fanout       Publisher
	identify     func(*http.Request) string
	metrics      metrics.Recorder
	log          *slog.Logger
	now          func() time.Time

	mu       sync.RWMutex
	sessions map[*session]struct{}
	closed   bool
}

var _ Publisher = (*Hub)(nil)

func NewHub(cfg HubConfig) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		feed:         cfg.Feed,
		availability: cfg.Availability,
		fanout:       cfg.Fanout,
		identify:     cfg.Identify,
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
		now:          time.Now,
		sessions:     make(map[*session]struct{}),
	}
	if h.metrics == nil {
		h.metrics = metrics.Nop{}
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	return h
}

// SetFanout installs the cross-instance publisher once it exists.
func (h *Hub) SetFanout(p Publisher) {
	h.mu.Lock()
	h.fanout = p
	h.mu.Unlock()
}

// SetAvailability installs the check_availability source, which is usually built after the hub.
func (h *Hub) SetAvailability(src AvailabilitySource) {
	h.mu.Lock()
	h.availability = src
	h.mu.Unlock()
}

func (h *Hub) Feed() *Feed { return h.feed }

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

type ClientInfo struct {
	ClientID string    `json:"client_id"`
	Watching int       `json:"watching"`
	Holding  int       `json:"holding"`
	Step     int64     `json:"step,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// Clients describes the connected clients for the debug endpoint.
func (h *Hub) Clients() []ClientInfo {
	h.mu.RLock()
	all := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()

	out := make([]ClientInfo, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		out = append(out, ClientInfo{
			ClientID: s.id,
			Watching: len(s.watches),
			Holding:  len(s.locks),
			Step:     s.step,
			LastSeen: s.lastSeen,
		})
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Publish delivers env to the clients connected to this instance.
func (h *Hub) Publish(_ context.Context, env Envelope) error {
	h.Deliver(env)
	return nil
}

// Deliver records env in the feed and queues it for every interested client except its origin.
func (h *Hub) Deliver(env Envelope) {
	if h.feed != nil {
		h.feed.Append(env)
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Error("realtime: encode envelope", "type", env.Type, "err", err)
		return
	}

	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		if env.Origin != "" && s.id == env.Origin {
			continue
		}
		if s.wants(env) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.enqueueRaw(data)
	}
}

// Close drops every client. Call it before shutting the HTTP server down; hijacked
// connections are not closed by http.Server.Shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	all := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		all = append(all, s)
	}
	h.mu.Unlock()

	for _, s := range all {
		s.close()
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := ""
	if h.identify != nil {
		id = h.identify(r)
	}
	if id == "" {
		id = r.URL.Query().Get("client_id")
	}
	anonymous := id == ""
	if anonymous {
		id = "anon-" + uuid.NewString()
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.log.Warn("realtime: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	s := &session{
		id:       id,
		hub:      h,
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		watches:  make(map[watch]struct{}),
		locks:    make(map[watch]struct{}),
		lastSeen: h.now(),
	}
	if !h.register(s) {
		_ = ws.Close()
		return
	}
	h.log.Debug("realtime: client connected", "client_id", id, "anonymous", anonymous)

	go s.writePump()
	s.enqueue(NewEnvelope(TypeConnection, map[string]any{
		"mode":         "websocket",
		"status":       "connected",
		"client_id":    id,
		"is_anonymous": anonymous,
		"timestamp":    h.now().UnixMilli(),
	}))
	s.readPump()
}

func (h *Hub) register(s *session) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.sessions[s] = struct{}{}
	n := len(h.sessions)
	h.mu.Unlock()

	h.metrics.SetRealtimeClients(n)
	return true
}

// unregister removes s and tells the others about any slot it was still holding.
func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	n := len(h.sessions)
	h.mu.Unlock()
	h.metrics.SetRealtimeClients(n)

	s.mu.Lock()
	held := make([]watch, 0, len(s.locks))
	for w := range s.locks {
		held = append(held, w)
	}
	s.locks = nil
	s.watches = nil
	s.mu.Unlock()

	for _, w := range held {
		h.relay(s, TypeSlotUnlocked, w)
	}
	h.log.Debug("realtime: client disconnected", "client_id", s.id, "released_locks", len(held))
}

func (h *Hub) handle(s *session, env Envelope) {
	s.touch()

	switch env.Type {
	case TypePing:
		s.enqueue(NewEnvelope(TypePong, map[string]any{"timestamp": h.now().UnixMilli()}))

	case TypeWatchSlot:
		w, ok := watchFrom(env, false)
		if !ok {
			s.fail("watch_slot needs date and employee_id")
			return
		}
		s.mu.Lock()
		s.watches[w] = struct{}{}
		s.mu.Unlock()

	case TypeUnwatchSlot:
		s.mu.Lock()
		if w, ok := watchFrom(env, false); ok {
			delete(s.watches, w)
		} else {
			s.watches = make(map[watch]struct{})
		}
		s.mu.Unlock()

	case TypeLockSlot, TypeUnlockSlot:
		w, ok := watchFrom(env, true)
		if !ok {
			s.fail(env.Type + " needs date, time and employee_id")
			return
		}
		s.mu.Lock()
		if env.Type == TypeLockSlot {
			s.locks[w] = struct{}{}
		} else {
			delete(s.locks, w)
		}
		s.mu.Unlock()

		relayed := TypeSlotLocked
		if env.Type == TypeUnlockSlot {
			relayed = TypeSlotUnlocked
		}
		h.relay(s, relayed, w)

	case TypeHeartbeat:
		step := env.Int64("step")
		s.mu.Lock()
		s.step = step
		s.mu.Unlock()
		s.enqueue(NewEnvelope(TypeHeartbeat, map[string]any{
			"status":      "ok",
			"step":        step,
			"server_time": h.now().UnixMilli(),
		}))

	case TypeCheckAvailability:
		h.checkAvailability(s, env)

	default:
		h.log.Debug("realtime: dropping unknown message", "client_id", s.id, "type", env.Type)
	}
}

func (h *Hub) relay(s *session, typ string, w watch) {
	env := NewEnvelope(typ, map[string]any{
		"date":        w.date,
		"time":        w.time,
		"employee_id": w.employeeID,
		"timestamp":   h.now().UnixMilli(),
	})
	env.Origin = s.id

	h.mu.RLock()
	fanout := h.fanout
	h.mu.RUnlock()

	h.metrics.RecordBroadcast(typ)
	if fanout == nil {
		h.Deliver(env)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := fanout.Publish(ctx, env); err != nil {
		h.log.Warn("realtime: fanout failed, delivering locally", "type", typ, "err", err)
		h.Deliver(env)
	}
}

func (h *Hub) checkAvailability(s *session, env Envelope) {
	w, ok := watchFrom(env, false)
	if !ok {
		s.fail("check_availability needs date and employee_id")
		return
	}
	h.mu.RLock()
	src := h.availability
	h.mu.RUnlock()
	if src == nil {
		s.fail("availability is not served on this channel")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	times, reason, err := src.Unavailable(ctx, w.date, w.employeeID, s.id)
	if err != nil {
		h.log.Warn("realtime: availability check failed", "date", w.date, "employee_id", w.employeeID, "err", err)
		s.fail("could not check availability")
		return
	}

	payload := map[string]any{
		"date":        w.date,
		"employee_id": w.employeeID,
		"unavailable": times,
		"timestamp":   h.now().UnixMilli(),
	}
	if reason != "" {
		payload["unavailable"] = "all"
		payload["reason"] = reason
	}
	s.enqueue(NewEnvelope(TypeAvailabilityUpdate, payload))
}

type watch struct {
	date       string
	employeeID int64
	time       string
}

func watchFrom(env Envelope, needTime bool) (watch, bool) {
	w := watch{date: env.String("date"), employeeID: env.Int64("employee_id"), time: env.String("time")}
	if w.date == "" || w.employeeID <= 0 || (needTime && w.time == "") {
		return watch{}, false
	}
	return w, true
}

type session struct {
	id   string
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	watches  map[watch]struct{}
	locks    map[watch]struct{}
	step     int64
	lastSeen time.Time
}

// wants reports whether env concerns a slot this client watches. Envelopes not tied to a
// slot go to everyone.
func (s *session) wants(env Envelope) bool {
	date, employeeID, t := env.String("date"), env.Int64("employee_id"), env.String("time")
	if date == "" || employeeID == 0 {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watches {
		if w.date == date && w.employeeID == employeeID && (w.time == "" || t == "" || w.time == t) {
			return true
		}
	}
	return false
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastSeen = s.hub.now()
	s.mu.Unlock()
}

func (s *session) fail(message string) {
	s.enqueue(NewEnvelope(TypeError, map[string]any{"message": message}))
}

func (s *session) enqueue(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.hub.log.Error("realtime: encode envelope", "type", env.Type, "err", err)
		return
	}
	s.enqueueRaw(data)
}

// enqueueRaw never blocks: a client that cannot keep up is dropped.
func (s *session) enqueueRaw(data []byte) {
	select {
	case <-s.done:
	case s.send <- data:
	default:
		s.hub.log.Warn("realtime: slow client dropped", "client_id", s.id)
		s.close()
	}
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *session) readPump() {
	defer s.hub.unregister(s)
	defer s.close()

	s.ws.SetReadLimit(maxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.log.Debug("realtime: read failed", "client_id", s.id, "err", err)
			}
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.fail("malformed message")
			continue
		}
		s.hub.handle(s, env)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()

	for {
		select {
		case data := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			_ = s.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
