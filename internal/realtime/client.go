package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

type Mode string

const (
	ModeDisconnected Mode = "disconnected"
	ModeConnecting   Mode = "connecting"
	ModePush         Mode = "websocket"
	ModePolling      Mode = "polling"
)

var (
	ErrNoTransport    = errors.New("realtime: push channel unavailable and no poll URL configured")
	ErrConnectAborted = errors.New("realtime: disconnected while connecting")
)

type ClientConfig struct {
	WSURL          string // empty skips the push channel
	PollURL        string
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	PollInterval   time.Duration
	Header         http.Header
	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
	Logger         *slog.Logger
}

// Handler receives an envelope. Handlers run on the goroutine that received the message.
type Handler func(Envelope)

// Client is the consuming end of the transport. It prefers the push channel and falls back to
// polling; once it has fallen back it keeps polling until Disconnect.
type Client struct {
	cfg ClientConfig
	log *slog.Logger

	mu        sync.Mutex
	mode      Mode
	ws        *websocket.Conn
	cancel    context.CancelFunc
	epoch     uint64 // bumped by every Connect and Disconnect
	pollQuery url.Values
	cursor    int64

	writeMu sync.Mutex
	wg      sync.WaitGroup

	hmu      sync.RWMutex
	handlers map[string]map[uint64]Handler
	nextID   uint64

	pingSent atomic.Int64 // unix nanos of the outstanding ping
	latency  atomic.Int64 // nanos
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 3 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:       cfg,
		log:       log,
		mode:      ModeDisconnected,
		pollQuery: url.Values{},
		handlers:  make(map[string]map[uint64]Handler),
	}
}

func (c *Client) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Latency is the last measured ping round trip, zero before the first pong.
func (c *Client) Latency() time.Duration {
	return time.Duration(c.latency.Load())
}

// SetPollQuery sets the parameters sent with every poll, e.g. date, employee_id, client_id
// and selected_time. Polling with the caller's selection keeps that selection alive.
func (c *Client) SetPollQuery(q url.Values) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollQuery = url.Values{}
	for k, v := range q {
		c.pollQuery[k] = append([]string(nil), v...)
	}
}

// Subscribe registers h for typ and returns a function that removes it.
func (c *Client) Subscribe(typ string, h Handler) func() {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[typ] == nil {
		c.handlers[typ] = make(map[uint64]Handler)
	}
	c.handlers[typ][id] = h

	return func() {
		c.hmu.Lock()
		defer c.hmu.Unlock()
		delete(c.handlers[typ], id)
		if len(c.handlers[typ]) == 0 {
			delete(c.handlers, typ)
		}
	}
}

// Connect tries the push channel within ConnectTimeout and falls back to polling on failure.
// It returns ErrNoTransport when neither is possible.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.mode != ModeDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.mode = ModeConnecting
	c.epoch++
	epoch := c.epoch
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	if c.cfg.WSURL != "" {
		ws, err := c.dial(ctx, runCtx)
		if err == nil {
			c.mu.Lock()
			if c.epoch != epoch || c.mode != ModeConnecting {
				// a Disconnect landed during the handshake
				c.mu.Unlock()
				_ = ws.Close()
				return ErrConnectAborted
			}
			c.ws = ws
			c.mode = ModePush
			c.mu.Unlock()

			c.wg.Add(2)
			go c.readLoop(runCtx, ws)
			go c.pingLoop(runCtx)
			c.emit(TypeConnection, map[string]any{"mode": string(ModePush), "status": "connected"})
			return nil
		}
		if runCtx.Err() != nil {
			return ErrConnectAborted
		}
		c.log.Warn("realtime: push channel unavailable, polling instead", "url", c.cfg.WSURL, "err", err)
	}

	if !c.startPolling(runCtx, epoch) {
		cancel()
		c.mu.Lock()
		stale := c.epoch != epoch
		if !stale {
			c.mode = ModeDisconnected
			c.cancel = nil
		}
		c.mu.Unlock()
		if stale {
			return ErrConnectAborted
		}
		return ErrNoTransport
	}
	return nil
}

// dial is bounded by ConnectTimeout and ends early when either the caller's ctx or the
// client's run context is cancelled.
func (c *Client) dial(ctx, runCtx context.Context) (*websocket.Conn, error) {
	dialCtx, stop := context.WithTimeout(runCtx, c.cfg.ConnectTimeout)
	defer stop()
	unhook := context.AfterFunc(ctx, stop)
	defer unhook()

	ws, resp, err := c.cfg.Dialer.DialContext(dialCtx, c.cfg.WSURL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return ws, err
}

// Disconnect stops every loop and closes the push channel.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.mode == ModeDisconnected {
		c.mu.Unlock()
		return
	}
	cancel, ws := c.cancel, c.ws
	c.cancel, c.ws = nil, nil
	c.mode = ModeDisconnected
	c.epoch++
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
	}
	c.wg.Wait()
	c.emit(TypeConnection, map[string]any{"mode": string(ModeDisconnected), "status": "disconnected"})
}

// Send writes a message on the push channel. While polling it only logs: the poll transport
// is receive-only.
func (c *Client) Send(typ string, payload map[string]any) error {
	c.mu.Lock()
	mode, ws := c.mode, c.ws
	c.mu.Unlock()

	if mode != ModePush || ws == nil {
		c.log.Warn("realtime: cannot send, push channel not connected", "type", typ, "mode", string(mode))
		return nil
	}
	return c.write(ws, NewEnvelope(typ, payload))
}

func (c *Client) write(ws *websocket.Conn, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.downgrade(ctx, ws, err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Debug("realtime: dropping malformed message", "err", err)
			continue
		}
		if env.Type == TypePong {
			c.recordPong()
		}
		c.dispatch(env)
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			mode, ws := c.mode, c.ws
			c.mu.Unlock()
			if mode != ModePush {
				return
			}
			if ws == nil {
				continue
			}
			sent := time.Now()
			c.pingSent.Store(sent.UnixNano())
			if err := c.write(ws, NewEnvelope(TypePing, map[string]any{"timestamp": sent.UnixMilli()})); err != nil {
				c.log.Debug("realtime: ping failed", "err", err)
			}
		}
	}
}

func (c *Client) recordPong() {
	sent := c.pingSent.Swap(0)
	if sent == 0 {
		return
	}
	rtt := time.Since(time.Unix(0, sent))
	c.latency.Store(int64(rtt))
	c.emit(TypeLatency, map[string]any{"latency": rtt.Milliseconds()})
}

// downgrade moves a broken push session to polling. There is no way back to push.
func (c *Client) downgrade(ctx context.Context, ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.mode != ModePush || c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	epoch := c.epoch
	c.mu.Unlock()
	_ = ws.Close()

	c.log.Warn("realtime: push channel closed, falling back to polling", "err", cause)
	if !c.startPolling(ctx, epoch) && ctx.Err() == nil {
		c.mu.Lock()
		c.mode = ModeDisconnected
		c.mu.Unlock()
		c.emit(TypeConnection, map[string]any{"mode": string(ModeDisconnected), "status": "disconnected"})
	}
}

func (c *Client) startPolling(ctx context.Context, epoch uint64) bool {
	if c.cfg.PollURL == "" {
		return false
	}
	c.mu.Lock()
	if ctx.Err() != nil || c.mode == ModeDisconnected || c.epoch != epoch {
		c.mu.Unlock()
		return false
	}
	c.mode = ModePolling
	c.wg.Add(1)
	c.mu.Unlock()

	c.emit(TypeConnection, map[string]any{"mode": string(ModePolling), "status": "connected"})
	go c.pollLoop(ctx)
	return true
}

func (c *Client) pollLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := c.pollOnce(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("realtime: poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce fetches the poll endpoint and dispatches every envelope in its "messages" array.
func (c *Client) pollOnce(ctx context.Context) error {
	u, err := url.Parse(c.cfg.PollURL)
	if err != nil {
		return fmt.Errorf("parse poll url: %w", err)
	}

	c.mu.Lock()
	q := u.Query()
	for k, v := range c.pollQuery {
		q[k] = v
	}
	if c.cursor > 0 {
		q.Set("since", strconv.FormatInt(c.cursor, 10))
	}
	c.mu.Unlock()
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	for k, v := range c.cfg.Header {
		req.Header[k] = v
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}

	if cur := gjson.GetBytes(body, "cursor"); cur.Exists() {
		c.mu.Lock()
		c.cursor = cur.Int()
		c.mu.Unlock()
	}
	gjson.GetBytes(body, "messages").ForEach(func(_, raw gjson.Result) bool {
		var env Envelope
		if err := json.Unmarshal([]byte(raw.Raw), &env); err != nil {
			c.log.Debug("realtime: dropping malformed polled message", "err", err)
			return true
		}
		c.dispatch(env)
		return true
	})
	return nil
}

// dispatch runs the handlers subscribed to env.Type. Types nobody subscribed to are dropped.
func (c *Client) dispatch(env Envelope) {
	c.hmu.RLock()
	hs := make([]Handler, 0, len(c.handlers[env.Type]))
	for _, h := range c.handlers[env.Type] {
		hs = append(hs, h)
	}
	c.hmu.RUnlock()

	for _, h := range hs {
		c.safeCall(h, env)
	}
}

func (c *Client) safeCall(h Handler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("realtime: handler panicked", "type", env.Type, "panic", r)
		}
	}()
	h(env)
}

func (c *Client) emit(typ string, payload map[string]any) {
	c.dispatch(NewEnvelope(typ, payload))
}
