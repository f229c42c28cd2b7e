package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/quantfeed/tapegate/internal/book"
	"github.com/quantfeed/tapegate/internal/eligibility"
	"github.com/quantfeed/tapegate/internal/metrics"
	"github.com/quantfeed/tapegate/internal/subs"
)

// Config holds the gateway connection settings.
type Config struct {
	URL              string        `yaml:"url"`
	AuthToken        string        `yaml:"auth_token"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	ReconnectMin     time.Duration `yaml:"reconnect_min"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
	ResolveTimeout   time.Duration `yaml:"resolve_timeout"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		URL:              "ws://127.0.0.1:4002/stream",
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      30 * time.Second,
		PingInterval:     10 * time.Second,
		ReconnectMin:     time.Second,
		ReconnectMax:     30 * time.Second,
		ResolveTimeout:   5 * time.Second,
	}
}

// wireRequest is the outbound gateway message shape.
type wireRequest struct {
	Type     string `json:"type"`
	ReqID    int64  `json:"req_id,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
	Exchange string `json:"exchange,omitempty"`
	Depth    bool   `json:"depth,omitempty"`
	Token    string `json:"token,omitempty"`
}

// wireEvent is the inbound gateway message shape.
type wireEvent struct {
	Type     string  `json:"type"`
	ReqID    int64   `json:"req_id"`
	Symbol   string  `json:"symbol"`
	Side     int     `json:"side"`
	Op       int     `json:"op"`
	Position int     `json:"position"`
	Price    float64 `json:"price"`
	Size     float64 `json:"size"`
	EventMs  int64   `json:"event_ms"`
	Code     int     `json:"code"`
	Message  string  `json:"message"`

	Conid           int64  `json:"conid"`
	SecType         string `json:"sec_type"`
	PrimaryExchange string `json:"primary_exchange"`
}

// Client is the gateway websocket client. It owns the connection, a
// read pump stamping receipt times, and the reconnect loop. Subscribe
// and resolve requests go through a circuit breaker so a flapping
// gateway sheds request load instead of queueing it.
type Client struct {
	cfg     Config
	handler Handler
	metrics *metrics.Registry
	breaker *gobreaker.CircuitBreaker

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	nextReqID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan eligibility.Instrument
}

// NewClient builds a client. SetHandler must be called before Run; the
// handler is late-bound because the engine consuming events is itself
// constructed around this client's transport.
func NewClient(cfg Config, reg *metrics.Registry) *Client {
	st := gobreaker.Settings{Name: "gateway"}
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}
	return &Client{
		cfg:     cfg,
		metrics: reg,
		breaker: gobreaker.NewCircuitBreaker(st),
		pending: make(map[int64]chan eligibility.Instrument),
	}
}

// SetHandler binds the event consumer. Not safe to call after Run.
func (c *Client) SetHandler(h Handler) { c.handler = h }

// Run connects and keeps the connection alive until ctx is cancelled,
// reconnecting with doubling backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectMin
	for {
		if err := c.connect(ctx); err != nil {
			log.Warn().Err(err).Dur("backoff", backoff).Msg("Gateway connect failed")
		} else {
			backoff = c.cfg.ReconnectMin
			c.readPump(ctx)
		}
		if c.metrics != nil {
			c.metrics.FeedConnected.Set(0)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if c.cfg.AuthToken != "" {
		if err := c.send(wireRequest{Type: "auth", Token: c.cfg.AuthToken}); err != nil {
			c.closeConn()
			return fmt.Errorf("send auth: %w", err)
		}
	}
	if c.metrics != nil {
		c.metrics.FeedConnected.Set(1)
	}
	log.Info().Str("url", c.cfg.URL).Msg("Gateway connected")
	return nil
}

// readPump reads frames until the connection drops or ctx is cancelled.
func (c *Client) readPump(ctx context.Context) {
	defer c.closeConn()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	pingStop := make(chan struct{})
	defer close(pingStop)
	go c.pingLoop(conn, pingStop)

	for {
		if ctx.Err() != nil {
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Gateway read failed, reconnecting")
			return
		}
		c.dispatch(data, time.Now().UnixMilli())
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(2*time.Second))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(data []byte, receiptMs int64) {
	if c.handler == nil {
		return
	}
	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		if c.metrics != nil {
			c.metrics.DroppedEvent("unparseable")
		}
		return
	}
	switch ev.Type {
	case "depth":
		c.handler.OnDepth(DepthEvent{
			Symbol:    ev.Symbol,
			Side:      book.Side(ev.Side),
			Op:        book.Operation(ev.Op),
			Position:  ev.Position,
			Price:     ev.Price,
			Size:      ev.Size,
			ReceiptMs: receiptMs,
		})
	case "trade":
		c.handler.OnTrade(TradeEvent{
			Symbol:    ev.Symbol,
			EventMs:   ev.EventMs,
			ReceiptMs: receiptMs,
			Price:     ev.Price,
			Size:      ev.Size,
		})
	case "error":
		c.handler.OnProviderError(ErrorEvent{
			ReqID:     ev.ReqID,
			Code:      ev.Code,
			Message:   ev.Message,
			ReceiptMs: receiptMs,
		})
	case "contract":
		c.resolvePending(ev)
	default:
		if c.metrics != nil {
			c.metrics.DroppedEvent("unknown_type")
		}
	}
}

func (c *Client) resolvePending(ev wireEvent) {
	c.pendingMu.Lock()
	ch, ok := c.pending[ev.ReqID]
	if ok {
		delete(c.pending, ev.ReqID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	ch <- eligibility.Instrument{
		Symbol:          ev.Symbol,
		Conid:           ev.Conid,
		SecType:         ev.SecType,
		PrimaryExchange: ev.PrimaryExchange,
	}
}

// send writes one frame under the connection lock.
func (c *Client) send(req wireRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return fmt.Errorf("gateway not connected")
	}
	return c.conn.WriteJSON(req)
}

// request sends through the circuit breaker and returns the request id.
func (c *Client) request(req wireRequest) (int64, error) {
	req.ReqID = c.nextReqID.Add(1)
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.send(req)
	})
	if err != nil {
		return 0, err
	}
	return req.ReqID, nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

// Classify resolves a symbol's contract details over the gateway. It
// satisfies the scheduler's classifier contract.
func (c *Client) Classify(ctx context.Context, symbol string) (eligibility.Instrument, error) {
	ch := make(chan eligibility.Instrument, 1)

	reqID, err := func() (int64, error) {
		id := c.nextReqID.Add(1)
		c.pendingMu.Lock()
		c.pending[id] = ch
		c.pendingMu.Unlock()
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.send(wireRequest{Type: "resolve", ReqID: id, Symbol: symbol})
		})
		return id, err
	}()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
		return eligibility.Instrument{}, fmt.Errorf("resolve %s: %w", symbol, err)
	}

	select {
	case inst := <-ch:
		return inst, nil
	case <-time.After(c.cfg.ResolveTimeout):
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
		return eligibility.Instrument{}, fmt.Errorf("resolve %s: timed out", symbol)
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
		return eligibility.Instrument{}, ctx.Err()
	}
}

// Transport exposes the client as the scheduler's callback set. A false
// result means the request was not sent; the scheduler retries on the
// next cycle.
func (c *Client) Transport() subs.Transport {
	sub := func(typ string) func(ctx context.Context, symbol string) bool {
		return func(_ context.Context, symbol string) bool {
			_, err := c.request(wireRequest{Type: typ, Symbol: symbol})
			if err != nil {
				log.Debug().Err(err).Str("symbol", symbol).Str("type", typ).Msg("Gateway request failed")
			}
			return err == nil
		}
	}
	return subs.Transport{
		Subscribe: func(_ context.Context, symbol string, requestDepth bool) (int64, bool) {
			typ := "subscribe_tape"
			if requestDepth {
				typ = "subscribe_depth"
			}
			id, err := c.request(wireRequest{Type: typ, Symbol: symbol, Depth: requestDepth})
			return id, err == nil
		},
		Unsubscribe: sub("unsubscribe"),
		EnableTickByTick: func(_ context.Context, symbol string) (int64, bool) {
			id, err := c.request(wireRequest{Type: "enable_tick", Symbol: symbol})
			return id, err == nil
		},
		DisableTickByTick: sub("disable_tick"),
		DisableDepth:      sub("disable_depth"),
		SubscribeDepthOn: func(_ context.Context, symbol, exchange string) (int64, bool) {
			id, err := c.request(wireRequest{Type: "subscribe_depth", Symbol: symbol, Exchange: exchange, Depth: true})
			return id, err == nil
		},
	}
}
