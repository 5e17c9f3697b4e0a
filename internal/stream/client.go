package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/reversi-bot/internal/obslog"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	pingTimeout  = 3 * time.Second
	readLimit    = 1 << 20
	maxOutbox    = 1024
	eventBuffer  = 64
)

var (
	ErrClosed     = errors.New("stream: client closed")
	ErrDisposed   = errors.New("stream: connection disposed")
	ErrBufferFull = errors.New("stream: outbound buffer full")
)

type Option func(*Client)

// WithPingInterval sets the keepalive period.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) { c.pingInterval = d }
}

// WithReconnect bounds reconnect attempts (0 retries forever) and sets the
// first backoff step.
func WithReconnect(maxAttempts int, base time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.backoffBase = base
	}
}

type pendingFrame struct {
	connID string
	f      frame
}

// Client multiplexes channel connections over one streaming socket. Frames
// sent while the socket is down are buffered and flushed after reconnect,
// and every open connection is re-announced first.
type Client struct {
	url          string
	pingInterval time.Duration
	maxAttempts  int
	backoffBase  time.Duration

	// mu also serializes writes so buffered frames keep their order.
	mu     sync.Mutex
	conn   *websocket.Conn
	state  State
	conns  map[string]*Connection
	outbox []pendingFrame

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// StreamingURL builds the socket endpoint for a server base URL and token.
func StreamingURL(base, token string) string {
	return strings.TrimRight(base, "/") + "/streaming?i=" + url.QueryEscape(token)
}

// Dial opens the streaming socket. A failed first dial is returned to the
// caller; later drops reconnect in the background.
func Dial(ctx context.Context, baseURL, token string, opts ...Option) (*Client, error) {
	c := &Client{
		url:          StreamingURL(baseURL, token),
		pingInterval: 30 * time.Second,
		backoffBase:  100 * time.Millisecond,
		state:        StateConnecting,
		conns:        make(map[string]*Connection),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())

	conn, err := c.dial(ctx)
	if err != nil {
		c.rootCancel()
		c.state = StateClosed
		return nil, fmt.Errorf("stream dial: %w", err)
	}
	c.attach(conn)
	obslog.L().Info("stream_connected")
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, c.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// State reports the socket state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// attach installs conn, re-announces open connections, flushes the outbox,
// and starts the read and ping loops.
func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	ok := true
	for _, cn := range c.conns {
		if err := c.write(c.rootCtx, conn, cn.connectFrame()); err != nil {
			ok = false
			break
		}
	}
	if ok {
		pending := c.outbox
		c.outbox = nil
		for i, p := range pending {
			if p.connID != "" && c.conns[p.connID] == nil {
				continue
			}
			if err := c.write(c.rootCtx, conn, p.f); err != nil {
				c.outbox = append(c.outbox, pending[i:]...)
				break
			}
		}
	}
	c.mu.Unlock()

	c.wg.Add(2)
	go c.listen(conn)
	go c.pingLoop(conn)
}

// write must be called with mu held.
func (c *Client) write(ctx context.Context, conn *websocket.Conn, f frame) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, f)
}

func (c *Client) send(ctx context.Context, connID string, f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return ErrClosed
	}
	if c.conn != nil && c.state == StateConnected {
		err := c.write(ctx, c.conn, f)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		obslog.L().Debug("stream_write_buffered", zap.Error(err))
	}
	if len(c.outbox) >= maxOutbox {
		return ErrBufferFull
	}
	c.outbox = append(c.outbox, pendingFrame{connID: connID, f: f})
	return nil
}

func (c *Client) listen(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		var m Message
		if err := wsjson.Read(c.rootCtx, conn, &m); err != nil {
			if c.isStopping() {
				return
			}
			obslog.L().Warn("stream_read_failed", zap.Error(err))
			c.lost(conn)
			return
		}
		c.dispatch(m)
	}
}

func (c *Client) dispatch(m Message) {
	if m.Type != "channel" {
		obslog.L().Debug("stream_frame_ignored", zap.String("type", m.Type))
		return
	}
	var body inboundChannelBody
	if err := json.Unmarshal(m.Body, &body); err != nil {
		obslog.L().Warn("stream_bad_channel_frame", zap.Error(err))
		return
	}
	c.mu.Lock()
	cn := c.conns[body.ID]
	c.mu.Unlock()
	if cn == nil {
		return
	}
	select {
	case cn.events <- Message{Type: body.Type, Body: body.Body}:
	case <-cn.done:
	case <-c.stopCh:
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
		}
		if !c.isCurrent(conn) {
			return
		}
		ctx, cancel := context.WithTimeout(c.rootCtx, pingTimeout)
		err := conn.Ping(ctx)
		cancel()
		if err == nil {
			failures = 0
			continue
		}
		failures++
		if failures >= 2 {
			// the read loop sees the close and reconnects
			_ = conn.Close(websocket.StatusGoingAway, "ping failure")
			return
		}
	}
}

func (c *Client) isCurrent(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == conn
}

func (c *Client) lost(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.state = StateReconnecting
	}
	c.mu.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, "reconnect")

	c.wg.Add(1)
	go c.reconnect()
}

func (c *Client) reconnect() {
	defer c.wg.Done()
	for attempt := 1; c.maxAttempts <= 0 || attempt <= c.maxAttempts; attempt++ {
		select {
		case <-c.stopCh:
			return
		case <-time.After(c.backoff(attempt)):
		}
		conn, err := c.dial(c.rootCtx)
		if err != nil {
			obslog.L().Warn("stream_reconnect_failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if c.isStopping() {
			_ = conn.Close(websocket.StatusNormalClosure, "close")
			return
		}
		c.attach(conn)
		obslog.L().Info("stream_reconnected", zap.Int("attempt", attempt))
		return
	}
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	obslog.L().Error("stream_reconnect_gave_up", zap.Int("attempts", c.maxAttempts))
}

func (c *Client) backoff(attempt int) time.Duration {
	attempt = min(max(attempt, 1), 6)
	return c.backoffBase << (attempt - 1)
}

func (c *Client) isStopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// Connect opens a channel connection. While the socket is down the
// connection is registered and announced on the next reconnect.
func (c *Client) Connect(ctx context.Context, channel string, params any) (*Connection, error) {
	cn := &Connection{
		c:       c,
		id:      uuid.NewString(),
		channel: channel,
		params:  params,
		events:  make(chan Message, eventBuffer),
		done:    make(chan struct{}),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil, ErrClosed
	}
	c.conns[cn.id] = cn
	if c.conn != nil && c.state == StateConnected {
		if err := c.write(ctx, c.conn, cn.connectFrame()); err != nil {
			obslog.L().Debug("stream_connect_deferred", zap.String("channel", channel), zap.Error(err))
		}
	}
	return cn, nil
}

// Close stops reconnecting, closes the socket, and waits for the loops.
func (c *Client) Close(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.state = StateClosed
		c.mu.Unlock()
		close(c.stopCh)
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "close")
		}
		c.rootCancel()
	})

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
