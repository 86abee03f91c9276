package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-stomp/stomp/v3/frame"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"petchat/internal/domain/entity"
	"petchat/internal/infrastructure/ratelimit"
	"petchat/pkg/metrics"
	"petchat/pkg/utils"
)

var (
	ErrNotConnected   = errors.New("websocket not connected")
	ErrHandshake      = errors.New("stomp handshake failed")
	ErrSendBufferFull = errors.New("send buffer full")
	ErrPetRequired    = errors.New("pet id is required")
	ErrClosed         = errors.New("client disconnected")
)

type Config struct {
	URL                  string
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	SendBufferSize       int
}

func (c *Config) withDefaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = c.ReconnectDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 4 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = 256
	}
}

// Handler receives the raw payload of one inbound frame.
type Handler func(payload json.RawMessage)

// ConnectionHandler observes connection state transitions.
type ConnectionHandler func(state entity.ConnectionState)

type handlerEntry struct {
	fn Handler
}

type connHandlerEntry struct {
	fn ConnectionHandler
}

type attempt struct {
	done chan struct{}
	err  error
}

type Option func(*Client)

func WithDialer(d *gorillaws.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func WithRateLimiter(rl *ratelimit.RateLimiter) Option {
	return func(c *Client) { c.limiter = rl }
}

// Client owns the single realtime connection of a session. Inbound frames
// are decoded from the {type, payload} envelope and handed to registered
// handlers in registration order on the read goroutine.
type Client struct {
	cfg     Config
	logger  *zap.Logger
	dialer  *gorillaws.Dialer
	limiter *ratelimit.RateLimiter

	mu              sync.Mutex
	state           entity.ConnectionState
	token           string
	userID          string
	session         *session
	pending         *attempt
	closed          bool
	reconnectCancel context.CancelFunc

	handlersMu   sync.RWMutex
	handlers     map[MessageType][]*handlerEntry
	connHandlers []*connHandlerEntry
}

func NewClient(cfg Config, logger *zap.Logger, opts ...Option) *Client {
	cfg.withDefaults()
	c := &Client{
		cfg:      cfg,
		logger:   logger.Named("ws"),
		handlers: make(map[MessageType][]*handlerEntry),
		state:    entity.Disconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = &gorillaws.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}
	if c.limiter == nil {
		c.limiter = ratelimit.NewRateLimiter()
	}
	return c
}

// Connect opens the connection and subscribes to the user's queue. It is a
// no-op while a session is live, and concurrent callers share one attempt.
func (c *Client) Connect(ctx context.Context, token, userID string) error {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return nil
	}
	if p := c.pending; p != nil {
		c.mu.Unlock()
		select {
		case <-p.done:
			return p.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		c.reconnectCancel = nil
	}
	p := &attempt{done: make(chan struct{})}
	c.pending = p
	c.token, c.userID = token, userID
	c.closed = false
	c.mu.Unlock()

	c.setState(entity.Connecting)
	s, err := c.dial(ctx, token, userID)

	c.mu.Lock()
	c.pending = nil
	if err == nil {
		if c.closed {
			s.close()
			err = ErrClosed
		} else {
			c.session = s
		}
	}
	c.mu.Unlock()

	p.err = err
	close(p.done)

	if err != nil {
		c.logger.Warn("connect failed", zap.String("user_id", userID), zap.Error(err))
		if !errors.Is(err, ErrClosed) {
			c.setState(entity.Disconnected)
		}
		return err
	}

	c.logger.Info("connected", zap.String("user_id", userID))
	c.setState(entity.Connected)
	go c.run(s)
	return nil
}

// Disconnect closes the connection and stops any reconnection. Safe to call
// repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	s := c.session
	c.session = nil
	cancel := c.reconnectCancel
	c.reconnectCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s != nil {
		s.shutdown(c.cfg.WriteTimeout)
		c.logger.Info("disconnected")
	}
	c.setState(entity.Disconnected)
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == entity.Connected && c.session != nil
}

func (c *Client) State() entity.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnMessage registers fn for frames of type t. The returned function removes
// the registration and may be called more than once.
func (c *Client) OnMessage(t MessageType, fn Handler) func() {
	entry := &handlerEntry{fn: fn}

	c.handlersMu.Lock()
	c.handlers[t] = append(c.handlers[t], entry)
	c.handlersMu.Unlock()

	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		list := c.handlers[t]
		for i, e := range list {
			if e == entry {
				c.handlers[t] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

func (c *Client) OnConnectionChange(fn ConnectionHandler) func() {
	entry := &connHandlerEntry{fn: fn}

	c.handlersMu.Lock()
	c.connHandlers = append(c.connHandlers, entry)
	c.handlersMu.Unlock()

	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		for i, e := range c.connHandlers {
			if e == entry {
				c.connHandlers = append(c.connHandlers[:i:i], c.connHandlers[i+1:]...)
				return
			}
		}
	}
}

func (c *Client) SendMessage(p SendMessagePayload) error {
	if p.SentAt == "" {
		p.SentAt = utils.FormatUTC(time.Time{})
	}
	return c.publish(DestinationSendMessage, p)
}

func (c *Client) MarkAsRead(userID string) error {
	return c.publish(DestinationMarkRead, MarkReadPayload{UserID: userID})
}

func (c *Client) MarkPetMessagesAsRead(userID, petID string) error {
	if petID == "" {
		return ErrPetRequired
	}
	return c.publish(DestinationMarkPetRead, MarkPetReadPayload{UserID: userID, PetID: petID})
}

// SendTypingStatus is throttled per receiver; throttled signals are dropped.
func (c *Client) SendTypingStatus(receiverID, petID string) error {
	if ok, wait := c.limiter.Allow(receiverID, ratelimit.ActionTyping); !ok {
		metrics.FramesDropped.WithLabelValues("rate_limited").Inc()
		c.logger.Debug("typing signal throttled",
			zap.String("receiver_id", receiverID), zap.Duration("retry_in", wait))
		return nil
	}
	return c.publish(DestinationTyping, TypingPayload{
		ReceiverID: receiverID,
		SenderID:   c.currentUserID(),
		PetID:      petID,
	})
}

func (c *Client) SendStoppedTyping(receiverID, petID string) error {
	return c.publish(DestinationStopTyping, TypingPayload{
		ReceiverID: receiverID,
		SenderID:   c.currentUserID(),
		PetID:      petID,
	})
}

func (c *Client) currentUserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) publish(destination string, payload any) error {
	c.mu.Lock()
	s, token, state := c.session, c.token, c.state
	c.mu.Unlock()

	if s == nil || state != entity.Connected {
		metrics.FramesDropped.WithLabelValues("not_connected").Inc()
		return ErrNotConnected
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", destination, err)
	}

	select {
	case s.out <- newSendFrame(destination, token, body):
		metrics.FramesSent.WithLabelValues(destination).Inc()
		return nil
	case <-s.done:
		metrics.FramesDropped.WithLabelValues("not_connected").Inc()
		return ErrNotConnected
	default:
		metrics.FramesDropped.WithLabelValues("buffer_full").Inc()
		return ErrSendBufferFull
	}
}

func (c *Client) dial(ctx context.Context, token, userID string) (*session, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set(authorizationHeader, "Bearer "+token)

	conn, resp, err := c.dialer.DialContext(dctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: upgrade rejected with status %d", ErrHandshake, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	conn.SetReadLimit(maxFrameSize)

	deadline, _ := dctx.Deadline()
	host := ""
	if u, err := url.Parse(c.cfg.URL); err == nil {
		host = u.Hostname()
	}

	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2",
		frame.Host, host,
		frame.HeartBeat, heartbeatHeader(c.cfg.HeartbeatInterval),
		authorizationHeader, "Bearer "+token,
	)
	conn.SetWriteDeadline(deadline)
	if err := writeFrame(conn, connect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: send CONNECT: %v", ErrHandshake, err)
	}

	conn.SetReadDeadline(deadline)
	var reply *frame.Frame
	for reply == nil {
		reply, err = readFrame(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: read CONNECTED: %v", ErrHandshake, err)
		}
	}

	switch reply.Command {
	case frame.CONNECTED:
	case frame.ERROR:
		conn.Close()
		return nil, fmt.Errorf("%w: broker refused: %s", ErrHandshake, reply.Header.Get(frame.Message))
	default:
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected %s frame", ErrHandshake, reply.Command)
	}

	subscribe := frame.New(frame.SUBSCRIBE,
		frame.Id, "sub-0",
		frame.Destination, userQueue(userID),
		frame.Ack, "auto",
	)
	if err := writeFrame(conn, subscribe); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: subscribe: %v", ErrHandshake, err)
	}

	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	readTimeout := negotiateHeartbeat(reply.Header.Get(frame.HeartBeat), c.cfg.HeartbeatInterval)
	return newSession(conn, c.cfg.SendBufferSize, readTimeout), nil
}

// run pumps one session until it ends, then schedules a reconnect unless the
// close was requested.
func (c *Client) run(s *session) {
	go c.writePump(s)
	err := c.readPump(s)
	s.close()

	c.mu.Lock()
	current := c.session == s
	if current {
		c.session = nil
	}
	closed := c.closed
	c.mu.Unlock()

	if closed || !current {
		return
	}

	c.logger.Warn("connection lost", zap.Error(err))
	c.startReconnect()
}

func (c *Client) readPump(s *session) error {
	for {
		if s.readTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}
		f, err := readFrame(s.conn)
		if err != nil {
			return err
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.MESSAGE:
			c.dispatch(f.Body)
		case frame.ERROR:
			return fmt.Errorf("broker error: %s", f.Header.Get(frame.Message))
		case frame.RECEIPT:
			c.logger.Debug("receipt", zap.String("receipt_id", f.Header.Get(frame.ReceiptId)))
		default:
			c.logger.Debug("ignoring frame", zap.String("command", f.Command))
		}
	}
}

func (c *Client) writePump(s *session) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-s.out:
			if err := s.write(f, c.cfg.WriteTimeout); err != nil {
				c.logger.Warn("write failed", zap.Error(err))
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.write(nil, c.cfg.WriteTimeout); err != nil {
				c.logger.Debug("heartbeat failed", zap.Error(err))
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (c *Client) dispatch(body []byte) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		c.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}
	if !env.Type.Valid() {
		metrics.FramesDropped.WithLabelValues("unknown_type").Inc()
		c.logger.Warn("dropping frame of unknown type", zap.String("type", string(env.Type)))
		return
	}
	metrics.FramesReceived.WithLabelValues(string(env.Type)).Inc()

	c.handlersMu.RLock()
	handlers := append([]*handlerEntry(nil), c.handlers[env.Type]...)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		c.invoke(env.Type, h.fn, env.Payload)
	}
}

func (c *Client) invoke(t MessageType, fn Handler, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", zap.String("type", string(t)), zap.Any("panic", r))
		}
	}()
	fn(payload)
}

func (c *Client) startReconnect() {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	// an explicit Connect that slipped in after the session dropped wins
	if c.closed || c.reconnectCancel != nil || c.pending != nil || c.session != nil {
		c.mu.Unlock()
		cancel()
		return
	}
	c.reconnectCancel = cancel
	token, userID := c.token, c.userID
	c.mu.Unlock()

	c.setState(entity.Connecting)
	go c.reconnect(ctx, token, userID)
}

func (c *Client) reconnect(ctx context.Context, token, userID string) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectDelay
	b.MaxInterval = c.cfg.MaxReconnectDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithMaxRetries(b, uint64(c.cfg.MaxReconnectAttempts))
	policy.Reset()

	for n := 1; ; n++ {
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		metrics.ReconnectAttempts.Inc()
		c.logger.Info("reconnecting", zap.Int("attempt", n), zap.Duration("after", wait))

		s, err := c.dial(ctx, token, userID)
		if err != nil {
			c.logger.Warn("reconnect attempt failed", zap.Int("attempt", n), zap.Error(err))
			continue
		}

		c.mu.Lock()
		if c.closed || ctx.Err() != nil {
			c.mu.Unlock()
			s.close()
			return
		}
		c.session = s
		c.reconnectCancel = nil
		c.mu.Unlock()

		c.logger.Info("reconnected", zap.Int("attempt", n))
		c.setState(entity.Connected)
		go c.run(s)
		return
	}

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.reconnectCancel = nil
	c.mu.Unlock()

	c.logger.Error("giving up on reconnect", zap.Int("attempts", c.cfg.MaxReconnectAttempts))
	c.setState(entity.Offline)
}

func (c *Client) setState(state entity.ConnectionState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	metrics.ConnectionState.Set(float64(state))

	c.handlersMu.RLock()
	handlers := append([]*connHandlerEntry(nil), c.connHandlers...)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		h.fn(state)
	}
}
