package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"petchat/internal/domain/entity"
)

// fakeBroker speaks just enough STOMP over websocket to drive the client.
type fakeBroker struct {
	server   *httptest.Server
	upgrader gorillaws.Upgrader

	reject   atomic.Bool
	refuse   atomic.Bool
	connects atomic.Int32

	mu         sync.Mutex
	conns      []*gorillaws.Conn
	authHeader string

	frames chan *frame.Frame
}

func newFakeBroker(t *testing.T) *fakeBroker {
	b := &fakeBroker{frames: make(chan *frame.Frame, 64)}
	b.server = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(func() {
		b.dropAll()
		b.server.Close()
	})
	return b
}

func (b *fakeBroker) url() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

func (b *fakeBroker) serve(w http.ResponseWriter, r *http.Request) {
	if b.reject.Load() {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var connect *frame.Frame
	for connect == nil {
		if connect, err = readFrame(conn); err != nil {
			conn.Close()
			return
		}
	}

	b.mu.Lock()
	b.authHeader = r.Header.Get("Authorization")
	if b.refuse.Load() {
		writeFrame(conn, frame.New(frame.ERROR, frame.Message, "bad credentials"))
		b.mu.Unlock()
		conn.Close()
		return
	}
	writeFrame(conn, frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, "0,0"))
	b.conns = append(b.conns, conn)
	b.mu.Unlock()
	b.connects.Add(1)

	b.frames <- connect
	for {
		f, err := readFrame(conn)
		if err != nil {
			return
		}
		if f != nil {
			b.frames <- f
		}
	}
}

func (b *fakeBroker) push(t *testing.T, msgType MessageType, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	body, err := json.Marshal(Envelope{Type: msgType, Payload: raw})
	require.NoError(t, err)
	b.pushRaw(t, body)
}

func (b *fakeBroker) pushRaw(t *testing.T, body []byte) {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.conns)

	f := frame.New(frame.MESSAGE,
		frame.Destination, "/user/u1/queue/messages",
		frame.Subscription, "sub-0",
	)
	f.Body = body
	require.NoError(t, writeFrame(b.conns[len(b.conns)-1], f))
}

func (b *fakeBroker) dropAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.Close()
	}
	b.conns = nil
}

// next returns the next non-CONNECT frame the broker received.
func (b *fakeBroker) next(t *testing.T) *frame.Frame {
	t.Helper()
	for {
		select {
		case f := <-b.frames:
			if f.Command == frame.CONNECT {
				continue
			}
			return f
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame")
			return nil
		}
	}
}

func newTestClient(t *testing.T, b *fakeBroker) *Client {
	c := NewClient(Config{
		URL:                  b.url(),
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectDelay:    20 * time.Millisecond,
		MaxReconnectAttempts: 3,
		HeartbeatInterval:    time.Second,
		HandshakeTimeout:     time.Second,
	}, zap.NewNop())
	t.Cleanup(c.Disconnect)
	return c
}

func TestConnectSubscribesOnce(t *testing.T) {
	b := newFakeBroker(t)
	c := newTestClient(t, b)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Connect(context.Background(), "tok", "u1"))
		}()
	}
	wg.Wait()

	sub := b.next(t)
	assert.Equal(t, frame.SUBSCRIBE, sub.Command)
	assert.Equal(t, "/user/u1/queue/messages", sub.Header.Get(frame.Destination))

	require.NoError(t, c.Connect(context.Background(), "tok", "u1"))
	assert.Equal(t, int32(1), b.connects.Load())
	assert.True(t, c.IsConnected())

	b.mu.Lock()
	assert.Equal(t, "Bearer tok", b.authHeader)
	b.mu.Unlock()
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	b := newFakeBroker(t)
	c := newTestClient(t, b)

	var mu sync.Mutex
	var calls []string
	record := func(name string) Handler {
		return func(json.RawMessage) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
		}
	}

	c.OnMessage(MessageTypeNewMessage, record("first"))
	unsubscribe := c.OnMessage(MessageTypeNewMessage, record("second"))
	c.OnMessage(MessageTypeReadReceipt, record("receipt"))

	require.NoError(t, c.Connect(context.Background(), "tok", "u1"))
	b.next(t)

	b.pushRaw(t, []byte(`not json`))
	b.pushRaw(t, []byte(`{"type":"SOMETHING_ELSE","payload":{}}`))
	b.push(t, MessageTypeNewMessage, map[string]string{"id": "m1"})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	}, time.Second, 5*time.Millisecond)

	unsubscribe()
	unsubscribe()
	b.push(t, MessageTypeNewMessage, map[string]string{"id": "m2"})
	b.push(t, MessageTypeReadReceipt, map[string]string{"userId": "u2"})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"first", "second", "first", "receipt"}, calls)
	mu.Unlock()
}

func TestHandlerPanicDoesNotStopDispatch(t *testing.T) {
	b := newFakeBroker(t)
	c := newTestClient(t, b)

	var got atomic.Int32
	c.OnMessage(MessageTypePetStatusUpdate, func(json.RawMessage) { panic("boom") })
	c.OnMessage(MessageTypePetStatusUpdate, func(json.RawMessage) { got.Add(1) })

	require.NoError(t, c.Connect(context.Background(), "tok", "u1"))
	b.next(t)

	b.push(t, MessageTypePetStatusUpdate, PetStatusUpdatePayload{PetID: "p1", Status: "ADOPTED"})
	assert.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, c.IsConnected())
}

func TestPublishFrames(t *testing.T) {
	b := newFakeBroker(t)
	c := newTestClient(t, b)
	require.NoError(t, c.Connect(context.Background(), "tok", "u1"))
	b.next(t)

	require.NoError(t, c.SendMessage(SendMessagePayload{
		ReceiverID:      "u2",
		Content:         "hello",
		PetID:           "p1",
		ClientMessageID: "c-1",
	}))

	f := b.next(t)
	assert.Equal(t, frame.SEND, f.Command)
	assert.Equal(t, DestinationSendMessage, f.Header.Get(frame.Destination))
	assert.Equal(t, "Bearer tok", f.Header.Get(authorizationHeader))

	var sent SendMessagePayload
	require.NoError(t, json.Unmarshal(f.Body, &sent))
	assert.Equal(t, "u2", sent.ReceiverID)
	assert.Equal(t, "hello", sent.Content)
	assert.Equal(t, "p1", sent.PetID)
	assert.NotEmpty(t, sent.SentAt)

	require.NoError(t, c.MarkPetMessagesAsRead("u2", "p1"))
	f = b.next(t)
	assert.Equal(t, DestinationMarkPetRead, f.Header.Get(frame.Destination))
	assert.JSONEq(t, `{"userId":"u2","petId":"p1"}`, string(f.Body))

	require.NoError(t, c.SendStoppedTyping("u2", "p1"))
	f = b.next(t)
	assert.Equal(t, DestinationStopTyping, f.Header.Get(frame.Destination))
	assert.JSONEq(t, `{"receiverId":"u2","senderId":"u1","petId":"p1"}`, string(f.Body))

	assert.ErrorIs(t, c.MarkPetMessagesAsRead("u2", ""), ErrPetRequired)
}

func TestPublishWithoutConnection(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1"}, zap.NewNop())

	assert.ErrorIs(t, c.MarkAsRead("u2"), ErrNotConnected)
	assert.ErrorIs(t, c.SendTypingStatus("u2", "p1"), ErrNotConnected)
	assert.Equal(t, entity.Disconnected, c.State())
}

func TestHandshakeFailures(t *testing.T) {
	t.Run("upgrade rejected", func(t *testing.T) {
		b := newFakeBroker(t)
		b.reject.Store(true)
		c := newTestClient(t, b)

		err := c.Connect(context.Background(), "tok", "u1")
		assert.ErrorIs(t, err, ErrHandshake)
		assert.Equal(t, entity.Disconnected, c.State())
	})

	t.Run("broker error frame", func(t *testing.T) {
		b := newFakeBroker(t)
		b.refuse.Store(true)
		c := newTestClient(t, b)

		err := c.Connect(context.Background(), "tok", "u1")
		assert.ErrorIs(t, err, ErrHandshake)
		assert.Contains(t, err.Error(), "bad credentials")
		assert.False(t, c.IsConnected())
	})
}

func TestReconnectAfterUnexpectedClose(t *testing.T) {
	b := newFakeBroker(t)
	c := newTestClient(t, b)

	var mu sync.Mutex
	var states []entity.ConnectionState
	c.OnConnectionChange(func(s entity.ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background(), "tok", "u1"))
	b.next(t)

	b.dropAll()

	sub := b.next(t)
	assert.Equal(t, frame.SUBSCRIBE, sub.Command)
	assert.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), b.connects.Load())

	mu.Lock()
	assert.Equal(t, []entity.ConnectionState{
		entity.Connecting, entity.Connected, entity.Connecting, entity.Connected,
	}, states)
	mu.Unlock()
}

func TestReconnectYieldsToExplicitConnect(t *testing.T) {
	b := newFakeBroker(t)
	c := newTestClient(t, b)

	// a manual attempt is already dialing when the dropped session schedules
	// its reconnect
	p := &attempt{done: make(chan struct{})}
	c.mu.Lock()
	c.pending = p
	c.token, c.userID = "tok", "u1"
	c.mu.Unlock()

	c.startReconnect()

	c.mu.Lock()
	assert.Nil(t, c.reconnectCancel)
	c.pending = nil
	c.mu.Unlock()
	close(p.done)
	assert.Equal(t, entity.Disconnected, c.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), b.connects.Load())
}

func TestConnectKeepsLiveSession(t *testing.T) {
	b := newFakeBroker(t)
	c := newTestClient(t, b)

	require.NoError(t, c.Connect(context.Background(), "tok", "u1"))
	b.next(t)

	// a reconnected session is installed before its state is published
	c.setState(entity.Connecting)
	require.NoError(t, c.Connect(context.Background(), "tok", "u1"))
	c.startReconnect()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), b.connects.Load())
	c.mu.Lock()
	assert.Nil(t, c.reconnectCancel)
	c.mu.Unlock()
}

func TestOfflineAfterReconnectGivesUp(t *testing.T) {
	b := newFakeBroker(t)
	c := newTestClient(t, b)

	require.NoError(t, c.Connect(context.Background(), "tok", "u1"))
	b.next(t)

	b.reject.Store(true)
	b.dropAll()

	assert.Eventually(t, func() bool {
		return c.State() == entity.Offline
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, c.MarkAsRead("u2"), ErrNotConnected)

	// an explicit connect starts over
	b.reject.Store(false)
	require.NoError(t, c.Connect(context.Background(), "tok", "u1"))
	assert.True(t, c.IsConnected())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	b := newFakeBroker(t)
	c := newTestClient(t, b)

	require.NoError(t, c.Connect(context.Background(), "tok", "u1"))
	b.next(t)

	c.Disconnect()
	assert.Equal(t, frame.DISCONNECT, b.next(t).Command)
	c.Disconnect()

	assert.Equal(t, entity.Disconnected, c.State())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), b.connects.Load())
}
