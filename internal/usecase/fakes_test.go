package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"petchat/internal/domain/entity"
	ws "petchat/internal/infrastructure/websocket"
	"petchat/pkg/errors"
)

type published struct {
	destination string
	payload     interface{}
}

type registration struct {
	msgType ws.MessageType
	fn      ws.Handler
}

// fakeTransport delivers frames synchronously, like the real read loop.
type fakeTransport struct {
	mu           sync.Mutex
	state        entity.ConnectionState
	connects     int
	connectErr   error
	publishErr   error
	handlers     []*registration
	connHandlers []ws.ConnectionHandler
	sent         []published
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: entity.Disconnected}
}

func (f *fakeTransport) Connect(ctx context.Context, token, userID string) error {
	f.mu.Lock()
	f.connects++
	if f.connectErr != nil {
		err := f.connectErr
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()
	f.setState(entity.Connected)
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.setState(entity.Disconnected)
}

func (f *fakeTransport) setState(state entity.ConnectionState) {
	f.mu.Lock()
	f.state = state
	handlers := append([]ws.ConnectionHandler(nil), f.connHandlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(state)
	}
}

func (f *fakeTransport) IsConnected() bool {
	return f.State() == entity.Connected
}

func (f *fakeTransport) State() entity.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) record(destination string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.sent = append(f.sent, published{destination: destination, payload: payload})
	return nil
}

func (f *fakeTransport) SendMessage(p ws.SendMessagePayload) error {
	return f.record(ws.DestinationSendMessage, p)
}

func (f *fakeTransport) MarkAsRead(userID string) error {
	return f.record(ws.DestinationMarkRead, ws.MarkReadPayload{UserID: userID})
}

func (f *fakeTransport) MarkPetMessagesAsRead(userID, petID string) error {
	return f.record(ws.DestinationMarkPetRead, ws.MarkPetReadPayload{UserID: userID, PetID: petID})
}

func (f *fakeTransport) SendTypingStatus(receiverID, petID string) error {
	return f.record(ws.DestinationTyping, ws.TypingPayload{ReceiverID: receiverID, PetID: petID})
}

func (f *fakeTransport) SendStoppedTyping(receiverID, petID string) error {
	return f.record(ws.DestinationStopTyping, ws.TypingPayload{ReceiverID: receiverID, PetID: petID})
}

func (f *fakeTransport) OnMessage(t ws.MessageType, fn ws.Handler) func() {
	r := &registration{msgType: t, fn: fn}
	f.mu.Lock()
	f.handlers = append(f.handlers, r)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, e := range f.handlers {
			if e == r {
				f.handlers = append(f.handlers[:i:i], f.handlers[i+1:]...)
				return
			}
		}
	}
}

func (f *fakeTransport) OnConnectionChange(fn ws.ConnectionHandler) func() {
	f.mu.Lock()
	f.connHandlers = append(f.connHandlers, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeTransport) handlerCount(t ws.MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.handlers {
		if r.msgType == t {
			n++
		}
	}
	return n
}

func (f *fakeTransport) deliver(t *testing.T, msgType ws.MessageType, payload interface{}) {
	t.Helper()
	raw, ok := payload.(string)
	var data []byte
	if ok {
		data = []byte(raw)
	} else {
		var err error
		data, err = json.Marshal(payload)
		require.NoError(t, err)
	}

	f.mu.Lock()
	var handlers []ws.Handler
	for _, r := range f.handlers {
		if r.msgType == msgType {
			handlers = append(handlers, r.fn)
		}
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(json.RawMessage(data))
	}
}

func (f *fakeTransport) sentTo(destination string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.sent {
		if p.destination == destination {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeTransport) destinations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, p := range f.sent {
		out[i] = p.destination
	}
	return out
}

type historyKey struct {
	userID string
	petID  string
}

type fakeMessageRepo struct {
	mu            sync.Mutex
	conversations []*entity.Conversation
	unread        int
	listErr       error
	history       map[historyKey][]*entity.Message
	gates         map[historyKey]chan struct{}
	listCalls     int
	markReadCalls int
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{
		history: make(map[historyKey][]*entity.Message),
		gates:   make(map[historyKey]chan struct{}),
	}
}

// hold makes history loads for (userID, petID) block until the returned
// function is called.
func (r *fakeMessageRepo) hold(userID, petID string) func() {
	gate := make(chan struct{})
	r.mu.Lock()
	r.gates[historyKey{userID, petID}] = gate
	r.mu.Unlock()
	return func() { close(gate) }
}

func (r *fakeMessageRepo) ListConversations(ctx context.Context) ([]*entity.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	if r.listErr != nil {
		return nil, r.listErr
	}
	return cloneConversations(r.conversations), nil
}

func (r *fakeMessageRepo) ListUnreadConversations(ctx context.Context) ([]*entity.Conversation, error) {
	all, err := r.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	var unread []*entity.Conversation
	for _, c := range all {
		if c.HasUnread {
			unread = append(unread, c)
		}
	}
	return unread, nil
}

func (r *fakeMessageRepo) CountUnread(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread, nil
}

func (r *fakeMessageRepo) GetConversationAboutPet(ctx context.Context, userID, petID string) ([]*entity.Message, error) {
	key := historyKey{userID, petID}
	r.mu.Lock()
	gate := r.gates[key]
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneMessages(r.history[key]), nil
}

func (r *fakeMessageRepo) MarkPetConversationAsRead(ctx context.Context, userID, petID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markReadCalls++
	return nil
}

func (r *fakeMessageRepo) setHistory(userID, petID string, messages ...*entity.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history[historyKey{userID, petID}] = messages
}

type fakePetRepo struct {
	mu    sync.Mutex
	pets  map[string]*entity.Pet
	calls int
}

func (r *fakePetRepo) GetByID(ctx context.Context, petID string) (*entity.Pet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	pet, ok := r.pets[petID]
	if !ok {
		return nil, errors.NotFound("Pet", nil)
	}
	cp := *pet
	return &cp, nil
}

var testEpoch = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	store     *MessageStore
	transport *fakeTransport
	repo      *fakeMessageRepo
}

// newConnectedStore returns a store connected as u1 with token t1.
func newConnectedStore(t *testing.T) *testEnv {
	t.Helper()
	transport := newFakeTransport()
	repo := newFakeMessageRepo()

	ids := 0
	store := NewMessageStore(transport, StaticSession{UserID: "u1"}, repo, zap.NewNop(),
		WithClock(func() time.Time { return testEpoch }),
		WithIDGenerator(func() string {
			ids++
			return "c" + string(rune('0'+ids))
		}),
		WithHistoryTimeout(time.Second),
	)
	t.Cleanup(store.Close)

	require.NoError(t, store.Connect(context.Background(), "t1"))
	return &testEnv{store: store, transport: transport, repo: repo}
}

func (e *testEnv) selectAndWait(t *testing.T, userID, petID string) {
	t.Helper()
	require.NoError(t, e.store.SelectConversation(userID, petID))
	require.Eventually(t, func() bool { return !e.store.LoadingMessages() }, time.Second, time.Millisecond)
}
