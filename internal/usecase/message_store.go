package usecase

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"petchat/internal/domain/entity"
	"petchat/internal/domain/repository"
	ws "petchat/internal/infrastructure/websocket"
	"petchat/pkg/errors"
	"petchat/pkg/utils"
)

var (
	ErrPetRequired    = stderrors.New("pet id is required")
	ErrNoConversation = stderrors.New("no conversation selected")
)

type sendInput struct {
	Content string `validate:"required,max=2000"`
}

type observer struct {
	fn func()
}

type StoreOption func(*MessageStore)

func WithHistoryTimeout(d time.Duration) StoreOption {
	return func(s *MessageStore) { s.historyTimeout = d }
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *MessageStore) { s.now = now }
}

func WithIDGenerator(fn func() string) StoreOption {
	return func(s *MessageStore) { s.newID = fn }
}

// MessageStore is the chat state of one session: conversation summaries, the
// selected conversation and its messages, the typing map and the unread
// counter. Every mutation goes through a method; observers and network side
// effects run after the lock is released.
type MessageStore struct {
	transport Transport
	session   SessionProvider
	history   repository.MessageRepository
	logger    *zap.Logger
	validate  *validator.Validate

	now            func() time.Time
	newID          func() string
	historyTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	currentUserID   string
	connState       entity.ConnectionState
	connecting      bool
	registered      bool
	conversations   []*entity.Conversation
	messages        []*entity.Message
	selectedUserID  string
	selectedPetID   string
	generation      uint64
	loadingMessages bool
	typing          map[string]map[string]bool
	unreadCount     int
	pageActive      bool
	unsubscribe     []func()
	closed          bool

	observersMu    sync.Mutex
	staleObservers []*observer
	changeObserver []*observer
}

func NewMessageStore(
	transport Transport,
	session SessionProvider,
	history repository.MessageRepository,
	logger *zap.Logger,
	opts ...StoreOption,
) *MessageStore {
	ctx, cancel := context.WithCancel(context.Background())
	s := &MessageStore{
		transport:      transport,
		session:        session,
		history:        history,
		logger:         logger.Named("store"),
		validate:       validator.New(),
		now:            utils.NowUTC,
		newID:          func() string { return uuid.New().String() },
		historyTimeout: 10 * time.Second,
		ctx:            ctx,
		cancel:         cancel,
		typing:         make(map[string]map[string]bool),
		connState:      transport.State(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.unsubscribe = append(s.unsubscribe, transport.OnConnectionChange(s.handleConnectionChange))
	return s
}

// Connect resolves the session user and opens the realtime connection. The
// inbound handlers are registered once for the lifetime of the store. A call
// while connected or connecting is a no-op.
func (s *MessageStore) Connect(ctx context.Context, token string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Internal("Message store is closed", nil)
	}
	if s.connecting || s.connState == entity.Connected || s.connState == entity.Connecting {
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	s.mu.Unlock()
	s.notifyChange()

	userID, err := s.session.CurrentUserID(ctx)
	if err != nil {
		s.finishConnect()
		s.logger.Error("cannot connect without a session user", zap.Error(err))
		return errors.Unauthorized("User not authenticated", err)
	}

	s.mu.Lock()
	s.currentUserID = userID
	register := !s.registered
	s.registered = true
	s.mu.Unlock()

	if register {
		unsubscribe := NewDispatcher(s, s.logger).Register(s.transport)
		s.mu.Lock()
		s.unsubscribe = append(s.unsubscribe, unsubscribe...)
		s.mu.Unlock()
	}

	err = s.transport.Connect(ctx, token, userID)
	s.finishConnect()
	if err != nil {
		s.logger.Error("failed to connect", zap.String("user_id", userID), zap.Error(err))
		return errors.ServiceUnavailable("Failed to connect to messaging service", err)
	}
	return nil
}

func (s *MessageStore) finishConnect() {
	s.mu.Lock()
	s.connecting = false
	s.mu.Unlock()
	s.notifyChange()
}

func (s *MessageStore) Disconnect() {
	s.transport.Disconnect()
}

func (s *MessageStore) handleConnectionChange(state entity.ConnectionState) {
	s.mu.Lock()
	s.connState = state
	s.mu.Unlock()
	s.notifyChange()
}

// Close tears the session down: disconnects, drops every registration and
// waits for in-flight history loads.
func (s *MessageStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	s.cancel()
	s.transport.Disconnect()
	for _, fn := range unsubscribe {
		fn()
	}
	s.wg.Wait()

	s.observersMu.Lock()
	s.staleObservers = nil
	s.changeObserver = nil
	s.observersMu.Unlock()
}

func (s *MessageStore) SetConversations(conversations []*entity.Conversation) {
	s.mu.Lock()
	s.conversations = cloneConversations(conversations)
	s.mu.Unlock()
	s.notifyChange()
}

func (s *MessageStore) SetMessages(messages []*entity.Message) {
	s.mu.Lock()
	s.messages = cloneMessages(messages)
	s.mu.Unlock()
	s.notifyChange()
}

func (s *MessageStore) SetUnreadCount(n int) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	s.unreadCount = n
	s.mu.Unlock()
	s.notifyChange()
}

// SelectConversation points the store at (otherUserID, petID), marks the
// conversation read and loads its history. A conversation without a pet
// cannot be selected.
func (s *MessageStore) SelectConversation(otherUserID, petID string) error {
	if otherUserID == "" || petID == "" {
		s.logger.Warn("cannot select conversation without a pet",
			zap.String("other_user_id", otherUserID), zap.String("pet_id", petID))
		return errors.BadRequest("A pet is required to open a conversation", ErrPetRequired)
	}

	s.mu.Lock()
	if s.selectedUserID == otherUserID && s.selectedPetID == petID {
		s.mu.Unlock()
		return s.MarkAsRead(otherUserID, petID)
	}
	s.generation++
	gen := s.generation
	s.selectedUserID = otherUserID
	s.selectedPetID = petID
	s.messages = nil
	s.loadingMessages = s.history != nil
	s.mu.Unlock()
	s.notifyChange()

	err := s.MarkAsRead(otherUserID, petID)

	if s.history != nil {
		s.goBackground(func() { s.loadHistory(gen, otherUserID, petID) })
	}
	return err
}

// goBackground runs fn on its own goroutine unless the store is closed.
func (s *MessageStore) goBackground(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *MessageStore) loadHistory(gen uint64, otherUserID, petID string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.historyTimeout)
	defer cancel()

	history, err := s.history.GetConversationAboutPet(ctx, otherUserID, petID)

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.logger.Debug("discarding stale history",
			zap.String("other_user_id", otherUserID), zap.String("pet_id", petID))
		return
	}
	s.loadingMessages = false
	if err == nil {
		s.messages = mergeHistory(history, s.messages)
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("failed to load conversation history",
			zap.String("other_user_id", otherUserID), zap.String("pet_id", petID), zap.Error(err))
	}
	s.notifyChange()
}

// mergeHistory keeps what arrived while the history was loading: realtime
// messages the history does not contain and unconfirmed optimistic inserts.
func mergeHistory(history, live []*entity.Message) []*entity.Message {
	merged := cloneMessages(history)
	known := make(map[string]bool, len(history))
	for _, m := range history {
		known[m.ID] = true
		if m.ClientMessageID != "" {
			known[m.ClientMessageID] = true
		}
	}
	for _, m := range live {
		if known[m.ID] || (m.ClientMessageID != "" && known[m.ClientMessageID]) {
			continue
		}
		merged = append(merged, m)
	}
	return merged
}

func (s *MessageStore) ClearCurrentConversation() {
	s.mu.Lock()
	s.generation++
	s.selectedUserID = ""
	s.selectedPetID = ""
	s.messages = nil
	s.loadingMessages = false
	s.mu.Unlock()
	s.notifyChange()
}

// AddMessage appends to the active message list. It does not deduplicate.
func (s *MessageStore) AddMessage(m *entity.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m.Clone())
	s.mu.Unlock()
	s.notifyChange()
}

// MarkAsRead sends a read receipt for the messages userID sent about petID.
func (s *MessageStore) MarkAsRead(userID, petID string) error {
	if petID == "" {
		s.logger.Warn("cannot mark as read without a pet", zap.String("user_id", userID))
		return errors.BadRequest("A pet is required to mark messages as read", ErrPetRequired)
	}

	err := s.transport.MarkPetMessagesAsRead(userID, petID)
	if err == nil {
		return nil
	}
	if s.history == nil {
		s.logger.Warn("failed to send read receipt", zap.String("user_id", userID), zap.Error(err))
		return nil
	}

	// fall back to the REST endpoint when the realtime channel is down
	s.logger.Debug("read receipt falls back to REST", zap.String("user_id", userID), zap.Error(err))
	s.goBackground(func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.historyTimeout)
		defer cancel()
		if err := s.history.MarkPetConversationAsRead(ctx, userID, petID); err != nil {
			s.logger.Warn("failed to mark conversation as read", zap.String("user_id", userID), zap.Error(err))
		}
	})
	return nil
}

// SetUserTyping records a remote typing signal. An empty petID is stored
// under entity.DefaultTypingKey.
func (s *MessageStore) SetUserTyping(userID, petID string, isTyping bool) {
	if userID == "" {
		s.logger.Warn("typing signal without user id")
		return
	}
	if petID == "" {
		petID = entity.DefaultTypingKey
	}

	s.mu.Lock()
	perPet, ok := s.typing[userID]
	if !ok {
		perPet = make(map[string]bool)
		s.typing[userID] = perPet
	}
	perPet[petID] = isTyping
	s.mu.Unlock()
	s.notifyChange()
}

// SendTypingStatus publishes our own typing state, scoped to the selected pet.
func (s *MessageStore) SendTypingStatus(receiverID string, isTyping bool) {
	s.mu.Lock()
	petID := s.selectedPetID
	s.mu.Unlock()

	var err error
	if isTyping {
		err = s.transport.SendTypingStatus(receiverID, petID)
	} else {
		err = s.transport.SendStoppedTyping(receiverID, petID)
	}
	if err != nil {
		s.logger.Debug("typing signal not sent", zap.Bool("typing", isTyping), zap.Error(err))
	}
}

// UpdatePetStatus rewrites every embedded snapshot of the pet.
func (s *MessageStore) UpdatePetStatus(petID string, status entity.PetStatus) {
	changed := 0

	s.mu.Lock()
	for i, c := range s.conversations {
		if c.Pet != nil && c.Pet.ID == petID {
			cp := c.Clone()
			cp.Pet.Status = status
			s.conversations[i] = cp
			changed++
		}
	}
	for i, m := range s.messages {
		if m.Pet != nil && m.Pet.ID == petID {
			cp := m.Clone()
			cp.Pet.Status = status
			s.messages[i] = cp
			changed++
		}
	}
	s.mu.Unlock()

	s.logger.Debug("pet status updated",
		zap.String("pet_id", petID), zap.String("status", string(status)), zap.Int("snapshots", changed))
	if changed > 0 {
		s.notifyChange()
	}
}

// SendMessage inserts an optimistic message into the selected conversation
// and publishes it. A failed publish is logged; the message stays pending.
func (s *MessageStore) SendMessage(content string) (*entity.Message, error) {
	content = strings.TrimSpace(content)
	if err := s.validate.Struct(sendInput{Content: content}); err != nil {
		return nil, errors.BadRequest("Message must be between 1 and 2000 characters", err)
	}

	s.mu.Lock()
	if s.selectedUserID == "" || s.selectedPetID == "" {
		s.mu.Unlock()
		s.logger.Warn("cannot send message without a selected conversation")
		return nil, errors.BadRequest("No conversation selected", ErrNoConversation)
	}

	clientID := s.newID()
	msg := &entity.Message{
		ID:              entity.TempIDPrefix + clientID,
		ClientMessageID: clientID,
		SenderID:        s.currentUserID,
		ReceiverID:      s.selectedUserID,
		Content:         content,
		PetID:           s.selectedPetID,
		SentAt:          s.now().UTC(),
	}
	s.fillSnapshotsLocked(msg)
	s.messages = append(s.messages, msg)
	out := msg.Clone()
	s.mu.Unlock()
	s.notifyChange()

	s.SendTypingStatus(msg.ReceiverID, false)

	err := s.transport.SendMessage(ws.SendMessagePayload{
		ReceiverID:      msg.ReceiverID,
		Content:         msg.Content,
		SentAt:          utils.FormatUTC(msg.SentAt),
		PetID:           msg.PetID,
		ShelterID:       msg.ShelterID,
		ClientMessageID: clientID,
	})
	if err != nil {
		s.logger.Error("failed to publish message",
			zap.String("client_message_id", clientID), zap.Error(err))
	}
	return out, nil
}

// fillSnapshotsLocked copies display snapshots for the selected conversation
// from the loaded messages or, failing that, the conversation summaries.
func (s *MessageStore) fillSnapshotsLocked(msg *entity.Message) {
	for _, m := range s.messages {
		if m.Pet != nil && msg.Pet == nil {
			pet := *m.Pet
			msg.Pet = &pet
		}
		if msg.ShelterID == "" && m.ShelterID != "" {
			msg.ShelterID = m.ShelterID
		}
		if msg.Receiver == nil {
			switch {
			case m.SenderID == msg.ReceiverID && m.Sender != nil:
				msg.Receiver = m.Sender
			case m.ReceiverID == msg.ReceiverID && m.Receiver != nil:
				msg.Receiver = m.Receiver
			}
		}
		if msg.Sender == nil {
			switch {
			case m.SenderID == msg.SenderID && m.Sender != nil:
				msg.Sender = m.Sender
			case m.ReceiverID == msg.SenderID && m.Receiver != nil:
				msg.Sender = m.Receiver
			}
		}
	}

	key := entity.ConversationKey{UserID: msg.ReceiverID, PetID: msg.PetID}
	for _, c := range s.conversations {
		if c.Key() != key {
			continue
		}
		if msg.Pet == nil && c.Pet != nil {
			pet := *c.Pet
			msg.Pet = &pet
		}
		if msg.Receiver == nil {
			msg.Receiver = c.OtherUser
		}
		if msg.ShelterID == "" {
			msg.ShelterID = c.ShelterID
		}
		break
	}
}

// receiveMessage routes an inbound message into the active list. It reports
// whether a read receipt should follow.
func (s *MessageStore) receiveMessage(msg *entity.Message) (routed, markRead bool) {
	s.mu.Lock()
	cur, curPet, me := s.selectedUserID, s.selectedPetID, s.currentUserID
	if cur == "" || !msg.Involves(cur) || (curPet != "" && msg.PetID != curPet) {
		s.mu.Unlock()
		return false, false
	}

	if msg.ID != "" && s.indexOfLocked(msg.ID) >= 0 {
		s.mu.Unlock()
		s.logger.Debug("ignoring duplicate message", zap.String("message_id", msg.ID))
		return false, false
	}

	if i := s.pendingMatchLocked(msg, me); i >= 0 {
		s.messages[i] = msg.Clone()
	} else {
		s.messages = append(s.messages, msg.Clone())
	}
	markRead = s.pageActive && msg.ReceiverID == me
	s.mu.Unlock()

	s.notifyChange()
	return true, markRead
}

func (s *MessageStore) indexOfLocked(id string) int {
	for i, m := range s.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// pendingMatchLocked finds the optimistic insert an echo confirms: by
// correlation id, or for echoes of our own messages without one, by
// receiver, pet and content.
func (s *MessageStore) pendingMatchLocked(msg *entity.Message, me string) int {
	if msg.ClientMessageID != "" {
		for i, m := range s.messages {
			if m.IsPending() && m.ClientMessageID == msg.ClientMessageID {
				return i
			}
		}
		return -1
	}
	if msg.SenderID != me {
		return -1
	}
	for i, m := range s.messages {
		if m.IsPending() && m.ReceiverID == msg.ReceiverID && m.PetID == msg.PetID && m.Content == msg.Content {
			return i
		}
	}
	return -1
}

// applyReadReceipt flips isRead on every message exchanged with userID,
// restricted to petID when given.
func (s *MessageStore) applyReadReceipt(userID, petID string) int {
	flipped := 0

	s.mu.Lock()
	for i, m := range s.messages {
		if m.IsRead || !m.Involves(userID) || (petID != "" && m.PetID != petID) {
			continue
		}
		cp := m.Clone()
		cp.IsRead = true
		s.messages[i] = cp
		flipped++
	}
	s.mu.Unlock()

	if flipped > 0 {
		s.notifyChange()
	}
	return flipped
}

func (s *MessageStore) SetMessagesPageActive(active bool) {
	s.mu.Lock()
	s.pageActive = active
	s.mu.Unlock()
	s.notifyChange()
}

func (s *MessageStore) MessagesPageActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageActive
}

// RefreshConversations tells every stale-observer that the summaries are out
// of date.
func (s *MessageStore) RefreshConversations() {
	s.observersMu.Lock()
	observers := append([]*observer(nil), s.staleObservers...)
	s.observersMu.Unlock()

	for _, o := range observers {
		o.fn()
	}
}

func (s *MessageStore) OnConversationsStale(fn func()) func() {
	return s.addObserver(&s.staleObservers, fn)
}

// OnChange registers fn to run after every state change.
func (s *MessageStore) OnChange(fn func()) func() {
	return s.addObserver(&s.changeObserver, fn)
}

func (s *MessageStore) addObserver(list *[]*observer, fn func()) func() {
	o := &observer{fn: fn}

	s.observersMu.Lock()
	*list = append(*list, o)
	s.observersMu.Unlock()

	return func() {
		s.observersMu.Lock()
		defer s.observersMu.Unlock()
		for i, e := range *list {
			if e == o {
				*list = append((*list)[:i:i], (*list)[i+1:]...)
				return
			}
		}
	}
}

func (s *MessageStore) notifyChange() {
	s.observersMu.Lock()
	observers := append([]*observer(nil), s.changeObserver...)
	s.observersMu.Unlock()

	for _, o := range observers {
		o.fn()
	}
}

func (s *MessageStore) Messages() []*entity.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.messages)
}

func (s *MessageStore) Conversations() []*entity.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneConversations(s.conversations)
}

// CurrentConversation returns the selection; ok is false when nothing is
// selected, which is not the same as an empty conversation.
func (s *MessageStore) CurrentConversation() (userID, petID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedUserID, s.selectedPetID, s.selectedUserID != ""
}

func (s *MessageStore) IsViewing(userID, petID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedUserID != "" && s.selectedUserID == userID && s.selectedPetID == petID
}

func (s *MessageStore) LoadingMessages() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadingMessages
}

func (s *MessageStore) TypingUsers() map[string]map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]map[string]bool, len(s.typing))
	for userID, perPet := range s.typing {
		cp := make(map[string]bool, len(perPet))
		for k, v := range perPet {
			cp[k] = v
		}
		out[userID] = cp
	}
	return out
}

func (s *MessageStore) IsUserTyping(userID, petID string) bool {
	if petID == "" {
		petID = entity.DefaultTypingKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing[userID][petID]
}

func (s *MessageStore) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadCount
}

func (s *MessageStore) ConnectionState() entity.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState
}

func (s *MessageStore) Connecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connecting || s.connState == entity.Connecting
}

func (s *MessageStore) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState == entity.Connected
}

func (s *MessageStore) CurrentUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentUserID
}

func cloneMessages(in []*entity.Message) []*entity.Message {
	out := make([]*entity.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

func cloneConversations(in []*entity.Conversation) []*entity.Conversation {
	out := make([]*entity.Conversation, len(in))
	for i, c := range in {
		out[i] = c.Clone()
	}
	return out
}
