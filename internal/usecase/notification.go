package usecase

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"petchat/internal/domain/entity"
	"petchat/internal/domain/repository"
	ws "petchat/internal/infrastructure/websocket"
	"petchat/pkg/errors"
)

// Toast is a transient alert for a message the user has not seen.
type Toast struct {
	ID           string               `json:"id"`
	Conversation *entity.Conversation `json:"conversation"`
	ShownAt      time.Time            `json:"shownAt"`
	ExpiresAt    time.Time            `json:"expiresAt"`

	notifier *Notifier
}

// View opens the conversation the toast is about.
func (t *Toast) View() error {
	return t.notifier.View(t.ID)
}

type NotifierOption func(*Notifier)

func WithToastTimeout(d time.Duration) NotifierOption {
	return func(n *Notifier) { n.toastTimeout = d }
}

func WithFetchTimeout(d time.Duration) NotifierOption {
	return func(n *Notifier) { n.fetchTimeout = d }
}

// Notifier drives the badge and the toast for new inbound messages. It
// listens to NEW_MESSAGE frames itself instead of reading the store's
// message list, so nothing the chat view already rendered is counted twice.
type Notifier struct {
	store    *MessageStore
	messages repository.MessageRepository
	pets     repository.PetRepository
	logger   *zap.Logger
	now      func() time.Time

	toastTimeout time.Duration
	fetchTimeout time.Duration

	mu        sync.Mutex
	panelOpen bool
	lastKnown time.Time
	current   *Toast
	timer     *time.Timer
	closed    bool
	wg        sync.WaitGroup

	observersMu      sync.Mutex
	toastObservers   []func(Toast)
	dismissObservers []func(Toast)
}

func NewNotifier(
	store *MessageStore,
	messages repository.MessageRepository,
	pets repository.PetRepository,
	logger *zap.Logger,
	opts ...NotifierOption,
) *Notifier {
	n := &Notifier{
		store:        store,
		messages:     messages,
		pets:         pets,
		logger:       logger.Named("notifier"),
		now:          time.Now,
		toastTimeout: 5 * time.Second,
		fetchTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Prime loads the unread counter and, when there is anything unread, the
// conversation summaries. Messages older than the newest summary never
// produce a toast.
func (n *Notifier) Prime(ctx context.Context) error {
	count, err := n.messages.CountUnread(ctx)
	if err != nil {
		return err
	}
	n.store.SetUnreadCount(count)
	if count == 0 {
		return nil
	}

	conversations, err := n.messages.ListConversations(ctx)
	if err != nil {
		return err
	}
	n.store.SetConversations(conversations)

	var latest time.Time
	for _, c := range conversations {
		if c.LastMessageAt.After(latest) {
			latest = c.LastMessageAt
		}
	}
	n.mu.Lock()
	if latest.After(n.lastKnown) {
		n.lastKnown = latest
	}
	n.mu.Unlock()
	return nil
}

// Start listens for new messages on t until the returned function is called.
func (n *Notifier) Start(t Transport) func() {
	return t.OnMessage(ws.MessageTypeNewMessage, n.handleNewMessage)
}

func (n *Notifier) handleNewMessage(payload json.RawMessage) {
	msg, err := decodeMessage(payload)
	if err != nil {
		n.logger.Debug("ignoring malformed message frame", zap.Error(err))
		return
	}
	if !n.shouldNotify(msg) {
		return
	}
	if msg.PetID == "" {
		n.logger.Warn("received message without a pet, not showing notification",
			zap.String("message_id", msg.ID), zap.String("sender_id", msg.SenderID))
		return
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.fetchTimeout)
		defer cancel()

		conversation, err := n.resolve(ctx, msg)
		if err != nil {
			n.logger.Warn("failed to resolve notification details",
				zap.String("message_id", msg.ID), zap.Error(err))
			return
		}
		if conversation == nil {
			n.logger.Debug("sender unknown, not showing notification", zap.String("sender_id", msg.SenderID))
			return
		}
		n.show(conversation)
	}()
}

// shouldNotify applies the cheap gates. The last known time only moves once
// a toast is actually shown.
func (n *Notifier) shouldNotify(msg *entity.Message) bool {
	me := n.store.CurrentUserID()
	if me == "" || msg.ReceiverID != me {
		return false
	}
	if n.store.IsViewing(msg.SenderID, msg.PetID) {
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.panelOpen || n.closed {
		return false
	}
	if !n.lastKnown.IsZero() && !msg.SentAt.After(n.lastKnown) {
		return false
	}
	return true
}

// resolve builds the conversation summary shown in the toast. The sender
// comes from the message, the cached summaries or a fresh list; the pet from
// the message or the pet endpoint. A nil result means the sender is unknown.
func (n *Notifier) resolve(ctx context.Context, msg *entity.Message) (*entity.Conversation, error) {
	sender := msg.Sender
	if sender == nil {
		sender = findOtherUser(n.store.Conversations(), msg.SenderID)
	}
	if sender == nil {
		conversations, err := n.messages.ListConversations(ctx)
		if err != nil {
			return nil, err
		}
		sender = findOtherUser(conversations, msg.SenderID)
	}
	if sender == nil {
		return nil, nil
	}

	pet := msg.Pet
	if pet == nil && n.pets != nil {
		p, err := n.pets.GetByID(ctx, msg.PetID)
		if err != nil {
			return nil, err
		}
		pet = p
	}

	return &entity.Conversation{
		OtherUserID:   msg.SenderID,
		OtherUser:     sender,
		LastMessage:   msg.Content,
		LastMessageAt: msg.SentAt,
		HasUnread:     true,
		UnreadCount:   1,
		PetID:         msg.PetID,
		Pet:           pet,
		ShelterID:     msg.ShelterID,
		Shelter:       msg.Shelter,
	}, nil
}

func findOtherUser(conversations []*entity.Conversation, userID string) *entity.User {
	for _, c := range conversations {
		if c.OtherUserID == userID && c.OtherUser != nil {
			return c.OtherUser
		}
	}
	return nil
}

// show replaces any visible toast with a new one that dismisses itself and
// advances the last known time.
func (n *Notifier) show(conversation *entity.Conversation) {
	now := n.now()
	toast := &Toast{
		ID:           uuid.New().String(),
		Conversation: conversation,
		ShownAt:      now,
		ExpiresAt:    now.Add(n.toastTimeout),
		notifier:     n,
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	// a newer message resolved first
	if !n.lastKnown.IsZero() && !conversation.LastMessageAt.After(n.lastKnown) {
		n.mu.Unlock()
		return
	}
	n.lastKnown = conversation.LastMessageAt
	previous := n.current
	if n.timer != nil {
		n.timer.Stop()
	}
	n.current = toast
	n.timer = time.AfterFunc(n.toastTimeout, func() { n.dismiss(toast.ID) })
	n.mu.Unlock()

	if previous != nil {
		n.emitDismiss(*previous)
	}
	n.logger.Info("new message notification",
		zap.String("sender_id", conversation.OtherUserID), zap.String("pet_id", conversation.PetID))
	n.emitToast(*toast)
}

func (n *Notifier) dismiss(id string) bool {
	n.mu.Lock()
	if n.current == nil || n.current.ID != id {
		n.mu.Unlock()
		return false
	}
	toast := n.current
	n.current = nil
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.mu.Unlock()

	n.emitDismiss(*toast)
	return true
}

// Dismiss hides the visible toast, if any.
func (n *Notifier) Dismiss() {
	if t, ok := n.CurrentToast(); ok {
		n.dismiss(t.ID)
	}
}

// View dismisses the toast and selects its conversation.
func (n *Notifier) View(id string) error {
	n.mu.Lock()
	toast := n.current
	n.mu.Unlock()
	if toast == nil || toast.ID != id {
		return errors.NotFound("Notification", nil)
	}

	n.dismiss(id)
	return n.Open(toast.Conversation.OtherUserID, toast.Conversation.PetID)
}

// Open closes the panel and selects the conversation, as clicking an entry
// of the unread list does.
func (n *Notifier) Open(otherUserID, petID string) error {
	n.SetPanelOpen(false)
	return n.store.SelectConversation(otherUserID, petID)
}

func (n *Notifier) CurrentToast() (Toast, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil {
		return Toast{}, false
	}
	return *n.current, true
}

// OpenPanel opens the unread list and refreshes it from the backend. A failed
// refresh leaves the cached summaries in place.
func (n *Notifier) OpenPanel(ctx context.Context) {
	n.SetPanelOpen(true)
	if err := n.RefreshUnread(ctx); err != nil {
		n.logger.Warn("failed to refresh unread conversations", zap.Error(err))
	}
}

// RefreshUnread merges the backend's unread list into the conversation
// summaries. Summaries missing from it are marked read.
func (n *Notifier) RefreshUnread(ctx context.Context) error {
	unread, err := n.messages.ListUnreadConversations(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[entity.ConversationKey]*entity.Conversation, len(unread))
	for _, c := range unread {
		fresh[c.Key()] = c
	}

	conversations := n.store.Conversations()
	for i, c := range conversations {
		if u, ok := fresh[c.Key()]; ok {
			conversations[i] = u
			delete(fresh, c.Key())
			continue
		}
		c.HasUnread = false
		c.UnreadCount = 0
	}
	for _, c := range unread {
		if _, ok := fresh[c.Key()]; ok {
			conversations = append(conversations, c)
		}
	}
	n.store.SetConversations(conversations)
	return nil
}

func (n *Notifier) SetPanelOpen(open bool) {
	n.mu.Lock()
	n.panelOpen = open
	n.mu.Unlock()
}

func (n *Notifier) PanelOpen() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.panelOpen
}

func (n *Notifier) Badge() int {
	return n.store.UnreadCount()
}

// BadgeLabel renders the badge the way the header shows it.
func (n *Notifier) BadgeLabel() string {
	count := n.Badge()
	switch {
	case count <= 0:
		return ""
	case count > 9:
		return "9+"
	default:
		return strconv.Itoa(count)
	}
}

func (n *Notifier) UnreadConversations() []*entity.Conversation {
	all := n.store.Conversations()
	unread := make([]*entity.Conversation, 0, len(all))
	for _, c := range all {
		if c.HasUnread {
			unread = append(unread, c)
		}
	}
	return unread
}

func (n *Notifier) OnToast(fn func(Toast)) {
	n.observersMu.Lock()
	n.toastObservers = append(n.toastObservers, fn)
	n.observersMu.Unlock()
}

func (n *Notifier) OnDismiss(fn func(Toast)) {
	n.observersMu.Lock()
	n.dismissObservers = append(n.dismissObservers, fn)
	n.observersMu.Unlock()
}

func (n *Notifier) emitToast(t Toast) {
	n.observersMu.Lock()
	observers := append(([]func(Toast))(nil), n.toastObservers...)
	n.observersMu.Unlock()
	for _, fn := range observers {
		fn(t)
	}
}

func (n *Notifier) emitDismiss(t Toast) {
	n.observersMu.Lock()
	observers := append(([]func(Toast))(nil), n.dismissObservers...)
	n.observersMu.Unlock()
	for _, fn := range observers {
		fn(t)
	}
}

// Close stops the toast timer and waits for pending lookups.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.current = nil
	n.mu.Unlock()

	n.wg.Wait()
}
