package usecase

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// TypingIndicator debounces local keystrokes into typing / stopped-typing
// signals for the selected conversation. One typing signal is sent when the
// user starts, one stop signal after timeout of inactivity or when the input
// is cleared.
type TypingIndicator struct {
	store   *MessageStore
	timeout time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	typing   bool
	receiver string
	timer    *time.Timer
	gen      uint64
}

func NewTypingIndicator(store *MessageStore, timeout time.Duration, logger *zap.Logger) *TypingIndicator {
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	return &TypingIndicator{
		store:   store,
		timeout: timeout,
		logger:  logger.Named("typing"),
	}
}

// HandleMessageChange feeds the current content of the input box.
func (t *TypingIndicator) HandleMessageChange(text string) {
	receiver, _, ok := t.store.CurrentConversation()
	if !ok {
		t.logger.Warn("cannot send typing status without a selected conversation")
		return
	}

	t.mu.Lock()
	t.stopTimerLocked()

	if text == "" {
		wasTyping := t.typing
		previous := t.receiver
		t.typing = false
		t.mu.Unlock()
		if wasTyping {
			t.store.SendTypingStatus(previous, false)
		}
		return
	}

	started := !t.typing
	switched := t.typing && t.receiver != receiver
	previous := t.receiver
	t.typing = true
	t.receiver = receiver
	gen := t.gen
	t.timer = time.AfterFunc(t.timeout, func() { t.expire(gen) })
	t.mu.Unlock()

	if switched {
		t.store.SendTypingStatus(previous, false)
	}
	if started || switched {
		t.store.SendTypingStatus(receiver, true)
	}
}

func (t *TypingIndicator) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.timer = nil
	receiver := t.receiver
	t.mu.Unlock()

	t.store.SendTypingStatus(receiver, false)
}

func (t *TypingIndicator) IsTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// Reset forgets the typing state without sending anything. Use it after a
// send, which already carries its own stop signal.
func (t *TypingIndicator) Reset() {
	t.mu.Lock()
	t.stopTimerLocked()
	t.typing = false
	t.mu.Unlock()
}

// Stop ends an active typing state and tells the receiver.
func (t *TypingIndicator) Stop() {
	t.mu.Lock()
	t.stopTimerLocked()
	wasTyping := t.typing
	receiver := t.receiver
	t.typing = false
	t.mu.Unlock()

	if wasTyping {
		t.store.SendTypingStatus(receiver, false)
	}
}

// stopTimerLocked cancels the pending expiry; bumping gen also defuses a
// timer that already fired and is waiting for the lock.
func (t *TypingIndicator) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}
