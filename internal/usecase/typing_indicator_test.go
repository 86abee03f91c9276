package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	ws "petchat/internal/infrastructure/websocket"
)

const typingTimeout = 30 * time.Millisecond

func TestTypingDebounceSendsOneStop(t *testing.T) {
	env := newConnectedStore(t)
	env.selectAndWait(t, "u2", "p1")
	indicator := NewTypingIndicator(env.store, typingTimeout, zap.NewNop())

	indicator.HandleMessageChange("h")
	indicator.HandleMessageChange("he")
	indicator.HandleMessageChange("hel")

	typing := env.transport.sentTo(ws.DestinationTyping)
	require.Len(t, typing, 1)
	assert.Equal(t, ws.TypingPayload{ReceiverID: "u2", PetID: "p1"}, typing[0].payload)
	assert.True(t, indicator.IsTyping())

	require.Eventually(t, func() bool { return !indicator.IsTyping() }, time.Second, time.Millisecond)
	time.Sleep(3 * typingTimeout)

	stops := env.transport.sentTo(ws.DestinationStopTyping)
	require.Len(t, stops, 1)
	assert.Equal(t, ws.TypingPayload{ReceiverID: "u2", PetID: "p1"}, stops[0].payload)
}

func TestTypingClearedInputStopsImmediately(t *testing.T) {
	env := newConnectedStore(t)
	env.selectAndWait(t, "u2", "p1")
	indicator := NewTypingIndicator(env.store, time.Hour, zap.NewNop())

	indicator.HandleMessageChange("")
	assert.Empty(t, env.transport.sentTo(ws.DestinationStopTyping))

	indicator.HandleMessageChange("hi")
	indicator.HandleMessageChange("")
	indicator.HandleMessageChange("")

	assert.Len(t, env.transport.sentTo(ws.DestinationTyping), 1)
	assert.Len(t, env.transport.sentTo(ws.DestinationStopTyping), 1)
	assert.False(t, indicator.IsTyping())
}

func TestTypingResetAndStop(t *testing.T) {
	env := newConnectedStore(t)
	env.selectAndWait(t, "u2", "p1")
	indicator := NewTypingIndicator(env.store, typingTimeout, zap.NewNop())

	indicator.HandleMessageChange("hi")
	indicator.Reset()
	time.Sleep(3 * typingTimeout)
	assert.Empty(t, env.transport.sentTo(ws.DestinationStopTyping))

	indicator.HandleMessageChange("again")
	indicator.Stop()
	indicator.Stop()
	assert.Len(t, env.transport.sentTo(ws.DestinationTyping), 2)
	assert.Len(t, env.transport.sentTo(ws.DestinationStopTyping), 1)
}

func TestTypingWithoutSelection(t *testing.T) {
	env := newConnectedStore(t)
	indicator := NewTypingIndicator(env.store, typingTimeout, zap.NewNop())

	indicator.HandleMessageChange("hi")

	assert.False(t, indicator.IsTyping())
	assert.Empty(t, env.transport.sentTo(ws.DestinationTyping))
}
