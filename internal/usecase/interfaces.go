package usecase

import (
	"context"
	"errors"

	"petchat/internal/domain/entity"
	ws "petchat/internal/infrastructure/websocket"
)

var ErrNoSession = errors.New("no authenticated session")

// Transport is the realtime connection the store publishes through and the
// dispatcher listens on. *websocket.Client satisfies it.
type Transport interface {
	Connect(ctx context.Context, token, userID string) error
	Disconnect()
	IsConnected() bool
	State() entity.ConnectionState

	SendMessage(payload ws.SendMessagePayload) error
	MarkAsRead(userID string) error
	MarkPetMessagesAsRead(userID, petID string) error
	SendTypingStatus(receiverID, petID string) error
	SendStoppedTyping(receiverID, petID string) error

	OnMessage(t ws.MessageType, fn ws.Handler) func()
	OnConnectionChange(fn ws.ConnectionHandler) func()
}

// SessionProvider resolves the user the session belongs to.
type SessionProvider interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// StaticSession is a SessionProvider for a session handed over by the host.
type StaticSession struct {
	UserID string
}

func (s StaticSession) CurrentUserID(ctx context.Context) (string, error) {
	if s.UserID == "" {
		return "", ErrNoSession
	}
	return s.UserID, nil
}
