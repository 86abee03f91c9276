package repository

import (
	"context"

	"petchat/internal/domain/entity"
)

// MessageRepository is the REST history backend. Conversations are listed
// from the current user's side; the user is implied by the bearer token.
type MessageRepository interface {
	ListConversations(ctx context.Context) ([]*entity.Conversation, error)
	ListUnreadConversations(ctx context.Context) ([]*entity.Conversation, error)
	CountUnread(ctx context.Context) (int, error)

	GetConversationAboutPet(ctx context.Context, userID, petID string) ([]*entity.Message, error)
	MarkPetConversationAsRead(ctx context.Context, userID, petID string) error
}

type PetRepository interface {
	GetByID(ctx context.Context, petID string) (*entity.Pet, error)
}
