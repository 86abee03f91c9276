package repository

import (
	"context"
	"net/url"

	"petchat/internal/domain/entity"
	"petchat/internal/domain/repository"
)

type restMessageRepository struct {
	client *RestClient
}

func NewRestMessageRepository(client *RestClient) repository.MessageRepository {
	return &restMessageRepository{client: client}
}

func (r *restMessageRepository) ListConversations(ctx context.Context) ([]*entity.Conversation, error) {
	var conversations []*entity.Conversation
	if err := r.client.get(ctx, "/messages/conversations", "Conversations", &conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

func (r *restMessageRepository) ListUnreadConversations(ctx context.Context) ([]*entity.Conversation, error) {
	var conversations []*entity.Conversation
	if err := r.client.get(ctx, "/messages/conversations/unread", "Conversations", &conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

func (r *restMessageRepository) CountUnread(ctx context.Context) (int, error) {
	var count int
	if err := r.client.get(ctx, "/messages/unread/count", "Unread count", &count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *restMessageRepository) GetConversationAboutPet(ctx context.Context, userID, petID string) ([]*entity.Message, error) {
	var messages []*entity.Message
	if err := r.client.get(ctx, petConversationPath(userID, petID), "Conversation", &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *restMessageRepository) MarkPetConversationAsRead(ctx context.Context, userID, petID string) error {
	return r.client.put(ctx, petConversationPath(userID, petID)+"/read", "Conversation")
}

func petConversationPath(userID, petID string) string {
	return "/messages/conversations/" + url.PathEscape(userID) + "/pets/" + url.PathEscape(petID)
}
