package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"petchat/internal/domain/entity"
	"petchat/internal/domain/repository"
)

// ConversationSync reloads the unread counter and the conversation summaries
// from the REST backend whenever the store reports them stale.
type ConversationSync struct {
	store   *MessageStore
	repo    repository.MessageRepository
	timeout time.Duration
	logger  *zap.Logger

	group singleflight.Group
}

func NewConversationSync(store *MessageStore, repo repository.MessageRepository, timeout time.Duration, logger *zap.Logger) *ConversationSync {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ConversationSync{
		store:   store,
		repo:    repo,
		timeout: timeout,
		logger:  logger.Named("sync"),
	}
}

// Sync fetches both resources concurrently. Callers that arrive while a sync
// is in flight share its result.
func (cs *ConversationSync) Sync(ctx context.Context) error {
	_, err, shared := cs.group.Do("conversations", func() (interface{}, error) {
		var (
			count         int
			conversations []*entity.Conversation
		)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			n, err := cs.repo.CountUnread(gctx)
			count = n
			return err
		})
		g.Go(func() error {
			list, err := cs.repo.ListConversations(gctx)
			conversations = list
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}

		cs.store.SetConversations(conversations)
		cs.store.SetUnreadCount(count)
		return nil, nil
	})
	if shared {
		cs.logger.Debug("conversation sync coalesced")
	}
	return err
}

// Bind makes Sync the store's stale-conversations reaction. Each trigger
// syncs in the background so the frame path never waits on REST.
func (cs *ConversationSync) Bind() func() {
	return cs.store.OnConversationsStale(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), cs.timeout)
			defer cancel()
			if err := cs.Sync(ctx); err != nil {
				cs.logger.Warn("failed to refresh conversations", zap.Error(err))
			}
		}()
	})
}
