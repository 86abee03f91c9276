package handler

import (
	"petchat/internal/usecase"
)

var (
	messagingHandler *MessagingHandler
	healthHandler    *HealthHandler
)

func Setup(
	store *usecase.MessageStore,
	notifier *usecase.Notifier,
	typing *usecase.TypingIndicator,
	sync *usecase.ConversationSync,
) {
	messagingHandler = NewMessagingHandler(store, notifier, typing, sync)
	healthHandler = NewHealthHandler(store)
}

func GetMessagingHandler() *MessagingHandler {
	return messagingHandler
}

func GetHealthHandler() *HealthHandler {
	return healthHandler
}
