package router

import (
	"github.com/labstack/echo/v4"

	"petchat/internal/adapter/api/handler"
	"petchat/internal/adapter/api/middleware"
)

// SetupMessagingRouter exposes the session state and its actions.
func SetupMessagingRouter(e *echo.Echo, messagingHandler *handler.MessagingHandler, authMiddleware *middleware.AuthMiddleware, limit echo.MiddlewareFunc) {
	group := e.Group("/v1")
	group.Use(authMiddleware.Authenticate, limit)

	group.GET("/state", messagingHandler.GetState)

	// Conversations
	group.GET("/conversations", messagingHandler.ListConversations)            // ?refresh=true reloads from the backend
	group.PUT("/conversations/selection", messagingHandler.SelectConversation) // {userId, petId}
	group.DELETE("/conversations/selection", messagingHandler.ClearSelection)

	// Messages in the selected conversation
	group.GET("/messages", messagingHandler.ListMessages)
	group.POST("/messages", messagingHandler.SendMessage) // {content}
	group.POST("/typing", messagingHandler.Typing)        // {text}
	group.PUT("/page-active", messagingHandler.SetPageActive)

	// Notification surface
	group.GET("/notifications", messagingHandler.GetNotifications)
	group.PUT("/notifications/panel", messagingHandler.SetPanel)         // {open}
	group.POST("/notifications/open", messagingHandler.OpenConversation) // {userId, petId}
	group.POST("/notifications/:id/view", messagingHandler.ViewNotification)
}
