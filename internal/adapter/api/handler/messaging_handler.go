package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"petchat/internal/domain/entity"
	"petchat/internal/usecase"
	"petchat/pkg/response"
)

type MessagingHandler struct {
	store    *usecase.MessageStore
	notifier *usecase.Notifier
	typing   *usecase.TypingIndicator
	sync     *usecase.ConversationSync
}

func NewMessagingHandler(
	store *usecase.MessageStore,
	notifier *usecase.Notifier,
	typing *usecase.TypingIndicator,
	sync *usecase.ConversationSync,
) *MessagingHandler {
	return &MessagingHandler{
		store:    store,
		notifier: notifier,
		typing:   typing,
		sync:     sync,
	}
}

type selectConversationRequest struct {
	UserID string `json:"userId" validate:"required"`
	PetID  string `json:"petId" validate:"required"`
}

type sendMessageRequest struct {
	Content string `json:"content" validate:"required,max=2000"`
}

type typingRequest struct {
	Text string `json:"text"`
}

type toggleRequest struct {
	Open   *bool `json:"open,omitempty"`
	Active *bool `json:"active,omitempty"`
}

type stateResponse struct {
	Connection      entity.ConnectionState     `json:"connection"`
	Connecting      bool                       `json:"connecting"`
	UserID          string                     `json:"userId"`
	Selection       *entity.ConversationKey    `json:"selection,omitempty"`
	LoadingMessages bool                       `json:"loadingMessages"`
	UnreadCount     int                        `json:"unreadCount"`
	PageActive      bool                       `json:"pageActive"`
	Typing          map[string]map[string]bool `json:"typing"`
	LocalTyping     bool                       `json:"localTyping"`
}

type notificationsResponse struct {
	Badge      int                    `json:"badge"`
	BadgeLabel string                 `json:"badgeLabel"`
	PanelOpen  bool                   `json:"panelOpen"`
	Unread     []*entity.Conversation `json:"unread"`
	Toast      *usecase.Toast         `json:"toast,omitempty"`
}

func (h *MessagingHandler) state() stateResponse {
	state := stateResponse{
		Connection:      h.store.ConnectionState(),
		Connecting:      h.store.Connecting(),
		UserID:          h.store.CurrentUserID(),
		LoadingMessages: h.store.LoadingMessages(),
		UnreadCount:     h.store.UnreadCount(),
		PageActive:      h.store.MessagesPageActive(),
		Typing:          h.store.TypingUsers(),
		LocalTyping:     h.typing.IsTyping(),
	}
	if userID, petID, ok := h.store.CurrentConversation(); ok {
		state.Selection = &entity.ConversationKey{UserID: userID, PetID: petID}
	}
	return state
}

// GetState returns a snapshot of the session.
func (h *MessagingHandler) GetState(c echo.Context) error {
	return response.Success(c, h.state())
}

// ListConversations returns the cached summaries; ?refresh=true reloads them first.
func (h *MessagingHandler) ListConversations(c echo.Context) error {
	if c.QueryParam("refresh") == "true" {
		if err := h.sync.Sync(c.Request().Context()); err != nil {
			return response.Error(c, err)
		}
	}
	return response.Success(c, h.store.Conversations())
}

func (h *MessagingHandler) SelectConversation(c echo.Context) error {
	var req selectConversationRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, err)
	}

	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	h.typing.Stop()
	if err := h.store.SelectConversation(req.UserID, req.PetID); err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, h.state())
}

func (h *MessagingHandler) ClearSelection(c echo.Context) error {
	h.typing.Stop()
	h.store.ClearCurrentConversation()
	return c.NoContent(http.StatusNoContent)
}

func (h *MessagingHandler) ListMessages(c echo.Context) error {
	return response.Success(c, h.store.Messages())
}

// SendMessage answers 201 with the optimistic message; the server copy
// replaces it when the echo arrives.
func (h *MessagingHandler) SendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, err)
	}

	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	msg, err := h.store.SendMessage(req.Content)
	if err != nil {
		return response.Error(c, err)
	}
	h.typing.Reset()

	return response.Created(c, msg)
}

// Typing feeds the content of the input box to the typing indicator.
func (h *MessagingHandler) Typing(c echo.Context) error {
	var req typingRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, err)
	}

	h.typing.HandleMessageChange(req.Text)
	return response.Success(c, map[string]bool{"typing": h.typing.IsTyping()})
}

func (h *MessagingHandler) SetPageActive(c echo.Context) error {
	var req toggleRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, err)
	}
	if req.Active == nil {
		return response.Error(c, response.NewError("VALIDATION_ERROR", "active is required", http.StatusBadRequest))
	}

	h.store.SetMessagesPageActive(*req.Active)
	return response.Success(c, h.state())
}

func (h *MessagingHandler) notifications() notificationsResponse {
	out := notificationsResponse{
		Badge:      h.notifier.Badge(),
		BadgeLabel: h.notifier.BadgeLabel(),
		PanelOpen:  h.notifier.PanelOpen(),
		Unread:     h.notifier.UnreadConversations(),
	}
	if toast, ok := h.notifier.CurrentToast(); ok {
		out.Toast = &toast
	}
	return out
}

func (h *MessagingHandler) GetNotifications(c echo.Context) error {
	return response.Success(c, h.notifications())
}

func (h *MessagingHandler) SetPanel(c echo.Context) error {
	var req toggleRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, err)
	}
	if req.Open == nil {
		return response.Error(c, response.NewError("VALIDATION_ERROR", "open is required", http.StatusBadRequest))
	}

	if *req.Open {
		h.notifier.OpenPanel(c.Request().Context())
	} else {
		h.notifier.SetPanelOpen(false)
	}
	return response.Success(c, h.notifications())
}

// ViewNotification opens the conversation of the visible toast.
func (h *MessagingHandler) ViewNotification(c echo.Context) error {
	if err := h.notifier.View(c.Param("id")); err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, h.state())
}

// OpenConversation is the click on an entry of the unread list.
func (h *MessagingHandler) OpenConversation(c echo.Context) error {
	var req selectConversationRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, err)
	}

	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	h.typing.Stop()
	if err := h.notifier.Open(req.UserID, req.PetID); err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, h.state())
}
