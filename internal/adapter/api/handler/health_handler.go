package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"petchat/internal/usecase"
)

type HealthHandler struct {
	store *usecase.MessageStore
}

func NewHealthHandler(store *usecase.MessageStore) *HealthHandler {
	return &HealthHandler{
		store: store,
	}
}

func (h *HealthHandler) CheckHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":     "Server is running",
		"connection": h.store.ConnectionState().String(),
		"time":       time.Now().Format(time.RFC3339),
	})
}

// CheckConnection reports 503 until the realtime connection is up.
func (h *HealthHandler) CheckConnection(c echo.Context) error {
	state := h.store.ConnectionState()
	if !h.store.Connected() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "Realtime connection is not established",
			"state":  state.String(),
		})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status": "Realtime connection established",
		"state":  state.String(),
	})
}
