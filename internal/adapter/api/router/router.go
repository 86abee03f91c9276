package router

import (
	"github.com/labstack/echo/v4"

	"petchat/internal/adapter/api/handler"
	"petchat/internal/adapter/api/middleware"
)

func Setup(e *echo.Echo, authMiddleware *middleware.AuthMiddleware, limit echo.MiddlewareFunc) {
	SetupHealthRouter(e)
	SetupMessagingRouter(e, handler.GetMessagingHandler(), authMiddleware, limit)
}
