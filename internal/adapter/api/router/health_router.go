package router

import (
	"github.com/labstack/echo/v4"

	"petchat/internal/adapter/api/handler"
	"petchat/pkg/metrics"
)

func SetupHealthRouter(e *echo.Echo) {
	healthHandler := handler.GetHealthHandler()
	e.GET("/health", healthHandler.CheckHealth)
	e.GET("/health/connection", healthHandler.CheckConnection)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
}
