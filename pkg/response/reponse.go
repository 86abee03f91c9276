package response

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	apperrors "petchat/pkg/errors"
)

type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type ErrorInfo struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type CustomError struct {
	Code    string
	Message string
	Status  int
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func Success(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: timestamp(),
	})
}

func Created(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusCreated, Response{
		Success:   true,
		Data:      data,
		Timestamp: timestamp(),
	})
}

func fail(c echo.Context, status int, code, message string) error {
	return c.JSON(status, Response{
		Success:   false,
		Timestamp: timestamp(),
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	})
}

func Error(c echo.Context, err error) error {
	// Handle validation errors
	var validationErr validator.ValidationErrors
	if errors.As(err, &validationErr) {
		return handleValidationError(c, validationErr)
	}

	// Handle application errors
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return fail(c, appErr.Status, appErr.Code, appErr.Message)
	}

	var customErr *CustomError
	if errors.As(err, &customErr) {
		return fail(c, customErr.Status, customErr.Code, customErr.Message)
	}

	// Bind failures
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return fail(c, httpErr.Code, "BAD_REQUEST", fmt.Sprint(httpErr.Message))
	}

	return fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
}

func handleValidationError(c echo.Context, validationErr validator.ValidationErrors) error {
	for _, err := range validationErr {
		field := strings.ToLower(err.Field())
		param := err.Param()

		var message string
		switch err.Tag() {
		case "required":
			message = field + " is required"
		case "min":
			message = field + " must be at least " + param
		case "max":
			message = field + " must be at most " + param + " characters"
		case "oneof":
			message = field + " must be one of: " + param
		default:
			message = field + " is invalid"
		}

		return fail(c, http.StatusBadRequest, "VALIDATION_ERROR", message)
	}

	return fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid input data")
}

func (e *CustomError) Error() string {
	return e.Message
}

func NewError(code, message string, status int) error {
	return &CustomError{
		Code:    code,
		Message: message,
		Status:  status,
	}
}
