// Package httpapi holds the response types and error handling shared by the
// master and slave operator APIs.
package httpapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Role      string `json:"role"`
	Timestamp string `json:"timestamp"`
}

// NewApp creates a fiber app with the shared error handler and JSON codec.
// A nil ErrorHandler in cfg is replaced by ErrorHandler.
func NewApp(cfg fiber.Config) *fiber.App {
	if cfg.AppName == "" {
		cfg.AppName = "obs-sync"
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = ErrorHandler
	}
	cfg.DisableStartupMessage = true
	cfg.JSONEncoder = sonic.Marshal
	cfg.JSONDecoder = sonic.Unmarshal
	return fiber.New(cfg)
}

// ErrorHandler renders handler errors as ErrorResponse.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   fmt.Sprintf("error_%d", code),
		Message: message,
	})
}

// BadRequest responds 400 with message.
func BadRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Error:   "bad_request",
		Message: message,
	})
}

// Health returns a GET /health handler.
func Health(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(HealthResponse{
			Status:    "healthy",
			Role:      role,
			Timestamp: time.Now().Format(time.RFC3339),
		})
	}
}
