package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"github.com/kursadbilgin/citation-pipeline/internal/observability"
	"github.com/kursadbilgin/citation-pipeline/internal/service"
)

const (
	initializeSessionPath = "/webhooks/initialize-session"
	accountDeletePath     = "/account/delete"
)

type Dispatcher interface {
	QueueCheck(ctx context.Context) (string, error)
	RunBatch(ctx context.Context, jobID, brandID string) (string, error)
}

type SessionInitializer interface {
	Initialize(ctx context.Context, accountEmail string) (service.ProcessResult, error)
}

// WebhookHandler accepts trigger calls authenticated by a shared secret in the body.
type WebhookHandler struct {
	dispatcher  Dispatcher
	initializer SessionInitializer
	secret      []byte
}

func NewWebhookHandler(dispatcher Dispatcher, initializer SessionInitializer, secret string) (*WebhookHandler, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if initializer == nil {
		return nil, fmt.Errorf("session initializer is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &WebhookHandler{dispatcher: dispatcher, initializer: initializer, secret: []byte(secret)}, nil
}

// BrowserCORS is the CORS policy for routes called from the admin browser UI.
func BrowserCORS(origins []string) fiber.Handler {
	allowed := strings.Join(origins, ",")
	if allowed == "" {
		allowed = "*"
	}
	return cors.New(cors.Config{
		AllowOrigins: allowed,
		AllowMethods: "POST,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	})
}

func RegisterWebhookRoutes(router fiber.Router, h *WebhookHandler, browserCORS fiber.Handler) {
	if browserCORS != nil {
		router.Use(initializeSessionPath, browserCORS)
	}

	router.Post("/webhooks/queue-check", h.QueueCheck)
	router.Post("/webhooks/run-batch", h.RunBatch)
	router.Post(initializeSessionPath, h.InitializeSession)
}

type queueCheckRequest struct {
	Secret string `json:"secret"`
}

type runBatchRequest struct {
	JobID   string `json:"jobId"`
	BrandID string `json:"brandId"`
	Secret  string `json:"secret"`
}

type initializeSessionRequest struct {
	AccountEmail string `json:"accountEmail"`
	Secret       string `json:"secret"`
}

type triggerResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type initializeSessionResponse struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Error    string `json:"error,omitempty"`
}

func (h *WebhookHandler) QueueCheck(c *fiber.Ctx) error {
	var req queueCheckRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.authorize(req.Secret); err != nil {
		return err
	}

	correlationID, err := h.dispatcher.QueueCheck(requestContext(c))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(triggerResponse{
		Success:       true,
		Message:       "queue check triggered",
		CorrelationID: correlationID,
	})
}

func (h *WebhookHandler) RunBatch(c *fiber.Ctx) error {
	var req runBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.authorize(req.Secret); err != nil {
		return err
	}

	correlationID, err := h.dispatcher.RunBatch(requestContext(c), req.JobID, req.BrandID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(triggerResponse{
		Success:       true,
		Message:       "batch run triggered",
		CorrelationID: correlationID,
	})
}

// InitializeSession runs the initialization process synchronously and reports
// its outcome: 200 on exit code 0, 500 otherwise.
func (h *WebhookHandler) InitializeSession(c *fiber.Ctx) error {
	var req initializeSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.authorize(req.Secret); err != nil {
		return err
	}

	result, err := h.initializer.Initialize(requestContext(c), req.AccountEmail)
	if errors.Is(err, domain.ErrValidation) {
		return toHTTPError(err)
	}

	resp := initializeSessionResponse{
		Success:  err == nil && result.ExitCode == 0,
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
	}
	if err != nil {
		resp.Error = err.Error()
		if resp.ExitCode == 0 {
			resp.ExitCode = -1
		}
	}

	status := fiber.StatusOK
	if !resp.Success {
		status = fiber.StatusInternalServerError
	}
	return c.Status(status).JSON(resp)
}

func (h *WebhookHandler) authorize(secret string) error {
	if subtle.ConstantTimeCompare([]byte(secret), h.secret) != 1 {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid secret")
	}
	return nil
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if id := requestCorrelationID(c); id != "" {
		ctx = observability.WithCorrelationID(ctx, id)
	}
	return ctx
}
