package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/citation-pipeline/internal/domain"
)

type AccountDeleter interface {
	DeleteAccount(ctx context.Context, token, userID string) error
}

type AccountHandler struct {
	deleter AccountDeleter
}

func NewAccountHandler(deleter AccountDeleter) (*AccountHandler, error) {
	if deleter == nil {
		return nil, fmt.Errorf("account deleter is required")
	}
	return &AccountHandler{deleter: deleter}, nil
}

func RegisterAccountRoutes(router fiber.Router, h *AccountHandler, browserCORS fiber.Handler) {
	if browserCORS != nil {
		router.Use(accountDeletePath, browserCORS)
	}
	router.Post(accountDeletePath, h.DeleteAccount)
}

type deleteAccountRequest struct {
	UserID string `json:"userId"`
}

func (h *AccountHandler) DeleteAccount(c *fiber.Ctx) error {
	token, ok := bearerToken(c.Get(fiber.HeaderAuthorization))
	if !ok {
		return toHTTPError(fmt.Errorf("%w: missing bearer token", domain.ErrUnauthorized))
	}

	var req deleteAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.deleter.DeleteAccount(requestContext(c), token, req.UserID); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"success": true})
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
