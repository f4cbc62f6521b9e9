package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/relay-access/internal/status"
)

// StatusHandler serves relay health for the dashboard.
type StatusHandler struct {
	status *status.Service
}

func NewStatusHandler(statusService *status.Service) *StatusHandler {
	return &StatusHandler{status: statusService}
}

// Get handles GET /status.
func (h *StatusHandler) Get(c *fiber.Ctx) error {
	return data(c, http.StatusOK, h.status.Current(c.UserContext()))
}
