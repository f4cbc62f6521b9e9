package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/relay-access/internal/domain"
	"github.com/spec-kit/relay-access/internal/service"
	apperrors "github.com/spec-kit/relay-access/pkg/util/errorutil"
)

// embedded reports whether the client runs inside an iframe.
func embedded(c *fiber.Ctx) bool {
	return c.Query("iframe") == "1"
}

func loginRequired(c *fiber.Ctx) error {
	return apperrors.NewLoginRequired(domain.ViewLogin.Path(embedded(c)))
}

// sessionError turns a missing session into a login redirect.
func sessionError(c *fiber.Ctx, err error) error {
	if errors.Is(err, service.ErrNoSession) {
		return loginRequired(c)
	}
	return err
}

func data(c *fiber.Ctx, status int, payload any) error {
	return c.Status(status).JSON(fiber.Map{"data": payload})
}
