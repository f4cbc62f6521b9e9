package handlers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/relay-access/internal/api/dto"
	"github.com/spec-kit/relay-access/internal/auth"
	"github.com/spec-kit/relay-access/internal/domain"
	"github.com/spec-kit/relay-access/internal/payment"
	apperrors "github.com/spec-kit/relay-access/pkg/util/errorutil"
)

// PaymentHandler exposes the payment view.
type PaymentHandler struct {
	payments *payment.Controller
}

// NewPaymentHandler constructs handler.
func NewPaymentHandler(payments *payment.Controller) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

// Enter handles POST /payment.
func (h *PaymentHandler) Enter(c *fiber.Ctx) error {
	current, _ := auth.SessionFromContext(c)
	out, err := h.payments.Enter(c.UserContext(), current)
	if err != nil {
		return err
	}
	if out.Flow == nil {
		if out.Redirect == domain.ViewLogin {
			return loginRequired(c)
		}
		return data(c, http.StatusOK, dto.RedirectResponse{Redirect: out.Redirect.Path(embedded(c))})
	}
	return data(c, http.StatusCreated, dto.PaymentFrom(out.Flow.Snapshot(), embedded(c)))
}

// Current handles GET /payment.
func (h *PaymentHandler) Current(c *fiber.Ctx) error {
	current, ok := auth.SessionFromContext(c)
	if !ok {
		return loginRequired(c)
	}
	flow, ok := h.payments.Current(current.ID())
	if !ok {
		return apperrors.NewNotFound("payment", nil)
	}
	return data(c, http.StatusOK, dto.PaymentFrom(flow.Snapshot(), embedded(c)))
}

// Leave handles DELETE /payment.
func (h *PaymentHandler) Leave(c *fiber.Ctx) error {
	if current, ok := auth.SessionFromContext(c); ok {
		h.payments.Leave(current.ID())
	}
	return c.SendStatus(http.StatusNoContent)
}

// Simulate handles POST /payment/simulate.
func (h *PaymentHandler) Simulate(c *fiber.Ctx) error {
	current, ok := auth.SessionFromContext(c)
	if !ok {
		return loginRequired(c)
	}
	flow, err := h.payments.Simulate(current.ID())
	switch {
	case errors.Is(err, payment.ErrDemoDisabled):
		return apperrors.NewDomainError("DEMO_DISABLED", "payment simulation is only available in demo mode", http.StatusForbidden, nil)
	case errors.Is(err, payment.ErrNoFlow):
		return apperrors.NewNotFound("payment", nil)
	case err != nil:
		return err
	}
	return data(c, http.StatusOK, dto.PaymentFrom(flow.Snapshot(), embedded(c)))
}
