package handlers

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/relay-access/internal/api/dto"
	"github.com/spec-kit/relay-access/internal/auth"
	"github.com/spec-kit/relay-access/internal/domain"
	"github.com/spec-kit/relay-access/internal/nostrauth"
	"github.com/spec-kit/relay-access/internal/service"
	apperrors "github.com/spec-kit/relay-access/pkg/util/errorutil"
)

// SessionHandler exposes login, logout and the session views.
type SessionHandler struct {
	access *service.AccessService
}

// NewSessionHandler constructs handler.
func NewSessionHandler(access *service.AccessService) *SessionHandler {
	return &SessionHandler{access: access}
}

// Challenge handles POST /auth/challenge.
func (h *SessionHandler) Challenge(c *fiber.Ctx) error {
	ch, err := h.access.IssueChallenge(c.UserContext())
	if err != nil {
		return err
	}
	return data(c, http.StatusCreated, dto.ChallengeFrom(ch))
}

// AnswerChallenge handles POST /auth/challenge/:id/response.
func (h *SessionHandler) AnswerChallenge(c *fiber.Ctx) error {
	var req nostrauth.Response
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if !req.Declined && req.Event == nil {
		return apperrors.NewValidationError("event or declined required", nil)
	}
	if err := h.access.AnswerChallenge(c.UserContext(), c.Params("id"), req); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

// LoginSigner handles POST /auth/login/signer. A declined request answers
// 204 and leaves the visitor where they are.
func (h *SessionHandler) LoginSigner(c *fiber.Ctx) error {
	var req dto.SignerLoginRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if strings.TrimSpace(req.ChallengeID) == "" {
		return apperrors.NewValidationError("challenge_id required", nil)
	}

	current, _ := auth.SessionFromContext(c)
	res, ok, err := h.access.LoginWithSigner(c.UserContext(), current, req.ChallengeID)
	if err != nil {
		return err
	}
	if !ok {
		return c.SendStatus(http.StatusNoContent)
	}
	return data(c, http.StatusOK, loginResponse(c, res))
}

// LoginManual handles POST /auth/login/manual.
func (h *SessionHandler) LoginManual(c *fiber.Ctx) error {
	var req dto.ManualLoginRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}

	current, _ := auth.SessionFromContext(c)
	res, err := h.access.LoginManual(c.UserContext(), current, req.PubKey)
	if err != nil {
		return err
	}
	return data(c, http.StatusOK, loginResponse(c, res))
}

// Logout handles POST /auth/logout.
func (h *SessionHandler) Logout(c *fiber.Ctx) error {
	current, _ := auth.SessionFromContext(c)
	h.access.Logout(c.UserContext(), current)
	return data(c, http.StatusOK, dto.RedirectResponse{Redirect: domain.ViewLogin.Path(embedded(c))})
}

// Session handles GET /session.
func (h *SessionHandler) Session(c *fiber.Ctx) error {
	current, _ := auth.SessionFromContext(c)
	identity, err := h.access.Session(current)
	if err != nil {
		return sessionError(c, err)
	}
	return data(c, http.StatusOK, dto.IdentityFrom(identity))
}

// Dashboard handles GET /dashboard.
func (h *SessionHandler) Dashboard(c *fiber.Ctx) error {
	current, _ := auth.SessionFromContext(c)
	view, err := h.access.Dashboard(c.UserContext(), current)
	if err != nil {
		return sessionError(c, err)
	}
	return data(c, http.StatusOK, dto.DashboardResponse{
		User:     dto.IdentityFrom(view.Identity),
		Redirect: view.Next.Path(embedded(c)),
	})
}

// ThankYou handles GET /thank-you.
func (h *SessionHandler) ThankYou(c *fiber.Ctx) error {
	current, _ := auth.SessionFromContext(c)
	view, err := h.access.ThankYou(current)
	if err != nil {
		return sessionError(c, err)
	}
	return data(c, http.StatusOK, dto.ThankYouResponse{
		User:     dto.IdentityFrom(view.Identity),
		RelayURL: view.RelayURL,
	})
}

// Whitelist handles POST /admin/whitelist.
func (h *SessionHandler) Whitelist(c *fiber.Ctx) error {
	var req dto.WhitelistRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	pubkey := strings.TrimSpace(req.PubKey)
	if pubkey == "" {
		return apperrors.NewValidationError("pubkey required", nil)
	}
	if err := h.access.Whitelist(c.UserContext(), pubkey); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

func loginResponse(c *fiber.Ctx, res service.LoginResult) dto.LoginResponse {
	return dto.LoginResponse{
		Auth:     dto.AuthResponse{Token: res.Token, ExpiresAt: res.ExpiresAt},
		User:     dto.IdentityFrom(res.Identity),
		Redirect: res.Next.Path(embedded(c)),
	}
}
