package dto

import (
	"time"

	"github.com/spec-kit/relay-access/internal/domain"
	"github.com/spec-kit/relay-access/internal/nostrauth"
)

// ChallengeResponse hands the browser a challenge to sign.
type ChallengeResponse struct {
	ID        string    `json:"id"`
	Challenge string    `json:"challenge"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ChallengeFrom maps a challenge.
func ChallengeFrom(c nostrauth.Challenge) ChallengeResponse {
	return ChallengeResponse{ID: c.ID, Challenge: c.Challenge, ExpiresAt: c.ExpiresAt}
}

// SignerLoginRequest payload for POST /auth/login/signer.
type SignerLoginRequest struct {
	ChallengeID string `json:"challenge_id"`
}

// ManualLoginRequest payload for POST /auth/login/manual.
type ManualLoginRequest struct {
	PubKey string `json:"pubkey"`
}

// WhitelistRequest payload for POST /admin/whitelist.
type WhitelistRequest struct {
	PubKey string `json:"pubkey"`
}

// AuthResponse standard response for auth endpoints.
type AuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IdentityResponse is the visitor identity as the client sees it.
type IdentityResponse struct {
	PubKey        string `json:"pubkey"`
	IsWhitelisted bool   `json:"is_whitelisted"`
	TimeRemaining *int64 `json:"time_remaining,omitempty"`
	Npub          string `json:"npub,omitempty"`
}

// IdentityFrom maps a session identity.
func IdentityFrom(i domain.Identity) IdentityResponse {
	return IdentityResponse{
		PubKey:        i.PublicKey,
		IsWhitelisted: i.IsAuthorized,
		TimeRemaining: i.TimeRemaining,
		Npub:          i.DisplayID,
	}
}

// LoginResponse is returned by both login paths.
type LoginResponse struct {
	Auth     AuthResponse     `json:"auth"`
	User     IdentityResponse `json:"user"`
	Redirect string           `json:"redirect"`
}

// DashboardResponse is the refreshed identity and the next view.
type DashboardResponse struct {
	User     IdentityResponse `json:"user"`
	Redirect string           `json:"redirect"`
}

// ThankYouResponse carries relay connection details.
type ThankYouResponse struct {
	User     IdentityResponse `json:"user"`
	RelayURL string           `json:"relay_url"`
}

// RedirectResponse tells the client to move to another view.
type RedirectResponse struct {
	Redirect string `json:"redirect"`
}
