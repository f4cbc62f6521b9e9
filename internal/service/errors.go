package service

import (
	"errors"
	"net/http"

	"github.com/spec-kit/relay-access/internal/identity"
	"github.com/spec-kit/relay-access/internal/nostrauth"
	apperrors "github.com/spec-kit/relay-access/pkg/util/errorutil"
)

const signerRemediation = "Install or enable a Nostr signer extension (for example Alby or nos2x), unlock it and try again."

func mapLoginError(err error) error {
	switch {
	case errors.Is(err, nostrauth.ErrChallengeNotFound):
		return apperrors.NewNotFound("challenge", nil)
	case errors.Is(err, identity.ErrSignerUnavailable):
		return apperrors.NewSignerUnavailable("no Nostr signer detected", signerRemediation, err)
	case errors.Is(err, identity.ErrEmptyPublicKey):
		return apperrors.NewDomainError("EMPTY_PUBLIC_KEY",
			"could not access your Nostr public key; make sure you are logged into your signer",
			http.StatusUnprocessableEntity, nil)
	case errors.Is(err, identity.ErrEmptyManualKey):
		return apperrors.NewValidationError("please enter a public key or npub", map[string]any{"field": "pubkey"})
	case errors.Is(err, identity.ErrLoginInProgress):
		return apperrors.NewDomainError("LOGIN_IN_PROGRESS", "another login is in progress", http.StatusConflict, nil)
	default:
		return mapChallengeError(err)
	}
}

func mapChallengeError(err error) error {
	switch {
	case errors.Is(err, nostrauth.ErrChallengeNotFound):
		return apperrors.NewNotFound("challenge", nil)
	case errors.Is(err, nostrauth.ErrAlreadyAnswered):
		return apperrors.NewConflict("challenge already answered", nil)
	case errors.Is(err, nostrauth.ErrWrongKind),
		errors.Is(err, nostrauth.ErrChallengeMissing),
		errors.Is(err, nostrauth.ErrStaleEvent),
		errors.Is(err, nostrauth.ErrBadSignature):
		return apperrors.NewValidationError("signed event rejected", map[string]any{"reason": err.Error()})
	default:
		return err
	}
}

func mapWhitelistError(err error) error {
	return apperrors.NewRetryable("WHITELIST_FAILED", "relay rejected the whitelist request", err)
}
