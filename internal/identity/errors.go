package identity

import (
	"errors"
	"fmt"
)

var (
	// ErrDeclined is returned by a Signer when the visitor refuses the
	// request. Callers treat it as a silent no-op.
	ErrDeclined = errors.New("identity: request declined by user")

	// ErrSignerNotReady is returned by a Probe while the signer has not
	// shown up yet.
	ErrSignerNotReady = errors.New("identity: signer not ready")

	// ErrSignerUnavailable matches every *SignerUnavailableError.
	ErrSignerUnavailable = errors.New("identity: signer not found")

	ErrEmptyPublicKey  = errors.New("identity: signer returned no public key")
	ErrEmptyManualKey  = errors.New("identity: public key is required")
	ErrLoginInProgress = errors.New("identity: another login is in progress")
)

// SignerUnavailableError reports that no signer appeared. Attempts is the
// number of waits spent before giving up; zero means the wait never started
// (cancelled context, zero attempts or a probe that failed outright).
type SignerUnavailableError struct {
	Attempts int
	Err      error
}

func (e *SignerUnavailableError) Error() string {
	if e.Err != nil && !errors.Is(e.Err, ErrSignerNotReady) {
		return fmt.Sprintf("signer not found after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("signer not found after %d attempts", e.Attempts)
}

func (e *SignerUnavailableError) Is(target error) bool {
	return target == ErrSignerUnavailable
}

func (e *SignerUnavailableError) Unwrap() error {
	return e.Err
}
