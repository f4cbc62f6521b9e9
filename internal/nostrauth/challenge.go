// Package nostrauth connects the browser's Nostr signer to the identity
// bridge. The service issues a challenge, the browser signs it with its
// extension and posts the event (or a refusal) back; the bridge polls the
// mailbox until the answer shows up.
package nostrauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrChallengeNotFound = errors.New("nostrauth: challenge not found or expired")
	ErrAlreadyAnswered   = errors.New("nostrauth: challenge already answered")
)

// Challenge is a one-shot login challenge.
type Challenge struct {
	ID        string    `json:"id"`
	Challenge string    `json:"challenge"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Response is what the browser posts back for a challenge.
type Response struct {
	Declined bool         `json:"declined,omitempty"`
	Event    *nostr.Event `json:"event,omitempty"`
}

// Store keeps challenges and their answers until they expire.
type Store interface {
	Save(ctx context.Context, c Challenge) error
	Get(ctx context.Context, id string) (Challenge, error)
	Answer(ctx context.Context, id string, resp Response) error
	// Response returns the answer if one has been posted.
	Response(ctx context.Context, id string) (Response, bool, error)
	Delete(ctx context.Context, id string) error
}

// NewChallenge builds a random challenge valid for ttl.
func NewChallenge(ttl time.Duration) (Challenge, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return Challenge{}, err
	}
	return Challenge{
		ID:        uuid.NewString(),
		Challenge: hex.EncodeToString(buf),
		ExpiresAt: time.Now().Add(ttl).UTC(),
	}, nil
}
