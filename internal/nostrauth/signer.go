package nostrauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/spec-kit/relay-access/internal/identity"
)

// KindClientAuth is the NIP-42 authentication event kind.
const KindClientAuth = 22242

// MaxClockSkew bounds how far a signed event's created_at may drift from now.
const MaxClockSkew = 10 * time.Minute

var (
	ErrWrongKind        = errors.New("nostrauth: unexpected event kind")
	ErrChallengeMissing = errors.New("nostrauth: event does not carry the challenge")
	ErrStaleEvent       = errors.New("nostrauth: event timestamp out of range")
	ErrBadSignature     = errors.New("nostrauth: invalid event signature")
)

// Service issues challenges and exposes answered ones as signers.
type Service struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// NewService builds a challenge service.
func NewService(store Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{store: store, ttl: ttl, now: time.Now}
}

// Issue creates and stores a new challenge.
func (s *Service) Issue(ctx context.Context) (Challenge, error) {
	c, err := NewChallenge(s.ttl)
	if err != nil {
		return Challenge{}, fmt.Errorf("new challenge: %w", err)
	}
	if err := s.store.Save(ctx, c); err != nil {
		return Challenge{}, fmt.Errorf("save challenge: %w", err)
	}
	return c, nil
}

// Answer records the browser's reply. Signed events are checked here so a
// bad signature is reported to the browser that sent it.
func (s *Service) Answer(ctx context.Context, id string, resp Response) error {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !resp.Declined {
		if err := s.verify(c, resp.Event); err != nil {
			return err
		}
	}
	return s.store.Answer(ctx, id, resp)
}

// Probe returns an identity.Probe that reports the signer once the
// challenge is answered. An unknown or expired challenge ends the wait.
func (s *Service) Probe(id string) identity.Probe {
	return func(ctx context.Context) (identity.Signer, error) {
		resp, ok, err := s.store.Response(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, identity.ErrSignerNotReady
		}
		return &ChallengeSigner{response: resp}, nil
	}
}

// Finish drops a challenge once a login attempt consumed it.
func (s *Service) Finish(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

func (s *Service) verify(c Challenge, evt *nostr.Event) error {
	if evt == nil {
		return nil
	}
	if evt.Kind != KindClientAuth {
		return ErrWrongKind
	}
	if !hasTag(evt.Tags, "challenge", c.Challenge) {
		return ErrChallengeMissing
	}
	created := evt.CreatedAt.Time()
	now := s.now()
	if created.Before(now.Add(-MaxClockSkew)) || created.After(now.Add(MaxClockSkew)) {
		return ErrStaleEvent
	}
	ok, err := evt.CheckSignature()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}

func hasTag(tags nostr.Tags, name, value string) bool {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name && tag[1] == value {
			return true
		}
	}
	return false
}

// ChallengeSigner answers with the public key of a verified challenge
// response.
type ChallengeSigner struct {
	response Response
}

// PublicKey implements identity.Signer.
func (s *ChallengeSigner) PublicKey(context.Context) (string, error) {
	if s.response.Declined {
		return "", identity.ErrDeclined
	}
	if s.response.Event == nil {
		return "", nil
	}
	return s.response.Event.PubKey, nil
}
