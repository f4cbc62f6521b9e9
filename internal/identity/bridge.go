// Package identity produces the visitor's public key, either from a signer
// the browser exposes or from a key typed in by hand.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/spec-kit/relay-access/internal/domain"
	"github.com/spec-kit/relay-access/internal/observability"
	"github.com/spec-kit/relay-access/internal/session"
)

const (
	DefaultWaitAttempts = 50
	DefaultWaitInterval = 100 * time.Millisecond
)

// Signer hands out the visitor's public key.
type Signer interface {
	PublicKey(ctx context.Context) (string, error)
}

// Probe looks for the signer once. It returns ErrSignerNotReady while the
// signer is absent; any other error ends the wait immediately.
type Probe func(ctx context.Context) (Signer, error)

// Options tunes the signer wait.
type Options struct {
	WaitAttempts int
	WaitInterval time.Duration
}

// Bridge runs the two login paths and writes the resulting identity into
// the visitor's session.
type Bridge struct {
	attempts int
	interval time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewBridge builds a bridge. Zero options fall back to 50 waits of 100ms.
func NewBridge(opts Options, logger *zap.Logger, metrics *observability.Metrics) *Bridge {
	if opts.WaitAttempts < 0 {
		opts.WaitAttempts = 0
	} else if opts.WaitAttempts == 0 {
		opts.WaitAttempts = DefaultWaitAttempts
	}
	if opts.WaitInterval <= 0 {
		opts.WaitInterval = DefaultWaitInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{attempts: opts.WaitAttempts, interval: opts.WaitInterval, logger: logger, metrics: metrics}
}

// WaitForSigner probes for the signer, sleeping the configured interval
// between probes, and gives up once every attempt is spent.
func (b *Bridge) WaitForSigner(ctx context.Context, probe Probe) (Signer, error) {
	if err := ctx.Err(); err != nil {
		b.metrics.RecordSignerWait("cancelled")
		return nil, &SignerUnavailableError{Err: err}
	}

	waits := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(b.interval), uint64(b.attempts)),
		ctx,
	)
	signer, err := backoff.RetryNotifyWithData(func() (Signer, error) {
		s, err := probe(ctx)
		if err == nil && s == nil {
			err = ErrSignerNotReady
		}
		if err != nil && !errors.Is(err, ErrSignerNotReady) {
			return nil, backoff.Permanent(err)
		}
		return s, err
	}, policy, func(error, time.Duration) {
		waits++
	})
	if err != nil {
		b.metrics.RecordSignerWait("unavailable")
		b.logger.Debug("signer wait gave up", zap.Int("attempts", waits), zap.Error(err))
		return nil, &SignerUnavailableError{Attempts: waits, Err: err}
	}

	b.metrics.RecordSignerWait("found")
	return signer, nil
}

// LoginWithSigner waits for the signer, asks it for the public key and
// starts a fresh identity in the session. ErrDeclined is passed through so
// the caller can stay silent.
func (b *Bridge) LoginWithSigner(ctx context.Context, holder *session.Holder, probe Probe) (domain.Identity, error) {
	release, ok := holder.BeginLogin()
	if !ok {
		return domain.Identity{}, ErrLoginInProgress
	}
	defer release()

	signer, err := b.WaitForSigner(ctx, probe)
	if err != nil {
		return domain.Identity{}, err
	}

	pubkey, err := signer.PublicKey(ctx)
	if err != nil {
		if errors.Is(err, ErrDeclined) {
			b.logger.Debug("signer login declined", zap.String("session_id", holder.ID()))
		}
		return domain.Identity{}, err
	}
	pubkey = strings.TrimSpace(pubkey)
	if pubkey == "" {
		return domain.Identity{}, ErrEmptyPublicKey
	}

	return b.start(holder, pubkey, "signer"), nil
}

// LoginManual accepts a typed key as-is. Only blank input is refused; the
// format is left for the relay API to judge.
func (b *Bridge) LoginManual(_ context.Context, holder *session.Holder, input string) (domain.Identity, error) {
	pubkey := strings.TrimSpace(input)
	if pubkey == "" {
		return domain.Identity{}, ErrEmptyManualKey
	}

	release, ok := holder.BeginLogin()
	if !ok {
		return domain.Identity{}, ErrLoginInProgress
	}
	defer release()

	return b.start(holder, pubkey, "manual"), nil
}

func (b *Bridge) start(holder *session.Holder, pubkey, path string) domain.Identity {
	identity := domain.Identity{PublicKey: pubkey}
	holder.Set(identity)
	b.logger.Info("session started",
		zap.String("session_id", holder.ID()),
		zap.String("path", path))
	return identity
}
