package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/relay-access/internal/auth"
	"github.com/spec-kit/relay-access/internal/domain"
	"github.com/spec-kit/relay-access/internal/events"
	"github.com/spec-kit/relay-access/internal/identity"
	"github.com/spec-kit/relay-access/internal/nostrauth"
	"github.com/spec-kit/relay-access/internal/session"
)

// ErrNoSession means the request carries no identity; the visitor belongs
// on the login view.
var ErrNoSession = errors.New("service: no active session")

// Authorizer answers whether a key has relay access. It never fails.
type Authorizer interface {
	CheckAuthorization(ctx context.Context, pubkey string) domain.Authorization
}

// Whitelister grants relay access.
type Whitelister interface {
	Whitelist(ctx context.Context, pubkey string) error
}

// PaymentViews is the part of the payment controller sessions care about.
type PaymentViews interface {
	Leave(sessionID string) bool
}

// LoginResult is returned by both login paths.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Identity  domain.Identity
	Next      domain.View
}

// DashboardView is the refreshed identity and where the visitor goes next.
type DashboardView struct {
	Identity domain.Identity
	Next     domain.View
}

// ThankYouView carries what an authorized visitor needs to connect.
type ThankYouView struct {
	Identity domain.Identity
	RelayURL string
}

// AccessService coordinates login, logout and the dashboard refresh.
type AccessService struct {
	sessions   *session.Registry
	tokens     *auth.TokenManager
	bridge     *identity.Bridge
	challenges *nostrauth.Service
	authorizer Authorizer
	whitelist  Whitelister
	payments   PaymentViews
	dispatcher events.Dispatcher
	logger     *zap.Logger
	relayURL   string
	demo       bool
}

// AccessDependencies encapsulates collaborators of the access service.
type AccessDependencies struct {
	Sessions   *session.Registry
	Tokens     *auth.TokenManager
	Bridge     *identity.Bridge
	Challenges *nostrauth.Service
	Authorizer Authorizer
	Whitelist  Whitelister
	Payments   PaymentViews
	Dispatcher events.Dispatcher
	Logger     *zap.Logger
}

// AccessOptions holds deployment settings.
type AccessOptions struct {
	RelayURL string
	Demo     bool
}

// NewAccessService builds the service.
func NewAccessService(opts AccessOptions, deps AccessDependencies) *AccessService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccessService{
		sessions:   deps.Sessions,
		tokens:     deps.Tokens,
		bridge:     deps.Bridge,
		challenges: deps.Challenges,
		authorizer: deps.Authorizer,
		whitelist:  deps.Whitelist,
		payments:   deps.Payments,
		dispatcher: deps.Dispatcher,
		logger:     logger,
		relayURL:   opts.RelayURL,
		demo:       opts.Demo,
	}
}

// IssueChallenge starts a signer login.
func (s *AccessService) IssueChallenge(ctx context.Context) (nostrauth.Challenge, error) {
	c, err := s.challenges.Issue(ctx)
	if err != nil {
		return nostrauth.Challenge{}, mapChallengeError(err)
	}
	return c, nil
}

// AnswerChallenge stores the browser signer's reply.
func (s *AccessService) AnswerChallenge(ctx context.Context, id string, resp nostrauth.Response) error {
	if err := s.challenges.Answer(ctx, id, resp); err != nil {
		return mapChallengeError(err)
	}
	return nil
}

// LoginWithSigner waits for the answer to challengeID and starts a session
// for the signer's key. The current session, if any, is reused and its
// payment view dropped. A declined request returns ok=false and no error.
func (s *AccessService) LoginWithSigner(ctx context.Context, current *session.Holder, challengeID string) (LoginResult, bool, error) {
	holder, created := s.holderFor(current)

	fresh, err := s.bridge.LoginWithSigner(ctx, holder, s.challenges.Probe(challengeID))
	if finishErr := s.challenges.Finish(context.WithoutCancel(ctx), challengeID); finishErr != nil {
		s.logger.Debug("challenge cleanup failed", zap.String("challenge_id", challengeID), zap.Error(finishErr))
	}
	if err != nil {
		if created {
			s.sessions.Remove(holder.ID())
		}
		if errors.Is(err, identity.ErrDeclined) {
			return LoginResult{}, false, nil
		}
		return LoginResult{}, false, mapLoginError(err)
	}

	if !created {
		s.payments.Leave(holder.ID())
	}
	result, err := s.started(ctx, holder, fresh, "signer")
	return result, err == nil, err
}

// LoginManual starts a session for a typed key.
func (s *AccessService) LoginManual(ctx context.Context, current *session.Holder, pubkey string) (LoginResult, error) {
	holder, created := s.holderFor(current)

	fresh, err := s.bridge.LoginManual(ctx, holder, pubkey)
	if err != nil {
		if created {
			s.sessions.Remove(holder.ID())
		}
		return LoginResult{}, mapLoginError(err)
	}
	if !created {
		s.payments.Leave(holder.ID())
	}
	return s.started(ctx, holder, fresh, "manual")
}

// Logout clears the session and tears down its payment view. Results still
// in flight for the session are dropped. The holder is cleared before the
// view is left so an invoice minted meanwhile is never watched.
func (s *AccessService) Logout(ctx context.Context, holder *session.Holder) {
	if holder == nil {
		return
	}
	ended, _ := holder.Snapshot()
	holder.Clear()
	s.payments.Leave(holder.ID())
	s.sessions.Remove(holder.ID())

	if ended.Present() {
		s.publish(ctx, events.Event{
			Type:      events.EventSessionEnded,
			SessionID: holder.ID(),
			PublicKey: ended.PublicKey,
		})
		s.logger.Info("session ended", zap.String("session_id", holder.ID()))
	}
}

// Session returns the current identity without refreshing it.
func (s *AccessService) Session(holder *session.Holder) (domain.Identity, error) {
	if holder == nil {
		return domain.Identity{}, ErrNoSession
	}
	current, _ := holder.Snapshot()
	if !current.Present() {
		return domain.Identity{}, ErrNoSession
	}
	return current, nil
}

// Dashboard re-asks the relay whether the visitor is authorized and folds
// the answer into the session. An answer computed for a session that was
// logged out or changed meanwhile is discarded.
func (s *AccessService) Dashboard(ctx context.Context, holder *session.Holder) (DashboardView, error) {
	if holder == nil {
		return DashboardView{}, ErrNoSession
	}
	current, generation := holder.Snapshot()
	if !current.Present() {
		return DashboardView{}, ErrNoSession
	}
	if s.demo {
		return dashboardView(current), nil
	}

	result := s.authorizer.CheckAuthorization(ctx, current.PublicKey)
	next := current.Apply(result)

	if _, ok := holder.CompareAndSwap(generation, next); !ok {
		s.logger.Debug("discarding stale authorization result", zap.String("session_id", holder.ID()))
		latest, err := s.Session(holder)
		if err != nil {
			return DashboardView{}, err
		}
		return dashboardView(latest), nil
	}
	return dashboardView(next), nil
}

// ThankYou returns the relay connection details.
func (s *AccessService) ThankYou(holder *session.Holder) (ThankYouView, error) {
	current, err := s.Session(holder)
	if err != nil {
		return ThankYouView{}, err
	}
	return ThankYouView{Identity: current, RelayURL: s.relayURL}, nil
}

// Whitelist grants relay access on an operator's behalf.
func (s *AccessService) Whitelist(ctx context.Context, pubkey string) error {
	if err := s.whitelist.Whitelist(ctx, pubkey); err != nil {
		s.logger.Warn("whitelist grant failed", zap.Error(err))
		return mapWhitelistError(err)
	}
	s.logger.Info("whitelist granted", zap.String("pubkey", pubkey))
	return nil
}

func (s *AccessService) holderFor(current *session.Holder) (*session.Holder, bool) {
	if current != nil {
		return current, false
	}
	return s.sessions.Create(), true
}

func (s *AccessService) started(ctx context.Context, holder *session.Holder, ident domain.Identity, path string) (LoginResult, error) {
	token, exp, err := s.tokens.GenerateToken(holder.ID())
	if err != nil {
		return LoginResult{}, err
	}
	s.publish(ctx, events.Event{
		Type:      events.EventSessionStarted,
		SessionID: holder.ID(),
		PublicKey: ident.PublicKey,
		Payload:   events.SessionStartedPayload{Path: path},
	})
	return LoginResult{
		Token:     token,
		ExpiresAt: exp,
		Identity:  ident,
		Next:      domain.ViewDashboard,
	}, nil
}

func (s *AccessService) publish(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("event handler failed", zap.String("event", string(event.Type)), zap.Error(err))
	}
}

func dashboardView(current domain.Identity) DashboardView {
	next := domain.ViewPayment
	if current.IsAuthorized {
		next = domain.ViewThankYou
	}
	return DashboardView{Identity: current, Next: next}
}
