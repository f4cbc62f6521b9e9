package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/relay-access/internal/session"
)

const sessionKey = "auth_session"

// SessionStore looks sessions up by id.
type SessionStore interface {
	Get(id string) (*session.Holder, bool)
}

// SessionMiddleware resolves the bearer token to a session. A missing,
// invalid or expired token is not an error: the request simply carries no
// session and the handler decides where the visitor goes.
type SessionMiddleware struct {
	tokens   *TokenManager
	sessions SessionStore
}

// NewSessionMiddleware constructs middleware.
func NewSessionMiddleware(tokens *TokenManager, sessions SessionStore) *SessionMiddleware {
	return &SessionMiddleware{tokens: tokens, sessions: sessions}
}

// Handle attaches the session, if any, to the request.
func (m *SessionMiddleware) Handle(c *fiber.Ctx) error {
	if holder, ok := m.resolve(c.Get(fiber.HeaderAuthorization)); ok {
		c.Locals(sessionKey, holder)
	}
	return c.Next()
}

func (m *SessionMiddleware) resolve(header string) (*session.Holder, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, false
	}
	claims, err := m.tokens.ParseToken(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, false
	}
	return m.sessions.Get(claims.SessionID)
}

// SessionFromContext retrieves the request's session.
func SessionFromContext(c *fiber.Ctx) (*session.Holder, bool) {
	val := c.Locals(sessionKey)
	if val == nil {
		return nil, false
	}
	holder, ok := val.(*session.Holder)
	return holder, ok
}
