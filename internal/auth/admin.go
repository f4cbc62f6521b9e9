package auth

import (
	"crypto/sha256"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/spec-kit/relay-access/pkg/util/errorutil"
)

// HeaderAPIKey carries the operator key on admin routes.
const HeaderAPIKey = "X-Api-Key"

// HashAPIKey hashes an operator API key with the given bcrypt cost. Keys
// are pre-hashed with SHA-256 so long keys are not truncated by bcrypt.
func HashAPIKey(key string, cost int) (string, error) {
	digest := sha256.Sum256([]byte(key))
	hashed, err := bcrypt.GenerateFromPassword(digest[:], cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// APIKeyVerifier checks operator keys against a stored bcrypt hash. With no
// hash configured every key is rejected.
type APIKeyVerifier struct {
	hash []byte
}

func NewAPIKeyVerifier(hash string) *APIKeyVerifier {
	return &APIKeyVerifier{hash: []byte(hash)}
}

// Enabled reports whether an admin key is configured.
func (v *APIKeyVerifier) Enabled() bool {
	return len(v.hash) > 0
}

// Verify reports whether key matches the stored hash.
func (v *APIKeyVerifier) Verify(key string) bool {
	if !v.Enabled() || key == "" {
		return false
	}
	digest := sha256.Sum256([]byte(key))
	return bcrypt.CompareHashAndPassword(v.hash, digest[:]) == nil
}

// RequireAdmin guards operator routes.
func RequireAdmin(verifier *APIKeyVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !verifier.Enabled() {
			return apperrors.NewForbidden("admin access disabled")
		}
		if !verifier.Verify(c.Get(HeaderAPIKey)) {
			return apperrors.NewUnauthorized("invalid api key")
		}
		return c.Next()
	}
}
