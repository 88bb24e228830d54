package auth

import (
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/recasthq/recast/errdefs"
)

const (
	// DefaultBcryptCost is used when the configured cost is out of range.
	DefaultBcryptCost = 10

	// MinPasswordLength is the minimum accepted password length.
	MinPasswordLength = 8
)

var (
	hasUpper   = regexp.MustCompile(`[A-Z]`)
	hasLower   = regexp.MustCompile(`[a-z]`)
	hasNumber  = regexp.MustCompile(`[0-9]`)
	hasSpecial = regexp.MustCompile(`[!@#$%^&*()_+\-=\[\]{};':"\\|,.<>\/?]`)
	validEmail = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
)

// Hasher hashes and verifies passwords with a configurable bcrypt cost
// and detects hashes produced at an outdated cost so they can be
// upgraded on the next successful login.
type Hasher struct {
	cost int
}

// NewHasher clamps cost into the range bcrypt accepts.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return &Hasher{cost: cost}
}

// Hash hashes a password with the configured cost.
func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", errdefs.E(errdefs.ErrInvalidInput, "password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Compare checks password against hash.
func (h *Hasher) Compare(password, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// NeedsRehash reports whether hash was produced at a different cost
// than currently configured.
func (h *Hasher) NeedsRehash(hash string) bool {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return true
	}
	return cost != h.cost
}

// CheckPasswordStrength enforces the account password policy: minimum
// length plus upper, lower, digit and special character classes.
func CheckPasswordStrength(password string) error {
	if password == "" {
		return errdefs.E(errdefs.ErrInvalidInput, "password cannot be empty")
	}
	if len(password) < MinPasswordLength {
		return errdefs.E(errdefs.ErrInvalidInput,
			"password must be at least %d characters", MinPasswordLength)
	}
	if !hasUpper.MatchString(password) ||
		!hasLower.MatchString(password) ||
		!hasNumber.MatchString(password) ||
		!hasSpecial.MatchString(password) {
		return errdefs.E(errdefs.ErrInvalidInput,
			"password requires upper and lower case letters, a digit and a special character")
	}
	return nil
}

// ValidateEmail performs basic shape validation.
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return errdefs.E(errdefs.ErrInvalidInput, "email is required")
	}
	if !validEmail.MatchString(email) {
		return errdefs.E(errdefs.ErrInvalidInput, "invalid email format")
	}
	return nil
}

// NormalizeEmail canonicalizes an address for uniqueness checks.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
