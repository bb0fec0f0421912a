package security

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost balances hashing time against brute-force resistance for
// the operator password that guards the token endpoint.
const DefaultBcryptCost = 10

// HashPassword creates a bcrypt hash of the given password. The result is
// what belongs in the auth.admin_password_hash configuration key.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), DefaultBcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password against a stored hash. The
// comparison is constant time. Returns nil on match.
func VerifyPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
