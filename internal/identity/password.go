package identity

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// SentinelPasswordHash marks principals provisioned from a directory backend.
// It is not a valid bcrypt hash, so a local password comparison against it can
// never succeed: directory principals authenticate only against the directory.
const SentinelPasswordHash = "!directory!"

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password with a stored hash. A missing
// hash or the directory sentinel always fails.
func VerifyPassword(hash, password string) error {
	if hash == "" || hash == SentinelPasswordHash {
		return errors.New("password hash is not usable")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
