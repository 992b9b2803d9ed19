package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	minSignupPasswordLen = 6
	minLoginPasswordLen  = 3
	maxPasswordLen       = 72 // bcrypt ignores anything longer
)

// HashPassword hashes plaintext password using bcrypt.
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

// VerifyPassword compares plaintext password with stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

func validateNewPassword(password string) error {
	if len(password) < minSignupPasswordLen {
		return fmt.Errorf("%w: password must be at least %d characters", ErrBadRequest, minSignupPasswordLen)
	}
	if len(password) > maxPasswordLen {
		return fmt.Errorf("%w: password must be at most %d bytes", ErrBadRequest, maxPasswordLen)
	}
	return nil
}

// passwordFingerprint is a short digest of the stored hash; it changes whenever the password does.
func passwordFingerprint(hash string) string {
	if hash == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(hash))
	return hex.EncodeToString(sum[:8])
}
