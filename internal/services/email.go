package services

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

var ErrInvalidEmail = errors.New("invalid email address")

// NormalizeEmail trims, lower-cases and syntactically validates a raw email
// string. The normalized form is the canonical key for dedup and the
// per-repository uniqueness constraint.
func NormalizeEmail(raw string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return "", ErrInvalidEmail
	}

	addr, err := mail.ParseAddress(trimmed)
	if err != nil {
		return "", ErrInvalidEmail
	}
	// Reject "Name <addr>" forms: bulk rows must be bare addresses.
	if addr.Address != trimmed {
		return "", ErrInvalidEmail
	}

	at := strings.LastIndex(trimmed, "@")
	if at <= 0 || at == len(trimmed)-1 {
		return "", ErrInvalidEmail
	}
	if !strings.Contains(trimmed[at+1:], ".") {
		return "", ErrInvalidEmail
	}

	return trimmed, nil
}

// EmailDomain returns the domain part of a normalized email.
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return ""
	}
	return email[at+1:]
}

// HashEmail returns the SHA-256 hex digest of a normalized email, used as
// the dedup ledger key so raw addresses never appear in ledger storage.
func HashEmail(email string) string {
	h := sha256.Sum256([]byte(email))
	return fmt.Sprintf("%x", h)
}
