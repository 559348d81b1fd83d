// Package auth provides operator-facing token generation for provisioning
// new known users. Hashing and verification of tokens at rest live in
// internal/storage, next to the users table itself; this package only
// covers minting a fresh credential to hand to an operator.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Service generates user tokens.
type Service struct{}

// NewService creates a Service.
func NewService() *Service {
	return &Service{}
}

// GenerateToken returns a cryptographically random 64-character hex token
// suitable for handing to an operator provisioning a new known user.
func (s *Service) GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
