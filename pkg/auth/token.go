package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// PersonalTokenPrefix identifies personal access tokens
	PersonalTokenPrefix = "pgpat-"
	// DeployTokenPrefix identifies deploy tokens
	DeployTokenPrefix = "pgdt-"
	// JobTokenPrefix identifies opaque CI job tokens
	JobTokenPrefix = "pgjt-"
	// TokenLength is the total length of random bytes (32 bytes = 256 bits)
	TokenLength = 32
)

func prefixFor(kind Kind) string {
	switch kind {
	case KindPersonalAccessToken:
		return PersonalTokenPrefix
	case KindDeployToken:
		return DeployTokenPrefix
	case KindJobToken:
		return JobTokenPrefix
	default:
		return ""
	}
}

// GenerateToken creates a new token of the given kind.
// Format: <prefix><base64url(32 random bytes)>
func GenerateToken(kind Kind) (token string, tokenHash string, err error) {
	prefix := prefixFor(kind)
	if prefix == "" {
		return "", "", fmt.Errorf("cannot generate token for kind %s", kind)
	}

	randomBytes := make([]byte, TokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	fullToken := prefix + base64.RawURLEncoding.EncodeToString(randomBytes)
	return fullToken, HashToken(fullToken), nil
}

// HashToken computes the SHA256 hash of a token for storage and lookup.
// Raw token values are never stored or logged.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateTokenFormat checks if a token has the expected prefixed format
func ValidateTokenFormat(token string, kind Kind) error {
	prefix := prefixFor(kind)
	if prefix == "" {
		return fmt.Errorf("unknown token kind")
	}
	if !strings.HasPrefix(token, prefix) {
		return fmt.Errorf("token must start with %q", prefix)
	}

	encodedPart := strings.TrimPrefix(token, prefix)
	if len(encodedPart) == 0 {
		return fmt.Errorf("token is too short")
	}

	if _, err := base64.RawURLEncoding.DecodeString(encodedPart); err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}

	return nil
}
