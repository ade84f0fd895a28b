package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken   = errors.New("credentials: access token required")
	ErrInvalidToken   = errors.New("credentials: invalid access token")
	ErrExpiredToken   = errors.New("credentials: access token expired")
	ErrMissingSubject = errors.New("credentials: token subject required")
)

// Credentials is a parsed remote access token.
type Credentials struct {
	AccessToken string
	UserID      string
	ExpiresAt   time.Time
}

// CredentialSource yields the credentials used for remote calls.
type CredentialSource interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// TokenParserConfig describes how access tokens are inspected.
type TokenParserConfig struct {
	Clock func() time.Time
}

// TokenParser reads the user id and expiry out of a remote-issued JWT.
// The signature belongs to the remote service and is not verified locally.
type TokenParser struct {
	parser *jwt.Parser
	clock  func() time.Time
}

// NewTokenParser constructs a parser with the provided configuration.
func NewTokenParser(cfg TokenParserConfig) *TokenParser {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenParser{
		parser: jwt.NewParser(jwt.WithTimeFunc(clock)),
		clock:  clock,
	}
}

// Parse validates the token shape, subject, and expiry.
func (p *TokenParser) Parse(tokenString string) (Credentials, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Credentials{}, ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := p.parser.ParseUnverified(token, claims); err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Credentials{}, ErrMissingSubject
	}

	credentials := Credentials{AccessToken: token, UserID: subject}
	if claims.ExpiresAt != nil {
		credentials.ExpiresAt = claims.ExpiresAt.Time.UTC()
		if !p.clock().Before(credentials.ExpiresAt) {
			return Credentials{}, ErrExpiredToken
		}
	}
	return credentials, nil
}

type staticSource struct {
	token  string
	parser *TokenParser
}

// NewStaticSource serves a fixed token, re-checking its expiry on every call.
func NewStaticSource(token string, parser *TokenParser) CredentialSource {
	if parser == nil {
		parser = NewTokenParser(TokenParserConfig{})
	}
	return &staticSource{token: token, parser: parser}
}

func (s *staticSource) Credentials(context.Context) (Credentials, error) {
	return s.parser.Parse(s.token)
}

// IsAuthError reports whether err is a credential problem that requires a new login.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMissingToken) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrExpiredToken) ||
		errors.Is(err, ErrMissingSubject)
}
