package transport

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

type jwtSource struct {
	secret  []byte
	subject string
	ttl     time.Duration
}

// NewTokenSource returns a source of HS256 tokens for subject, each valid for
// ttl. Tokens are reused until they are about to expire.
func NewTokenSource(secret []byte, subject string, ttl time.Duration) (oauth2.TokenSource, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	if subject == "" {
		return nil, errors.New("token subject is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return oauth2.ReuseTokenSource(nil, &jwtSource{secret: secret, subject: subject, ttl: ttl}), nil
}

func (s *jwtSource) Token() (*oauth2.Token, error) {
	now := time.Now()
	exp := now.Add(s.ttl)
	claims := jwt.MapClaims{
		"sub": s.subject,
		"iat": now.Unix(),
		"exp": exp.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: signed, TokenType: "Bearer", Expiry: exp}, nil
}
