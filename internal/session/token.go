package session

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"carspot-service/internal/domain/car"
)

// IDTokenClaims is the identity provider's ID token payload.
type IDTokenClaims struct {
	jwt.RegisteredClaims
	Username          string `json:"cognito:username,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`
	Profile           string `json:"profile,omitempty"`
	Picture           string `json:"picture,omitempty"`
}

// TokenProvider verifies HS256 ID tokens issued by the identity provider.
type TokenProvider struct {
	secret []byte
	issuer string
}

func NewTokenProvider(secret, issuer string) *TokenProvider {
	return &TokenProvider{secret: []byte(secret), issuer: issuer}
}

func (p *TokenProvider) Parse(raw string) (User, error) {
	if raw == "" {
		return User{}, fmt.Errorf("%w: missing token", car.ErrAuthRequired)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	claims := &IDTokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return p.secret, nil
	}, opts...)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", car.ErrAuthRequired, err)
	}
	if claims.Subject == "" {
		return User{}, fmt.Errorf("%w: token has no subject", car.ErrAuthRequired)
	}

	username := claims.Username
	if username == "" {
		username = claims.Subject
	}
	return User{
		UserID:   claims.Subject,
		Username: username,
		Attributes: Attributes{
			PreferredUsername: claims.PreferredUsername,
			Email:             claims.Email,
			Profile:           claims.Profile,
			Picture:           claims.Picture,
		},
	}, nil
}

// For returns a Provider backed by one raw token. Every resolution verifies
// the token again, so an expired token signs the context out on Refresh.
func (p *TokenProvider) For(raw string) Provider {
	return tokenSession{tp: p, raw: raw}
}

type tokenSession struct {
	tp  *TokenProvider
	raw string
}

func (s tokenSession) CurrentUser(context.Context) (User, error) {
	u, err := s.tp.Parse(s.raw)
	if err != nil {
		return User{}, err
	}
	u.Attributes = Attributes{}
	return u, nil
}

func (s tokenSession) FetchUserAttributes(context.Context) (Attributes, error) {
	u, err := s.tp.Parse(s.raw)
	if err != nil {
		return Attributes{}, err
	}
	return u.Attributes, nil
}
