package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

type Claims struct {
	Subject string
	Token   string
}

type Authenticator interface {
	Authenticate(r *http.Request) (Claims, error)
}

// StaticToken accepts a single shared bearer token. It guards the balance
// endpoints, which move value and must not be open to receipt submitters.
type StaticToken struct {
	Token string
}

func (a StaticToken) Authenticate(r *http.Request) (Claims, error) {
	bearer, err := extractBearer(r)
	if err != nil {
		return Claims{}, err
	}
	if a.Token == "" || subtle.ConstantTimeCompare([]byte(bearer), []byte(a.Token)) != 1 {
		return Claims{}, ErrInvalidToken
	}
	return Claims{Subject: "balances", Token: bearer}, nil
}

func extractBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
