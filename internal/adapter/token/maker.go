package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const minSecretLen = 32

// Maker issues and verifies the HS256 bearer tokens guarding the HTTP API.
type Maker struct {
	secret string
}

func NewMaker(secret string) (*Maker, error) {
	if len(secret) < minSecretLen {
		return nil, errors.New("invalid key size: must be at least 32 characters")
	}
	return &Maker{secret: secret}, nil
}

// CreateToken mints a token for subject, valid for duration.
func (m *Maker) CreateToken(subject string, duration time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"jti": uuid.NewString(),
		"iat": jwt.NewNumericDate(time.Now()),
		"exp": jwt.NewNumericDate(time.Now().Add(duration)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(m.secret))
}

// VerifyToken checks signature and expiry and returns the subject.
func (m *Maker) VerifyToken(tokenString string) (string, error) {
	keyFunc := func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("token is invalid")
		}
		return []byte(m.secret), nil
	}

	tok, err := jwt.Parse(tokenString, keyFunc)
	if err != nil {
		return "", err
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok || !tok.Valid {
		return "", errors.New("token is invalid")
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", errors.New("token is invalid")
	}
	return sub, nil
}
