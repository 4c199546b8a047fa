package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrInternalToken = errors.New("invalid internal token")
)

// Service verifies the bearer tokens issued by the identity service and the
// shared secret internal callers present. Users themselves live elsewhere.
type Service struct {
	issuer       string
	secret       []byte
	ttl          time.Duration
	internalHash []byte
}

func NewService(issuer string, secret []byte, ttl time.Duration) *Service {
	return &Service{issuer: issuer, secret: secret, ttl: ttl}
}

// SetInternalTokenHash installs the bcrypt hash internal callers are checked against.
func (s *Service) SetInternalTokenHash(hash string) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		s.internalHash = nil
		return
	}
	s.internalHash = []byte(hash)
}

func (s *Service) IssueToken(userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id is required")
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(s.secret)
}

func (s *Service) ParseToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", errors.Join(ErrInvalidToken, errors.New("invalid subject"))
	}
	return claims.Subject, nil
}

// CheckInternalToken compares token against the configured bcrypt hash. With
// no hash configured every internal call is refused.
func (s *Service) CheckInternalToken(token string) error {
	if len(s.internalHash) == 0 || token == "" {
		return ErrInternalToken
	}
	if err := bcrypt.CompareHashAndPassword(s.internalHash, []byte(token)); err != nil {
		return ErrInternalToken
	}
	return nil
}

// HashInternalToken produces the value stored in INTERNAL_API_TOKEN_HASH.
func HashInternalToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errors.New("token is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
