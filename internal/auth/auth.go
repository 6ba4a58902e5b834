package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrSignToken    = errors.New("error signing token")
)

// Identity is a verified browser user.
type Identity struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

type Claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret string
	Issuer string
	// TTL of issued tokens. Zero issues tokens without expiry.
	TTL time.Duration
	Now func() time.Time
}

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func New(cfg Config) *Verifier {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Verifier{secret: []byte(cfg.Secret), issuer: cfg.Issuer, ttl: cfg.TTL, now: now}
}

func (v *Verifier) Verify(token string) (Identity, error) {
	const fn = "Verifier:Verify"
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%s:%w:%w", fn, ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.UserID <= 0 {
		return Identity{}, fmt.Errorf("%s:%w", fn, ErrInvalidToken)
	}
	return Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

// Issue signs a token for id. Used by operator tooling and tests.
func (v *Verifier) Issue(id Identity) (string, error) {
	const fn = "Verifier:Issue"
	now := v.now()
	claims := Claims{
		UserID:   id.UserID,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   v.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if v.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(v.ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("%s:%w:%w", fn, ErrSignToken, err)
	}
	return signed, nil
}
