package verify

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

var (
	ErrTokenExpired = errors.New("verify: token expired")
	ErrInvalidToken = errors.New("verify: invalid token")
	ErrEmptySecret  = errors.New("verify: empty token secret")
)

// Claims is the payload of a verification token.
type Claims struct {
	Verified bool `json:"verified"`
	jwt.RegisteredClaims
}

// Issuer mints and checks HS256 verification tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("verify: token ttl must be > 0, got %s", ttl)
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a fresh token for an anonymous verified subject.
func (i *Issuer) Issue() (token string, expiresAt time.Time, err error) {
	now := i.now().Truncate(time.Second)
	expiresAt = now.Add(i.ttl)

	claims := &Claims{
		Verified: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("verify: sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Parse validates a token minted by this issuer. The relay itself never calls
// it; it exists for downstream consumers of the token.
func (i *Issuer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || !claims.Verified {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
