package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed, badly signed, or
	// carries no subject.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when a token's exp claim is in the past.
	ErrExpiredToken = errors.New("token expired")
	// ErrMissingSecret is returned when a verifier is built without a secret.
	ErrMissingSecret = errors.New("auth: signing secret must be set")
)

// Claims holds the JWT claims the dictionary backend issues.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
}

// Identity is the verified result of a bearer token.
type Identity struct {
	UserID    string
	Name      string
	Role      Role
	ExpiresAt time.Time
}

// Verifier validates HS256 bearer tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier returns a Verifier for the given secret. When issuer is non-empty
// the iss claim must match it.
func NewVerifier(secret []byte, issuer string) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	return &Verifier{secret: secret, issuer: issuer, now: time.Now}, nil
}

// Verify parses the token and checks its signature, expiry, and issuer.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	id := Identity{
		UserID: claims.Subject,
		Name:   claims.Name,
		Role:   ParseRole(claims.Role),
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	// A signed token with an unknown role still identifies a user.
	if id.Role == RoleAnonymous {
		id.Role = RoleUser
	}
	return id, nil
}

// Issuer mints HS256 tokens with the same secret a Verifier checks. Used by
// tests and local tooling; production tokens come from the REST backend.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewIssuer returns an Issuer whose tokens live for ttl.
func NewIssuer(secret []byte, issuer string, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: secret, issuer: issuer, ttl: ttl}, nil
}

// Issue signs a token for the user with the given role.
func (i *Issuer) Issue(userID string, role Role) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Role: role.String(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}
