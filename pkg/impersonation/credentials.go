package impersonation

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const credentialIssuer = "schoolguard/impersonation"

// Claims identify the session a credential belongs to. Subject is the
// impersonated user's id.
type Claims struct {
	SessionID      int64 `json:"sid"`
	ImpersonatorID int64 `json:"imp"`
	jwt.RegisteredClaims
}

// UserID parses the subject
func (c *Claims) UserID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}

// Signer mints and verifies impersonation credentials (HS256)
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a signer. The secret must be at least 32 bytes.
func NewSigner(secret string) (*Signer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("impersonation secret must be at least 32 bytes")
	}
	return &Signer{secret: []byte(secret), now: time.Now}, nil
}

// Mint issues a credential for session, valid until its TokenExpiresAt
func (s *Signer) Mint(session *Session) (string, error) {
	claims := Claims{
		SessionID:      session.ID,
		ImpersonatorID: session.SuperAdminID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(session.ImpersonatedUserID, 10),
			Issuer:    credentialIssuer,
			IssuedAt:  jwt.NewNumericDate(session.StartedAt),
			ExpiresAt: jwt.NewNumericDate(session.TokenExpiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign impersonation credential: %w", err)
	}
	return token, nil
}

// Parse verifies a credential. An expired but otherwise valid credential
// returns its claims together with ErrCredentialExpired.
func (s *Signer) Parse(credential string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(credentialIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		// the signature is verified before claims are validated
		if errors.Is(err, jwt.ErrTokenExpired) && claims.Issuer == credentialIssuer && claims.SessionID != 0 {
			return claims, ErrCredentialExpired
		}
		return nil, fmt.Errorf("invalid impersonation credential: %w", err)
	}
	if !token.Valid || claims.SessionID == 0 {
		return nil, fmt.Errorf("invalid impersonation credential")
	}
	return claims, nil
}
