package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const invitationIssuer = "lendpath"

// invitationClaims are signed into invitation links.
type invitationClaims struct {
	OrganizationID string `json:"org"`
	Email          string `json:"email"`
	Role           Role   `json:"role"`
	jwt.RegisteredClaims
}

type invitationSigner struct {
	secret []byte
	now    func() time.Time
}

func (s invitationSigner) sign(inv *Invitation) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("auth: invitation secret is not configured")
	}
	claims := invitationClaims{
		OrganizationID: inv.OrganizationID,
		Email:          inv.Email,
		Role:           inv.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    invitationIssuer,
			Subject:   inv.Email,
			ID:        inv.ID,
			IssuedAt:  jwt.NewNumericDate(inv.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(inv.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign invitation: %w", err)
	}
	return signed, nil
}

func (s invitationSigner) parse(token string) (*invitationClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(s.secret) == 0 {
		return nil, ErrInvalidToken
	}
	claims := &invitationClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(invitationIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ID == "" || claims.OrganizationID == "" || !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
