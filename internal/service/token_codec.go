package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fitsync/fitsync-api/internal/models"
	appErrors "github.com/fitsync/fitsync-api/pkg/errors"
)

// AccessTokenCodec signs and verifies the short-lived access token carrying
// the caller's identity claims. Tokens are HS256 JWTs; nothing about them is
// persisted server-side.
type AccessTokenCodec struct {
	secret   []byte
	issuer   string
	audience []string
}

// NewAccessTokenCodec constructs a codec from signing material.
func NewAccessTokenCodec(secret, issuer string, audience []string) *AccessTokenCodec {
	return &AccessTokenCodec{secret: []byte(secret), issuer: issuer, audience: audience}
}

// Encode produces a signed access token for the user, bounded by expiresAt.
func (c *AccessTokenCodec) Encode(user *models.User, issuedAt, expiresAt time.Time) (string, error) {
	claims := &models.JWTClaims{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   user.ID,
			Audience:  c.audience,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

// Decode verifies the signature and validity window before returning any
// claim. Failures are classified as malformed, bad signature, or expired.
func (c *AccessTokenCodec) Decode(tokenString string) (*models.JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, appErrors.Wrap(err, appErrors.ErrTokenMalformed.Code, appErrors.ErrTokenMalformed.Status, "access token malformed")
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, appErrors.Wrap(err, appErrors.ErrTokenExpired.Code, appErrors.ErrTokenExpired.Status, "access token expired")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, appErrors.Wrap(err, appErrors.ErrTokenInvalidSignature.Code, appErrors.ErrTokenInvalidSignature.Status, "access token signature invalid")
		default:
			return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid access token")
		}
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}

	return claims, nil
}
