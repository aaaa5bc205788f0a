// Package api exposes the platform over HTTP: token issuing, flow
// triggering, execution control, and the streaming AI builder chat.
package api

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/n3n-io/n3n/common"
)

// JWTService signs and validates API tokens.
type JWTService struct {
	secret []byte
}

// NewJWTService creates a token service from the shared signing secret.
func NewJWTService(secret string) *JWTService {
	return &JWTService{secret: []byte(secret)}
}

// GenerateToken issues a signed token for the user.
func (j *JWTService) GenerateToken(userID string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", common.WrapError(common.CodeFatal, err, "failed to sign token")
	}
	return signed, nil
}

// ValidateToken parses a token and returns the user id it was issued to.
func (j *JWTService) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, common.PermissionDeniedError("unexpected signing method %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil || !token.Valid {
		return "", common.PermissionDeniedError("invalid token")
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", common.PermissionDeniedError("token carries no subject")
	}
	return subject, nil
}

// CurrentUserID extracts the authenticated user id stored in the echo
// context by the JWT middleware.
func CurrentUserID(c echo.Context) string {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return ""
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return ""
	}
	return subject
}
