package tokensource

import (
	"github.com/golang-jwt/jwt/v5"
)

// SubjectIdentifier extracts the subject claim from a JWT refresh token
// without verifying its signature. Verification belongs to the issuing
// server; the client only needs the identifier the server embedded.
// Returns "" for opaque or malformed tokens.
func SubjectIdentifier(refreshToken string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(refreshToken, claims); err != nil {
		return ""
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return subject
}
