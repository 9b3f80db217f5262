package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// AppClaims defines our custom JWT claims structure. DisplayName rides in a
// "name" claim so presence entries can show something human-readable.
type AppClaims struct {
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed tokens. Signature and time-based claims
// (exp, nbf) are both enforced by the parser.
type JWTVerifier struct {
	secret []byte
}

var _ Verifier = (*JWTVerifier)(nil)

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrInvalidCredential
	}

	token, err := jwt.ParseWithClaims(credential, &AppClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(*AppClaims)
	if !ok || claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing 'sub' claim", ErrInvalidCredential)
	}

	name := claims.DisplayName
	if name == "" {
		name = claims.Subject
	}
	return Identity{UserID: claims.Subject, DisplayName: name}, nil
}
