// Package identity verifies the credential a client presents during the
// connection handshake and maps it to a user identity.
package identity

import (
	"errors"
)

var ErrInvalidCredential = errors.New("invalid credential")

// Identity is the verified result of a handshake credential.
type Identity struct {
	UserID      string
	DisplayName string
}

// Verifier validates a raw credential string. A failed verification is
// terminal: the caller must reject the handshake, never retry.
type Verifier interface {
	Verify(credential string) (Identity, error)
}
