// secret.go -- EncryptedSecret wire format.
//
// Two variants share one hex, colon-delimited string encoding and are told
// apart by part count:
//
//	Authenticated (AES-256-GCM): iv:tag:ciphertext
//	Legacy        (AES-256-CBC): iv:ciphertext
//
// Legacy values are read-only. Everything written goes out as Authenticated.
package vault

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedSecret is returned when an encoded secret cannot be parsed.
// Indicates data corruption; not retryable.
var ErrMalformedSecret = errors.New("malformed secret")

// ErrAuthenticationFailed is returned when a GCM tag does not verify.
// Treat as tampering or a wrong key, never as a transient failure.
var ErrAuthenticationFailed = errors.New("secret authentication failed")

// ErrInvalidKey is returned for empty passphrases or wrong-length keys.
var ErrInvalidKey = errors.New("invalid vault key")

// ErrCipherClosed is returned by a Cipher whose key has been zeroed.
var ErrCipherClosed = errors.New("cipher closed")

const secretDelimiter = ":"

// Format discriminates the two EncryptedSecret variants.
type Format int

const (
	// FormatLegacy is the unauthenticated two-part CBC encoding.
	FormatLegacy Format = iota + 1
	// FormatAuthenticated is the three-part GCM encoding.
	FormatAuthenticated
)

func (f Format) String() string {
	switch f {
	case FormatLegacy:
		return "legacy"
	case FormatAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// EncryptedSecret is a parsed secret. Tag is nil for FormatLegacy.
type EncryptedSecret struct {
	Format     Format
	IV         []byte
	Tag        []byte
	Ciphertext []byte
}

// ParseSecret decodes an encoded secret, dispatching on part count.
// Any part count other than 2 or 3, or any non-hex part, yields ErrMalformedSecret.
func ParseSecret(encoded string) (EncryptedSecret, error) {
	parts := strings.Split(encoded, secretDelimiter)

	decoded := make([][]byte, len(parts))
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil {
			return EncryptedSecret{}, fmt.Errorf("%w: part %d is not hex", ErrMalformedSecret, i)
		}
		decoded[i] = b
	}

	switch len(parts) {
	case 2:
		if len(decoded[0]) == 0 {
			return EncryptedSecret{}, fmt.Errorf("%w: empty iv", ErrMalformedSecret)
		}
		return EncryptedSecret{Format: FormatLegacy, IV: decoded[0], Ciphertext: decoded[1]}, nil
	case 3:
		if len(decoded[0]) == 0 || len(decoded[1]) == 0 {
			return EncryptedSecret{}, fmt.Errorf("%w: empty iv or tag", ErrMalformedSecret)
		}
		return EncryptedSecret{Format: FormatAuthenticated, IV: decoded[0], Tag: decoded[1], Ciphertext: decoded[2]}, nil
	default:
		return EncryptedSecret{}, fmt.Errorf("%w: expected 2 or 3 parts, got %d", ErrMalformedSecret, len(parts))
	}
}

// String re-encodes the secret in its own format.
func (s EncryptedSecret) String() string {
	if s.Format == FormatLegacy {
		return hex.EncodeToString(s.IV) + secretDelimiter + hex.EncodeToString(s.Ciphertext)
	}
	return hex.EncodeToString(s.IV) + secretDelimiter +
		hex.EncodeToString(s.Tag) + secretDelimiter +
		hex.EncodeToString(s.Ciphertext)
}

// IsLegacy reports whether encoded parses as a legacy secret.
// Unparseable input reports false.
func IsLegacy(encoded string) bool {
	s, err := ParseSecret(encoded)
	return err == nil && s.Format == FormatLegacy
}
