// kdf.go -- scrypt key derivation for the credential vault key.
package vault

import (
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// KeyLen is the derived key length; AES-256 needs exactly 32 bytes.
const KeyLen = 32

// DefaultSalt is the fixed salt used when VAULT_KDF_SALT is unset.
// Changing it makes every stored secret undecryptable.
const DefaultSalt = "salt"

// scrypt cost parameters. N=16384, r=8, p=1 matches the parameters
// existing ciphertexts were produced with.
const (
	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

// KeyDeriver turns a long-lived passphrase into a fixed-length symmetric key.
// Derivation is deterministic for a passphrase+salt pair so old secrets stay readable.
type KeyDeriver struct {
	salt []byte
}

// NewKeyDeriver returns a deriver using salt; empty salt falls back to DefaultSalt.
func NewKeyDeriver(salt string) *KeyDeriver {
	if salt == "" {
		salt = DefaultSalt
	}
	return &KeyDeriver{salt: []byte(salt)}
}

// Derive runs scrypt over passphrase and returns a KeyLen-byte key.
// Errors propagate; there is no weaker fallback.
func (d *KeyDeriver) Derive(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("deriving key: %w", ErrInvalidKey)
	}
	key, err := scrypt.Key([]byte(passphrase), d.salt, scryptN, scryptR, scryptP, KeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}
