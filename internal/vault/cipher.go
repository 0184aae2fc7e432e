// cipher.go -- AES-256 credential encryption.
//
// Writes only AES-256-GCM (iv:tag:ciphertext). Reads GCM and the older CBC
// format so credentials stored before the switch stay usable.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"sync"
)

// gcmNonceSize is the nonce length for new secrets (standard 96-bit GCM nonce).
const gcmNonceSize = 12

// gcmTagSize is the only tag length accepted on decrypt.
const gcmTagSize = 16

// Cipher encrypts and decrypts credential strings with a key derived once at startup.
// Safe for concurrent use. Call Close on shutdown to zero the key.
type Cipher struct {
	mu  sync.RWMutex
	key []byte
}

// NewCipher derives the vault key from passphrase and returns a ready Cipher.
// Construct once per process and share it.
func NewCipher(d *KeyDeriver, passphrase string) (*Cipher, error) {
	key, err := d.Derive(passphrase)
	if err != nil {
		return nil, err
	}
	return NewCipherWithKey(key)
}

// NewCipherWithKey wraps an already derived 32-byte key. The slice is copied.
func NewCipherWithKey(key []byte) (*Cipher, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidKey, KeyLen, len(key))
	}
	k := make([]byte, KeyLen)
	copy(k, key)
	return &Cipher{key: k}, nil
}

// Close zeroes the key. Later Encrypt/Decrypt calls return ErrCipherClosed.
func (c *Cipher) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.key {
		c.key[i] = 0
	}
	c.key = nil
}

// block returns a fresh AES block for the current key, holding the read lock
// only long enough to build it.
func (c *Cipher) block() (cipher.Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.key == nil {
		return nil, ErrCipherClosed
	}
	b, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("creating aes cipher: %w", err)
	}
	return b, nil
}

// Encrypt seals plaintext with a fresh random nonce and returns iv:tag:ciphertext in hex.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := c.block()
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("creating gcm: %w", err)
	}

	iv := make([]byte, gcmNonceSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}

	// Seal appends the tag to the ciphertext; split it back out for the wire format.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ctLen := len(sealed) - gcm.Overhead()

	return EncryptedSecret{
		Format:     FormatAuthenticated,
		IV:         iv,
		Tag:        sealed[ctLen:],
		Ciphertext: sealed[:ctLen],
	}.String(), nil
}

// Decrypt parses encoded and returns the plaintext.
// ErrMalformedSecret for bad encodings, ErrAuthenticationFailed when the GCM tag
// does not verify. Legacy CBC secrets decrypt without integrity verification.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	secret, err := ParseSecret(encoded)
	if err != nil {
		return "", err
	}
	return c.DecryptSecret(secret)
}

// DecryptSecret decrypts an already parsed secret.
func (c *Cipher) DecryptSecret(secret EncryptedSecret) (string, error) {
	block, err := c.block()
	if err != nil {
		return "", err
	}
	switch secret.Format {
	case FormatAuthenticated:
		return openGCM(block, secret)
	case FormatLegacy:
		return openCBC(block, secret)
	default:
		return "", fmt.Errorf("%w: unknown format", ErrMalformedSecret)
	}
}

// Reencrypt decrypts encoded (either format) and re-encrypts it in the authenticated format.
// One-way migration: the result is never legacy.
func (c *Cipher) Reencrypt(encoded string) (string, error) {
	plaintext, err := c.Decrypt(encoded)
	if err != nil {
		return "", err
	}
	return c.Encrypt(plaintext)
}

func openGCM(block cipher.Block, s EncryptedSecret) (string, error) {
	if len(s.Tag) != gcmTagSize {
		return "", fmt.Errorf("%w: tag must be %d bytes, got %d", ErrMalformedSecret, gcmTagSize, len(s.Tag))
	}

	var gcm cipher.AEAD
	var err error
	if len(s.IV) == gcmNonceSize {
		gcm, err = cipher.NewGCM(block)
	} else {
		// Older writers used 16-byte IVs with GCM.
		gcm, err = cipher.NewGCMWithNonceSize(block, len(s.IV))
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedSecret, err)
	}

	sealed := make([]byte, 0, len(s.Ciphertext)+len(s.Tag))
	sealed = append(sealed, s.Ciphertext...)
	sealed = append(sealed, s.Tag...)

	plaintext, err := gcm.Open(nil, s.IV, sealed, nil)
	if err != nil {
		return "", ErrAuthenticationFailed
	}
	return string(plaintext), nil
}

func openCBC(block cipher.Block, s EncryptedSecret) (string, error) {
	bs := block.BlockSize()
	if len(s.IV) != bs {
		return "", fmt.Errorf("%w: legacy iv must be %d bytes, got %d", ErrMalformedSecret, bs, len(s.IV))
	}
	if len(s.Ciphertext) == 0 || len(s.Ciphertext)%bs != 0 {
		return "", fmt.Errorf("%w: legacy ciphertext is not a multiple of the block size", ErrMalformedSecret)
	}

	out := make([]byte, len(s.Ciphertext))
	cipher.NewCBCDecrypter(block, s.IV).CryptBlocks(out, s.Ciphertext)

	plaintext, err := pkcs7Unpad(out, bs)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad legacy padding", ErrMalformedSecret)
	}
	if !bytes.Equal(b[len(b)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, fmt.Errorf("%w: bad legacy padding", ErrMalformedSecret)
	}
	return b[:len(b)-n], nil
}
