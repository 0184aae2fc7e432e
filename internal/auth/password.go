// password.go

// Argon2id credential hashing, plus the input checks register and login share.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
)

// argonParams are the cost settings encoded into every stored hash.
type argonParams struct {
	Memory  uint32 // KiB
	Time    uint32
	Threads uint8
	KeyLen  uint32
}

// defaultArgon is what new hashes use. Changing it upgrades old hashes at their next login.
var defaultArgon = argonParams{Memory: 64 * 1024, Time: 3, Threads: 2, KeyLen: 32}

const argonSaltLen = 16

var errUnsupportedHash = errors.New("unsupported algorithm")

// passwordHash is one decoded PHC string: $argon2id$v=19$m=65536,t=3,p=2$<salt>$<key>
type passwordHash struct {
	params argonParams
	salt   []byte
	key    []byte
}

func (h passwordHash) String() string {
	b64 := base64.RawStdEncoding.EncodeToString
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.Memory, h.params.Time, h.params.Threads, b64(h.salt), b64(h.key))
}

func parsePasswordHash(encoded string) (passwordHash, error) {
	var h passwordHash
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[0] != "" {
		return h, fmt.Errorf("invalid hash format")
	}
	if fields[1] != "argon2id" {
		return h, errUnsupportedHash
	}

	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil {
		return h, fmt.Errorf("parsing hash version: %w", err)
	}
	if version != argon2.Version {
		return h, fmt.Errorf("unsupported argon2 version: %d", version)
	}

	p := &h.params
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return h, fmt.Errorf("parsing hash params: %w", err)
	}
	// argon2.IDKey panics on a zero time or thread count.
	if p.Time == 0 || p.Threads == 0 {
		return h, fmt.Errorf("invalid hash params %q", fields[3])
	}

	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(fields[4]); err != nil {
		return h, fmt.Errorf("decoding salt: %w", err)
	}
	if h.key, err = base64.RawStdEncoding.DecodeString(fields[5]); err != nil {
		return h, fmt.Errorf("decoding hash: %w", err)
	}
	if len(h.key) == 0 {
		return h, fmt.Errorf("invalid hash format")
	}
	p.KeyLen = uint32(len(h.key))
	return h, nil
}

func deriveKey(password string, salt []byte, p argonParams) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
}

// HashPassword returns a PHC-encoded Argon2id hash of password under defaultArgon.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	h := passwordHash{params: defaultArgon, salt: salt, key: deriveKey(password, salt, defaultArgon)}
	return h.String(), nil
}

// VerifyPassword re-derives with the settings stored in encoded, so hashes written
// under older settings keep verifying. Comparison is constant time.
func VerifyPassword(password, encoded string) (bool, error) {
	h, err := parsePasswordHash(encoded)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(deriveKey(password, h.salt, h.params), h.key) == 1, nil
}

// NeedsRehash reports whether encoded was written under settings other than defaultArgon.
// Unparseable hashes report false; VerifyPassword already rejects them.
func NeedsRehash(encoded string) bool {
	h, err := parsePasswordHash(encoded)
	return err == nil && h.params != defaultArgon
}

// ValidateEmail returns a user-facing problem with email, or "" when it is usable.
// Bounds follow RFC 5321: a@b.c up to 254 octets. Display-name forms are refused.
func ValidateEmail(email string) string {
	switch n := len(email); {
	case n == 0:
		return "No email provided"
	case n < 5:
		return "Email too short!"
	case n > 254:
		return "Email too long!"
	}
	addr, err := netmail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "Invalid email format"
	}
	return ""
}

// NormalizeEmail lowercases and trims an email so rate limits and lookups key on one form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateUsername checks 3-32 chars of letters, digits, underscore, dot or dash.
func ValidateUsername(username string) string {
	if n := len(username); n < 3 || n > 32 {
		return "Username must be 3-32 characters"
	}
	for _, r := range username {
		if !(r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("_.-", r))) {
			return "Username may only contain letters, digits, '_', '.', '-'"
		}
	}
	return ""
}

// PasswordPolicy is the rule set for new account passwords. Lengths count runes and
// 0 disables a bound. The zero value accepts anything free of control characters.
type PasswordPolicy struct {
	MinLength        int
	MaxLength        int
	RequireUppercase bool
	RequireDigit     bool
	RequireSpecial   bool // one of symbolChars
}

const symbolChars = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// Validate lists every rule password breaks; nil means it is acceptable.
// A control character short-circuits to a single failure.
func (p PasswordPolicy) Validate(password string) []string {
	var upper, digit, symbol bool
	for _, r := range password {
		if unicode.IsControl(r) {
			return []string{"Password contains invalid characters"}
		}
		upper = upper || unicode.IsUpper(r)
		digit = digit || unicode.IsDigit(r)
		symbol = symbol || strings.ContainsRune(symbolChars, r)
	}

	var failures []string
	check := func(broken bool, msg string) {
		if broken {
			failures = append(failures, msg)
		}
	}
	n := utf8.RuneCountInString(password)
	check(password == "", "No password provided")
	check(p.MinLength > 0 && n < p.MinLength, fmt.Sprintf("Password must be at least %d characters", p.MinLength))
	check(p.MaxLength > 0 && n > p.MaxLength, fmt.Sprintf("Password must be at most %d characters", p.MaxLength))
	check(p.RequireUppercase && !upper, "Password must contain at least one uppercase letter")
	check(p.RequireDigit && !digit, "Password must contain at least one digit")
	check(p.RequireSpecial && !symbol, "Password must contain at least one special character")
	return failures
}
