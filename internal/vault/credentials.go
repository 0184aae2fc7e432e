// credentials.go -- exchange credential sets and field-name normalization.
package vault

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// ErrMissingCredentialField is returned by NormalizeCredentials when a required field is absent.
var ErrMissingCredentialField = errors.New("missing credential field")

// ExchangeCredentialSet is the at-rest form: every secret field is an encoded EncryptedSecret.
type ExchangeCredentialSet struct {
	APIKey     string
	APISecret  string
	Passphrase string
	IsTestnet  bool
}

// HasLegacy reports whether any field still uses the legacy encoding.
func (s ExchangeCredentialSet) HasLegacy() bool {
	return IsLegacy(s.APIKey) || IsLegacy(s.APISecret) || (s.Passphrase != "" && IsLegacy(s.Passphrase))
}

// Credentials is the decrypted, canonical credential shape.
// Lives only for the duration of one request; never persisted, logged, or echoed.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
	IsTestnet  bool
}

// String redacts every secret so fmt verbs can't leak them.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{APIKey:[REDACTED] APISecret:[REDACTED] Passphrase:[REDACTED] IsTestnet:%t}", c.IsTestnet)
}

// LogValue keeps secrets out of slog output.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("api_key", "[REDACTED]"),
		slog.Bool("is_testnet", c.IsTestnet),
	)
}

// Field-name variants seen in stored and submitted credential payloads.
// Matched case-sensitively first, then case-insensitively.
var (
	apiKeyFields     = []string{"apiKey", "api_key", "API Key", "apikey", "key"}
	apiSecretFields  = []string{"apiSecret", "api_secret", "API Secret", "secretKey", "secret_key", "secret"}
	passphraseFields = []string{"passphrase", "api_passphrase", "Passphrase", "apiPassphrase"}
	testnetFields    = []string{"isTestnet", "is_testnet", "testnet", "Testnet"}
)

// NormalizeCredentials maps a loosely-keyed payload onto Credentials.
// Called once at the ingestion boundary so consumers never repeat fallback lookups.
// apiKey and apiSecret are required; passphrase is optional (not every exchange uses one).
func NormalizeCredentials(fields map[string]any) (Credentials, error) {
	var c Credentials

	c.APIKey = strings.TrimSpace(lookupString(fields, apiKeyFields))
	if c.APIKey == "" {
		return Credentials{}, fmt.Errorf("%w: api key", ErrMissingCredentialField)
	}
	c.APISecret = strings.TrimSpace(lookupString(fields, apiSecretFields))
	if c.APISecret == "" {
		return Credentials{}, fmt.Errorf("%w: api secret", ErrMissingCredentialField)
	}
	c.Passphrase = strings.TrimSpace(lookupString(fields, passphraseFields))
	c.IsTestnet = lookupBool(fields, testnetFields)

	return c, nil
}

func lookup(fields map[string]any, names []string) (any, bool) {
	for _, n := range names {
		if v, ok := fields[n]; ok {
			return v, true
		}
	}
	for k, v := range fields {
		for _, n := range names {
			if strings.EqualFold(k, n) {
				return v, true
			}
		}
	}
	return nil, false
}

func lookupString(fields map[string]any, names []string) string {
	v, ok := lookup(fields, names)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func lookupBool(fields map[string]any, names []string) bool {
	v, ok := lookup(fields, names)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	case float64:
		return t != 0
	}
	return false
}

// Seal encrypts every field of c into an ExchangeCredentialSet.
// An empty passphrase stays empty rather than encrypting "".
func (ci *Cipher) Seal(c Credentials) (ExchangeCredentialSet, error) {
	var set ExchangeCredentialSet
	var err error

	if set.APIKey, err = ci.Encrypt(c.APIKey); err != nil {
		return ExchangeCredentialSet{}, fmt.Errorf("encrypting api key: %w", err)
	}
	if set.APISecret, err = ci.Encrypt(c.APISecret); err != nil {
		return ExchangeCredentialSet{}, fmt.Errorf("encrypting api secret: %w", err)
	}
	if c.Passphrase != "" {
		if set.Passphrase, err = ci.Encrypt(c.Passphrase); err != nil {
			return ExchangeCredentialSet{}, fmt.Errorf("encrypting passphrase: %w", err)
		}
	}
	set.IsTestnet = c.IsTestnet
	return set, nil
}

// Open decrypts every field of set. Any failure aborts; no partial Credentials are returned.
func (ci *Cipher) Open(set ExchangeCredentialSet) (Credentials, error) {
	var c Credentials
	var err error

	if c.APIKey, err = ci.Decrypt(set.APIKey); err != nil {
		return Credentials{}, fmt.Errorf("decrypting api key: %w", err)
	}
	if c.APISecret, err = ci.Decrypt(set.APISecret); err != nil {
		return Credentials{}, fmt.Errorf("decrypting api secret: %w", err)
	}
	if set.Passphrase != "" {
		if c.Passphrase, err = ci.Decrypt(set.Passphrase); err != nil {
			return Credentials{}, fmt.Errorf("decrypting passphrase: %w", err)
		}
	}
	c.IsTestnet = set.IsTestnet
	return c, nil
}

// Migrate re-encrypts any legacy fields of set in the authenticated format.
// Returns the (possibly unchanged) set and whether anything was rewritten.
func (ci *Cipher) Migrate(set ExchangeCredentialSet) (ExchangeCredentialSet, bool, error) {
	changed := false
	for _, f := range []*string{&set.APIKey, &set.APISecret, &set.Passphrase} {
		if *f == "" || !IsLegacy(*f) {
			continue
		}
		out, err := ci.Reencrypt(*f)
		if err != nil {
			return ExchangeCredentialSet{}, false, fmt.Errorf("migrating credential field: %w", err)
		}
		*f = out
		changed = true
	}
	return set, changed, nil
}
