package vault

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// --- NormalizeCredentials ---

func TestNormalizeCredentials(t *testing.T) {
	t.Run("accepts every field-name variant", func(t *testing.T) {
		payloads := []map[string]any{
			{"apiKey": "k", "apiSecret": "s", "passphrase": "p", "isTestnet": true},
			{"api_key": "k", "api_secret": "s", "api_passphrase": "p", "is_testnet": "true"},
			{"API Key": "k", "API Secret": "s", "Passphrase": "p", "testnet": float64(1)},
			{"APIKEY": "k", "secretKey": "s", "PASSPHRASE": "p", "Testnet": true},
		}
		for i, p := range payloads {
			c, err := NormalizeCredentials(p)
			if err != nil {
				t.Fatalf("payload %d: %v", i, err)
			}
			if c.APIKey != "k" || c.APISecret != "s" || c.Passphrase != "p" || !c.IsTestnet {
				t.Errorf("payload %d: unexpected result %+v", i, c)
			}
		}
	})

	t.Run("trims whitespace", func(t *testing.T) {
		c, err := NormalizeCredentials(map[string]any{"apiKey": "  k ", "apiSecret": "\ts\n"})
		if err != nil {
			t.Fatalf("NormalizeCredentials: %v", err)
		}
		if c.APIKey != "k" || c.APISecret != "s" {
			t.Errorf("expected trimmed values, got %q / %q", c.APIKey, c.APISecret)
		}
	})

	t.Run("missing api key errors", func(t *testing.T) {
		_, err := NormalizeCredentials(map[string]any{"apiSecret": "s"})
		if !errors.Is(err, ErrMissingCredentialField) {
			t.Errorf("expected ErrMissingCredentialField, got %v", err)
		}
	})

	t.Run("missing api secret errors", func(t *testing.T) {
		_, err := NormalizeCredentials(map[string]any{"apiKey": "k"})
		if !errors.Is(err, ErrMissingCredentialField) {
			t.Errorf("expected ErrMissingCredentialField, got %v", err)
		}
	})

	t.Run("passphrase and testnet are optional", func(t *testing.T) {
		c, err := NormalizeCredentials(map[string]any{"apiKey": "k", "apiSecret": "s"})
		if err != nil {
			t.Fatalf("NormalizeCredentials: %v", err)
		}
		if c.Passphrase != "" || c.IsTestnet {
			t.Errorf("expected empty passphrase and mainnet, got %+v", c)
		}
	})
}

// --- Credentials redaction ---

func TestCredentialsRedaction(t *testing.T) {
	c := Credentials{APIKey: "visible-key", APISecret: "visible-secret", Passphrase: "visible-pass"}
	for _, out := range []string{fmt.Sprint(c), fmt.Sprintf("%v", c), fmt.Sprintf("%+v", c), c.LogValue().String()} {
		if strings.Contains(out, "visible") {
			t.Errorf("secret leaked into %q", out)
		}
	}
}

// --- Seal / Open / Migrate ---

func TestSealOpen(t *testing.T) {
	c := mustCipher(t)

	t.Run("round-trips a full set", func(t *testing.T) {
		in := Credentials{APIKey: "k", APISecret: "s", Passphrase: "p", IsTestnet: true}
		set, err := c.Seal(in)
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		if set.APIKey == "k" || set.APISecret == "s" || set.Passphrase == "p" {
			t.Fatal("sealed set should not contain plaintext")
		}
		out, err := c.Open(set)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if out != in {
			t.Errorf("expected %+v, got %+v", in, out)
		}
	})

	t.Run("empty passphrase stays empty", func(t *testing.T) {
		set, err := c.Seal(Credentials{APIKey: "k", APISecret: "s"})
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		if set.Passphrase != "" {
			t.Errorf("expected empty sealed passphrase, got %q", set.Passphrase)
		}
	})

	t.Run("tampered field fails the whole open", func(t *testing.T) {
		set, _ := c.Seal(Credentials{APIKey: "k", APISecret: "s"})
		s, _ := ParseSecret(set.APISecret)
		s.Tag[3] ^= 0x10
		set.APISecret = s.String()

		out, err := c.Open(set)
		if !errors.Is(err, ErrAuthenticationFailed) {
			t.Errorf("expected ErrAuthenticationFailed, got %v", err)
		}
		if out != (Credentials{}) {
			t.Errorf("expected zero Credentials on failure, got %+v", out)
		}
	})

	t.Run("migrate rewrites only legacy fields", func(t *testing.T) {
		authKey, _ := c.Encrypt("k")
		set := ExchangeCredentialSet{
			APIKey:    authKey,
			APISecret: legacyEncrypt(t, testKey(), "s"),
		}
		if !set.HasLegacy() {
			t.Fatal("expected HasLegacy to report true")
		}

		migrated, changed, err := c.Migrate(set)
		if err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		if !changed {
			t.Error("expected changed=true")
		}
		if migrated.APIKey != authKey {
			t.Error("authenticated field should be left untouched")
		}
		if migrated.HasLegacy() {
			t.Error("migrated set should have no legacy fields")
		}
		out, err := c.Open(migrated)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if out.APISecret != "s" {
			t.Errorf("expected %q, got %q", "s", out.APISecret)
		}
	})

	t.Run("migrate is a no-op for authenticated sets", func(t *testing.T) {
		set, _ := c.Seal(Credentials{APIKey: "k", APISecret: "s", Passphrase: "p"})
		_, changed, err := c.Migrate(set)
		if err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		if changed {
			t.Error("expected changed=false")
		}
	})
}
