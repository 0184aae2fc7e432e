// signer.go -- HMAC-SHA256 request signing for exchange REST calls.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"time"
)

// ErrMissingSecret is returned when signing is attempted without a plaintext secret.
// Signing never proceeds with a placeholder.
var ErrMissingSecret = errors.New("missing api secret")

// Sign returns base64(HMAC-SHA256(secret, method + path + timestamp + body)).
// method is used as given (callers pass upper case), body is "" for requests without one.
// Pure function: same inputs, same signature.
func Sign(method, path, timestamp, body, secret string) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Timestamp formats t as milliseconds since the Unix epoch.
// Call with time.Now() at request time; exchanges reject stale timestamps.
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
