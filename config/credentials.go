package config

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Credentials holds API access material for private channels. The secret is
// stored decoded; String and GoString never expose it.
type Credentials struct {
	apiKey    string
	apiSecret []byte
	wsToken   string
}

// NewCredentials builds credentials from an API key and the base64-encoded
// secret issued by the exchange. The websocket token authorizes private
// channel subscriptions and is obtained out of band.
func NewCredentials(apiKey, apiSecret, wsToken string) (*Credentials, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key must not be empty")
	}
	decoded, err := base64.StdEncoding.DecodeString(apiSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid api secret encoding: %w", err)
	}
	return &Credentials{apiKey: apiKey, apiSecret: decoded, wsToken: wsToken}, nil
}

// CredentialsFromEnv loads KRAKEN_API_KEY, KRAKEN_API_SECRET and
// KRAKEN_WS_TOKEN, reading a .env file first if present.
func CredentialsFromEnv() (*Credentials, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	apiKey := os.Getenv("KRAKEN_API_KEY")
	apiSecret := os.Getenv("KRAKEN_API_SECRET")
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("KRAKEN_API_KEY and KRAKEN_API_SECRET must be set")
	}
	return NewCredentials(apiKey, apiSecret, os.Getenv("KRAKEN_WS_TOKEN"))
}

// APIKey returns the API key for request headers.
func (c *Credentials) APIKey() string { return c.apiKey }

// Token returns the websocket token used in private subscribe frames.
func (c *Credentials) Token() string { return c.wsToken }

// Secrets lists the raw strings the logger must redact.
func (c *Credentials) Secrets() []string {
	out := []string{c.apiKey}
	if len(c.apiSecret) > 0 {
		out = append(out, base64.StdEncoding.EncodeToString(c.apiSecret))
	}
	if c.wsToken != "" {
		out = append(out, c.wsToken)
	}
	return out
}

// Sign produces the request signature:
// base64(HMAC-SHA512(path || SHA256(nonce || postData), secret)).
func (c *Credentials) Sign(uriPath string, nonce uint64, postData string) string {
	inner := sha256.New()
	fmt.Fprintf(inner, "%d", nonce)
	inner.Write([]byte(postData))

	mac := hmac.New(sha512.New, c.apiSecret)
	mac.Write([]byte(uriPath))
	mac.Write(inner.Sum(nil))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// GenerateNonce returns the current time in microseconds since the epoch.
// Two calls within the same microsecond return the same value.
func GenerateNonce() uint64 {
	return uint64(time.Now().UnixMicro())
}

// String implements fmt.Stringer without exposing material.
func (c *Credentials) String() string {
	key := c.apiKey
	if len(key) > 8 {
		key = key[:8] + "..."
	}
	return fmt.Sprintf("Credentials{api_key: %s, api_secret: [REDACTED]}", key)
}

// GoString keeps %#v output redacted as well.
func (c *Credentials) GoString() string { return c.String() }
