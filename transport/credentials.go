package transport

import (
	"fmt"
	"strings"
)

// Strategy names an authentication strategy.
type Strategy string

const (
	// StrategyConnectionString authenticates with a pre-shared connection
	// secret. Opening with it requires no extra identity lookup.
	StrategyConnectionString Strategy = "connection-string"

	// StrategyAmbientIdentity authenticates with whatever identity the
	// platform provides (credential chains, instance metadata, env files)
	// against a configured endpoint.
	StrategyAmbientIdentity Strategy = "ambient-identity"
)

// Credentials are handed to an Opener. Secret is set for
// StrategyConnectionString, Endpoint for StrategyAmbientIdentity.
type Credentials struct {
	Strategy Strategy
	Secret   string
	Endpoint string
}

func (c Credentials) String() string {
	secret := ""
	if c.Secret != "" {
		secret = "***REDACTED***"
	}
	return fmt.Sprintf("{Strategy:%s Secret:%s Endpoint:%s}", c.Strategy, secret, c.Endpoint)
}

// ParseConnectionString splits a "Key=Value;Key2=Value2" connection string.
// Keys are matched case-insensitively and returned lower-cased. Values may
// contain '=' characters (as base64 keys do).
func ParseConnectionString(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("malformed connection string segment %q", redactSegment(part))
		}
		out[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("connection string is empty")
	}
	return out, nil
}

func redactSegment(part string) string {
	if len(part) <= 4 {
		return "***"
	}
	return part[:4] + "***"
}
