// Package credential decodes gateway credentials.
//
// A credential is three dot-separated segments. The middle segment is
// base64-encoded JSON that names the gateway host; the whole credential is
// what the client presents when it authenticates.
package credential

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/rickgao/structlink/internal/protocol"
)

// GatewayPath is appended to the host to form the websocket endpoint.
const GatewayPath = "/gateway"

// Credential is a decoded credential.
type Credential struct {
	Token  string         // credential with any scheme prefix removed
	Host   string         // gateway host[:port] from the claims
	Claims map[string]any // every claim in the middle segment
}

// schemePrefix matches a leading "Bearer " or "scheme://" run.
var schemePrefix = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.\-]*(?:://|\s+)`)

// Parse decodes raw into a Credential.
func Parse(raw string) (*Credential, error) {
	token := strings.TrimSpace(raw)
	token = strings.TrimSpace(schemePrefix.ReplaceAllString(token, ""))

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, invalid(fmt.Sprintf("expected 3 segments, got %d", len(parts)), nil)
	}

	payload, err := decodeSegment(parts[1])
	if err != nil {
		return nil, invalid("decode claims segment", err)
	}

	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, invalid("parse claims", err)
	}

	host, _ := claims["host"].(string)
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, invalid("claims have no host", nil)
	}

	return &Credential{
		Token:  token,
		Host:   host,
		Claims: claims,
	}, nil
}

// Load reads a credential from a file and parses it.
func Load(path string) (*Credential, error) {
	if path == "" {
		return nil, fmt.Errorf("credential path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	return Parse(string(data))
}

// Endpoint returns the websocket URL for the credential's gateway.
func (c *Credential) Endpoint() string {
	return "ws://" + c.Host + GatewayPath
}

// decodeSegment accepts both URL-safe and standard alphabets, padded or not.
func decodeSegment(seg string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.StdEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(seg)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func invalid(msg string, cause error) error {
	return &protocol.Error{Kind: protocol.KindInvalidCredential, Message: msg, Err: cause}
}
