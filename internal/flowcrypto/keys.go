package flowcrypto

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// ParsePrivateKey parses an unencrypted PKCS#8 PEM RSA private key.
// Literal "\n" sequences are expanded first so keys pasted into env files work.
func ParsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	text := strings.TrimSpace(strings.ReplaceAll(string(pemData), `\n`, "\n"))
	if text == "" {
		return nil, fmt.Errorf("%w: private key is empty", ErrConfiguration)
	}
	block, _ := pem.Decode([]byte(text))
	if block == nil {
		return nil, fmt.Errorf("%w: private key is not PEM encoded", ErrConfiguration)
	}
	switch block.Type {
	case "PRIVATE KEY":
	case "ENCRYPTED PRIVATE KEY":
		return nil, fmt.Errorf("%w: encrypted private keys are not supported, export an unencrypted PKCS#8 key", ErrConfiguration)
	case "RSA PRIVATE KEY":
		return nil, fmt.Errorf("%w: PKCS#1 key found, convert it with `openssl pkcs8 -topk8 -nocrypt`", ErrConfiguration)
	default:
		return nil, fmt.Errorf("%w: unsupported PEM block %q, want PRIVATE KEY", ErrConfiguration, block.Type)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid PKCS#8 key: %v", ErrConfiguration, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: PKCS#8 key is %T, want RSA", ErrConfiguration, parsed)
	}
	return key, nil
}

// KeyLoader returns raw PEM bytes for the private key.
type KeyLoader func() ([]byte, error)

// PEMFromValue returns a loader for key material held in memory, such as an env var.
func PEMFromValue(pemText string) KeyLoader {
	return func() ([]byte, error) {
		if pemText == "" {
			return nil, fmt.Errorf("%w: FLOW_PRIVATE_KEY is not set", ErrConfiguration)
		}
		return []byte(pemText), nil
	}
}

// PEMFromFile returns a loader reading the key from path.
func PEMFromFile(path string) KeyLoader {
	return func() ([]byte, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read private key file: %v", ErrConfiguration, err)
		}
		return data, nil
	}
}

// KeyCache holds the process-wide private key handle. The key is loaded on
// first use and is read-only afterwards; Reset discards it.
type KeyCache struct {
	mu     sync.Mutex
	loader KeyLoader
	key    *rsa.PrivateKey
}

// NewKeyCache creates a cache backed by loader. A nil loader yields a cache
// whose Get always fails with ErrConfiguration.
func NewKeyCache(loader KeyLoader) *KeyCache {
	return &KeyCache{loader: loader}
}

// Get returns the cached key, loading and parsing it if needed.
func (c *KeyCache) Get() (*rsa.PrivateKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != nil {
		return c.key, nil
	}
	if c.loader == nil {
		return nil, fmt.Errorf("%w: no private key configured", ErrConfiguration)
	}
	raw, err := c.loader()
	if err != nil {
		return nil, err
	}
	key, err := ParsePrivateKey(raw)
	if err != nil {
		return nil, err
	}
	slog.Debug("KeyCache.Get: private key loaded", "bits", key.N.BitLen())
	c.key = key
	return key, nil
}

// Reset drops the cached key so the next Get reloads it.
func (c *KeyCache) Reset() {
	c.mu.Lock()
	c.key = nil
	c.mu.Unlock()
}

// Configured reports whether a loader is present.
func (c *KeyCache) Configured() bool {
	return c != nil && c.loader != nil
}
