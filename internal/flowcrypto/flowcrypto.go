// Package flowcrypto unwraps and rewraps Flow data-exchange envelopes.
//
// Requests carry an AES key wrapped with the business RSA key (OAEP, SHA-256),
// an IV, and an AES-GCM ciphertext. Responses are sealed with the same AES key
// and the bitwise complement of the request IV.
package flowcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/DineFlow/internal/envelope"
)

// AESKeySize is the length of the symmetric key carried in every request envelope.
const AESKeySize = 16

// Error classes surfaced to the HTTP boundary.
var (
	// ErrDecryptionFailed means the envelope could not be opened with our key.
	// Callers must answer 421 so the platform refreshes the public key.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrConfiguration means the private key material is missing or unusable.
	ErrConfiguration = errors.New("configuration error")
)

// Envelope is the encrypted request body as it arrives on the wire.
type Envelope struct {
	EncryptedFlowData string `json:"encrypted_flow_data"`
	EncryptedAESKey   string `json:"encrypted_aes_key"`
	InitialVector     string `json:"initial_vector"`
}

// Context carries the per-request AES key and IV needed to encrypt the reply.
// It must not outlive the request it was produced for.
type Context struct {
	aesKey []byte
	iv     []byte
}

// IsEncryptedEnvelope reports whether body has the three envelope fields as strings.
func IsEncryptedEnvelope(body map[string]any) bool {
	for _, k := range []string{"encrypted_flow_data", "encrypted_aes_key", "initial_vector"} {
		if _, ok := body[k].(string); !ok {
			return false
		}
	}
	return true
}

// EnvelopeFromMap extracts the envelope fields from a decoded JSON body.
func EnvelopeFromMap(body map[string]any) Envelope {
	data, _ := body["encrypted_flow_data"].(string)
	key, _ := body["encrypted_aes_key"].(string)
	iv, _ := body["initial_vector"].(string)
	return Envelope{EncryptedFlowData: data, EncryptedAESKey: key, InitialVector: iv}
}

// FlipIV returns a new slice holding the bitwise complement of iv.
func FlipIV(iv []byte) []byte {
	out := make([]byte, len(iv))
	for i, b := range iv {
		out[i] = b ^ 0xFF
	}
	return out
}

// Decrypt opens env with key and unmarshals the JSON plaintext into v.
func Decrypt(env Envelope, key *rsa.PrivateKey, v any) (*Context, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: private key not loaded", ErrDecryptionFailed)
	}
	wrappedKey, err := envelope.Decode(env.EncryptedAESKey)
	if err != nil {
		return nil, fmt.Errorf("encrypted_aes_key: %w", err)
	}
	iv, err := envelope.Decode(env.InitialVector)
	if err != nil {
		return nil, fmt.Errorf("initial_vector: %w", err)
	}
	payload, err := envelope.Decode(env.EncryptedFlowData)
	if err != nil {
		return nil, fmt.Errorf("encrypted_flow_data: %w", err)
	}
	if len(iv) == 0 {
		return nil, fmt.Errorf("%w: empty initial_vector", envelope.ErrMalformedInput)
	}

	aesKey, err := rsa.DecryptOAEP(sha256.New(), nil, key, wrappedKey, nil)
	if err != nil {
		slog.Debug("flowcrypto.Decrypt: RSA unwrap failed", "error", err)
		return nil, fmt.Errorf("%w: unwrap aes key: %v", ErrDecryptionFailed, err)
	}
	if len(aesKey) != AESKeySize {
		return nil, fmt.Errorf("%w: aes key is %d bytes, want %d", ErrDecryptionFailed, len(aesKey), AESKeySize)
	}

	gcm, err := newGCM(aesKey, len(iv))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plaintext, err := gcm.Open(nil, iv, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open payload: %v", ErrDecryptionFailed, err)
	}

	if v != nil {
		if err := json.Unmarshal(plaintext, v); err != nil {
			return nil, fmt.Errorf("%w: decrypted payload is not JSON: %v", envelope.ErrMalformedInput, err)
		}
	}
	return &Context{aesKey: aesKey, iv: iv}, nil
}

// Encrypt serializes payload as JSON and seals it with the request key and the flipped IV.
func Encrypt(payload any, c *Context) (string, error) {
	if c == nil {
		return "", errors.New("flowcrypto: nil context")
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal response: %w", err)
	}
	flipped := FlipIV(c.iv)
	gcm, err := newGCM(c.aesKey, len(flipped))
	if err != nil {
		return "", err
	}
	return envelope.Encode(gcm.Seal(nil, flipped, plaintext, nil)), nil
}

// NewContext builds a Context from raw key material. It exists for callers
// that hold the AES key themselves, such as test clients and the platform simulator.
func NewContext(aesKey, iv []byte) *Context {
	return &Context{aesKey: append([]byte(nil), aesKey...), iv: append([]byte(nil), iv...)}
}

// Seal builds an envelope for payload the way the platform does: a fresh AES
// key and IV, the key wrapped with pub. The returned Context opens the reply.
func Seal(payload any, pub *rsa.PublicKey) (Envelope, *Context, error) {
	aesKey := make([]byte, AESKeySize)
	iv := make([]byte, AESKeySize)
	if _, err := rand.Read(aesKey); err != nil {
		return Envelope{}, nil, err
	}
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, nil, err
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, nil, err
	}
	gcm, err := newGCM(aesKey, len(iv))
	if err != nil {
		return Envelope{}, nil, err
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		return Envelope{}, nil, err
	}
	env := Envelope{
		EncryptedFlowData: envelope.Encode(gcm.Seal(nil, iv, plaintext, nil)),
		EncryptedAESKey:   envelope.Encode(wrapped),
		InitialVector:     envelope.Encode(iv),
	}
	return env, &Context{aesKey: aesKey, iv: iv}, nil
}

// OpenResponse decrypts a reply produced by Encrypt using the flipped IV.
func OpenResponse(ciphertext string, c *Context, v any) error {
	raw, err := envelope.Decode(ciphertext)
	if err != nil {
		return err
	}
	flipped := FlipIV(c.iv)
	gcm, err := newGCM(c.aesKey, len(flipped))
	if err != nil {
		return err
	}
	plaintext, err := gcm.Open(nil, flipped, raw, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return json.Unmarshal(plaintext, v)
}

func newGCM(key []byte, nonceSize int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	// 16-byte IVs are the platform convention; GCM defaults to 12.
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}
