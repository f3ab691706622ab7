package tokenstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"maps"
	"strings"
)

// encryptedPrefix marks a token value that was sealed at rest.
const encryptedPrefix = "enc:"

// KeySize is the required key length for AES-256.
const KeySize = 32

// Encryption seals token values in the snapshot with AES-256-GCM.
// A nil or disabled Encryption stores tokens in plaintext.
//
// Each value is stored as "enc:" + base64(nonce || ciphertext || tag), so
// the snapshot stays diffable and only the secrets are opaque.
type Encryption struct {
	aead cipher.AEAD
}

// NewEncryption returns an Encryption for key. An empty key disables
// encryption.
func NewEncryption(key []byte) (*Encryption, error) {
	if len(key) == 0 {
		return &Encryption{}, nil
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes, got %d bytes", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryption{aead: aead}, nil
}

// Enabled reports whether values are sealed.
func (e *Encryption) Enabled() bool {
	return e != nil && e.aead != nil
}

// Seal encrypts a token value. Empty values stay empty.
func (e *Encryption) Seal(plaintext string) (string, error) {
	if !e.Enabled() || plaintext == "" {
		return plaintext, nil
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without the prefix are returned as-is so a
// plaintext snapshot can be migrated by enabling a key.
func (e *Encryption) Open(value string) (string, error) {
	encoded, sealed := strings.CutPrefix(value, encryptedPrefix)
	if !sealed {
		return value, nil
	}
	if !e.Enabled() {
		return "", fmt.Errorf("token is encrypted but no encryption key is configured")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	nonceSize := e.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	plaintext, err := e.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// KeyFromBase64 decodes a base64 key as stored in the environment.
// An empty string returns a nil key, which disables encryption.
func KeyFromBase64(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d bytes", KeySize, len(key))
	}
	return key, nil
}

// GenerateKey returns a fresh random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return key, nil
}

// secretExtras are grant fields kept in Extra that are bearer credentials
// in their own right and are sealed like the tokens.
var secretExtras = []string{"id_token"}

func (e *Encryption) sealRecord(r Record) (Record, error) {
	var err error
	if r.AccessToken, err = e.Seal(r.AccessToken); err != nil {
		return Record{}, err
	}
	if r.RefreshToken, err = e.Seal(r.RefreshToken); err != nil {
		return Record{}, err
	}
	r.Extra, err = e.mapSecretExtras(r.Extra, e.Seal)
	if err != nil {
		return Record{}, err
	}
	return r, nil
}

func (e *Encryption) openRecord(r Record) (Record, error) {
	var err error
	if r.AccessToken, err = e.Open(r.AccessToken); err != nil {
		return Record{}, fmt.Errorf("access token: %w", err)
	}
	if r.RefreshToken, err = e.Open(r.RefreshToken); err != nil {
		return Record{}, fmt.Errorf("refresh token: %w", err)
	}
	r.Extra, err = e.mapSecretExtras(r.Extra, e.Open)
	if err != nil {
		return Record{}, err
	}
	return r, nil
}

// mapSecretExtras applies fn to the string secrets in extra. extra is shared
// with the in-memory record, so it is cloned before the first change.
func (e *Encryption) mapSecretExtras(extra map[string]any, fn func(string) (string, error)) (map[string]any, error) {
	out, cloned := extra, false
	for _, key := range secretExtras {
		v, ok := extra[key].(string)
		if !ok {
			continue
		}
		mapped, err := fn(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if mapped == v {
			continue
		}
		if !cloned {
			out, cloned = maps.Clone(extra), true
		}
		out[key] = mapped
	}
	return out, nil
}
