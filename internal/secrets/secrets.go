// Package secrets encrypts and decrypts exchange API credentials at rest.
//
// Credentials are stored as AES-256-GCM ciphertext of "<api_key>:<secret>"
// with a fresh 12-byte nonce per row. The master key comes from the
// MASTER_KEY environment variable as 64 hex characters and never touches the
// database or the event log.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	keySize   = 32
	nonceSize = 12
)

// Box seals and opens credential pairs with a fixed master key.
type Box struct {
	aead cipher.AEAD
}

// NewBox parses a 64-hex-character master key and builds the AEAD.
func NewBox(masterKeyHex string) (*Box, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts an api-key/secret pair, returning ciphertext and the nonce
// used. The nonce is stored alongside the ciphertext, not secret.
func (b *Box) Seal(apiKey, secret string) (ciphertext, nonce []byte, err error) {
	if strings.Contains(apiKey, ":") {
		return nil, nil, fmt.Errorf("api key must not contain ':'")
	}
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	plaintext := []byte(apiKey + ":" + secret)
	return b.aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts a stored credential row back into its api-key/secret pair.
func (b *Box) Open(ciphertext, nonce []byte) (apiKey, secret string, err error) {
	if len(nonce) != nonceSize {
		return "", "", fmt.Errorf("nonce must be %d bytes, got %d", nonceSize, len(nonce))
	}
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", "", fmt.Errorf("decrypt credentials: %w", err)
	}
	idx := strings.IndexByte(string(plaintext), ':')
	if idx < 0 {
		return "", "", fmt.Errorf("credential plaintext missing separator")
	}
	return string(plaintext[:idx]), string(plaintext[idx+1:]), nil
}
