// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ticket

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// KeySize is the required length of a data protection key (AES-256).
const KeySize = 32

// NewRandomKey returns a fresh data protection key.
func NewRandomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// Protector encrypts and decrypts opaque payloads.
type Protector interface {
	Protect(plaintext []byte) (string, error)
	Unprotect(protected string) ([]byte, error)
}

// JWEProtector wraps payloads in compact JWE using direct encryption with
// A256GCM.
type JWEProtector struct {
	key         []byte
	contentType string
	encrypter   jose.Encrypter
}

// NewJWEProtector creates a protector for the given 32-byte key. The purpose
// string is recorded as the JWE content type and checked on decryption, so
// payloads protected for one purpose cannot be replayed as another.
func NewJWEProtector(key []byte, purpose string) (*JWEProtector, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("data protection key must be %d bytes, got %d", KeySize, len(key))
	}
	opts := (&jose.EncrypterOptions{}).WithContentType(jose.ContentType(purpose))
	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: key}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create encrypter: %w", err)
	}
	return &JWEProtector{key: key, contentType: purpose, encrypter: enc}, nil
}

// Protect encrypts plaintext into a compact JWE.
func (p *JWEProtector) Protect(plaintext []byte) (string, error) {
	obj, err := p.encrypter.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt payload: %w", err)
	}
	return obj.CompactSerialize()
}

// Unprotect decrypts a compact JWE produced by Protect.
func (p *JWEProtector) Unprotect(protected string) ([]byte, error) {
	obj, err := jose.ParseEncrypted(protected,
		[]jose.KeyAlgorithm{jose.DIRECT},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	if cty, _ := obj.Header.ExtraHeaders[jose.HeaderContentType].(string); cty != p.contentType {
		return nil, errors.New("payload was protected for a different purpose")
	}
	plaintext, err := obj.Decrypt(p.key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return plaintext, nil
}
