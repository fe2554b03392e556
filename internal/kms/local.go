/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// localProvider wraps keys with AES-256-GCM under a master key read from a
// file. Intended for development and single-node installs.
type localProvider struct {
	masterKey []byte
}

// newLocalProvider loads the master key from path. The file may contain raw
// 32 bytes or their hex encoding.
func newLocalProvider(path string) (*localProvider, error) {
	if path == "" {
		return nil, fmt.Errorf("local: master key path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading master key: %v", ErrUnavailable, err)
	}

	key := data
	if trimmed := strings.TrimSpace(string(data)); len(trimmed) == 64 {
		if decoded, decErr := hex.DecodeString(trimmed); decErr == nil {
			key = decoded
		}
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: master key must be 32 bytes, got %d", ErrCorrupt, len(key))
	}

	return &localProvider{masterKey: key}, nil
}

// newLocalProviderWithKey creates a provider with an in-memory key for testing.
func newLocalProviderWithKey(key []byte) (*localProvider, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: master key must be 32 bytes, got %d", ErrCorrupt, len(key))
	}
	return &localProvider{masterKey: key}, nil
}

func (p *localProvider) WrapKey(ctx context.Context, plaintext []byte, keyContext map[string]string) ([]byte, error) {
	return p.seal(plaintext, canonicalContext(keyContext))
}

func (p *localProvider) UnwrapKey(ctx context.Context, wrapped []byte, keyContext map[string]string) ([]byte, error) {
	return p.open(wrapped, canonicalContext(keyContext))
}

func (p *localProvider) EncryptBlob(ctx context.Context, plaintext []byte) ([]byte, error) {
	return p.seal(plaintext, nil)
}

func (p *localProvider) DecryptBlob(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return p.open(ciphertext, nil)
}

func (p *localProvider) Close() error {
	return nil
}

// seal produces nonce||ciphertext under the master key with the given AAD.
func (p *localProvider) seal(plaintext, aad []byte) ([]byte, error) {
	gcm, err := p.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("local: generating nonce: %w", err)
	}
	return append(nonce, gcm.Seal(nil, nonce, plaintext, aad)...), nil
}

func (p *localProvider) open(data, aad []byte) ([]byte, error) {
	gcm, err := p.gcm()
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: wrapped key too short", ErrCorrupt)
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return plaintext, nil
}

func (p *localProvider) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(p.masterKey)
	if err != nil {
		return nil, fmt.Errorf("local: AES cipher creation failed: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("local: GCM creation failed: %w", err)
	}
	return gcm, nil
}
