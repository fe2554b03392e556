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

// Package kms abstracts the key-management backends used to wrap and unwrap
// per-tenant data encryption keys. Three backends implement the same
// contract: a local master-key file (dev), a Vault transit engine, and AWS KMS.
package kms

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// Sentinel errors for KMS operations.
var (
	// ErrUnavailable indicates the KMS could not be reached. Retryable.
	ErrUnavailable = errors.New("kms unavailable")
	// ErrAuth indicates the KMS rejected the caller's credentials. Fatal.
	ErrAuth = errors.New("kms authentication failed")
	// ErrCorrupt indicates the returned ciphertext or key material is
	// malformed. Fatal.
	ErrCorrupt = errors.New("kms returned corrupt material")
)

// callTimeout bounds every KMS round trip.
const callTimeout = 5 * time.Second

// Provider is the contract shared by all KMS backends.
type Provider interface {
	// WrapKey encrypts a plaintext DEK under the master key. The context
	// map is bound into the wrapping and must be presented on unwrap.
	WrapKey(ctx context.Context, plaintext []byte, keyContext map[string]string) ([]byte, error)
	// UnwrapKey decrypts a wrapped DEK produced by WrapKey.
	UnwrapKey(ctx context.Context, wrapped []byte, keyContext map[string]string) ([]byte, error)
	// EncryptBlob transit-encrypts a small payload directly under the
	// master key.
	EncryptBlob(ctx context.Context, plaintext []byte) ([]byte, error)
	// DecryptBlob reverses EncryptBlob.
	DecryptBlob(ctx context.Context, ciphertext []byte) ([]byte, error)
	// Close releases any resources held by the provider.
	Close() error
}

// withTimeout derives the bounded context used for each KMS call.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, callTimeout)
}

// canonicalContext renders a key context map as a stable string so all
// backends bind the same bytes regardless of map iteration order.
func canonicalContext(keyContext map[string]string) []byte {
	if len(keyContext) == 0 {
		return nil
	}
	keys := make([]string, 0, len(keyContext))
	for k := range keyContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(keyContext[k])
	}
	return []byte(b.String())
}
