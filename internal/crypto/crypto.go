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

// Package crypto implements the per-tenant envelope encryption service:
// lazily-created DEKs wrapped by the KMS master key, AEAD field encryption
// with AAD binding, deterministic encoding for equality-searchable fields,
// and the sealed (client-key) hybrid mode.
package crypto

import (
	"errors"
	"time"
)

// Sentinel errors for encryption operations.
var (
	// ErrDecryptAuthFail indicates a wrong key or tampered ciphertext.
	// Treated as a data-integrity error; never auto-retried.
	ErrDecryptAuthFail = errors.New("decryption authentication failed")
	// ErrModeMismatch indicates the row cannot be decrypted under the
	// tenant's current mode (e.g. sealed row, plaintext demanded).
	ErrModeMismatch = errors.New("encryption mode mismatch")
	// ErrEncryptKeyMissing indicates no DEK exists for the tenant.
	ErrEncryptKeyMissing = errors.New("encryption key missing")
	// ErrPublicKeyMissing indicates sealed mode was requested without a
	// registered tenant public key.
	ErrPublicKeyMissing = errors.New("tenant public key missing")
)

// Mode is a tenant's configured encryption mode.
type Mode string

const (
	// ModeDisabled stores and returns plaintext.
	ModeDisabled Mode = "disabled"
	// ModePlatform encrypts with the tenant DEK; the server decrypts on read.
	ModePlatform Mode = "platform"
	// ModeClient encrypts with the tenant DEK; the server returns ciphertext
	// and the client fetches the DEK via an authorised endpoint.
	ModeClient Mode = "client"
	// ModeSealed hybrid-encrypts with an ephemeral DEK wrapped by the
	// tenant's RSA public key; the server never holds the private key.
	ModeSealed Mode = "sealed"
)

// Level records how a row's sensitive fields were encrypted at write time.
// It is stamped once and immutable thereafter.
type Level string

const (
	// LevelNone marks rows written before encryption was configured.
	LevelNone Level = "none"
	// LevelDisabled marks plaintext rows under an explicit disabled mode.
	LevelDisabled Level = "disabled"
	// LevelPlatform marks server-decryptable rows.
	LevelPlatform Level = "platform"
	// LevelClient marks rows returned as ciphertext for client decryption.
	LevelClient Level = "client"
	// LevelSealed marks rows only the tenant's private key can decrypt.
	LevelSealed Level = "sealed"
)

// ServerDecryptable reports whether the server can recover plaintext for
// rows stamped with this level.
func (l Level) ServerDecryptable() bool {
	return l == LevelNone || l == LevelDisabled || l == LevelPlatform
}

// levelFor maps a tenant mode to the level stamped on new rows. chatPath
// caps sealed to platform so historical messages stay readable by the model.
func levelFor(mode Mode, chatPath bool) Level {
	switch mode {
	case ModePlatform:
		return LevelPlatform
	case ModeClient:
		return LevelClient
	case ModeSealed:
		if chatPath {
			return LevelPlatform
		}
		return LevelSealed
	default:
		return LevelDisabled
	}
}

// TenantKey is the persisted key record for one tenant. PreviousWrappedDEK
// holds the pre-rotation DEK so rows written under it stay decryptable.
type TenantKey struct {
	TenantID           string
	WrappedDEK         []byte
	PreviousWrappedDEK []byte
	KMSKeyID           string
	Algorithm          string
	Mode               Mode
	PublicKeyPEM       string
	CreatedAt          time.Time
	RotatedAt          time.Time
}
