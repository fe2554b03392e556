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

package crypto

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/percolationlabs/percolate/internal/kms"
)

// KeyStore persists wrapped tenant keys.
type KeyStore interface {
	// Get loads the key record for a tenant.
	// Returns ErrEncryptKeyMissing when no record exists.
	Get(ctx context.Context, tenantID string) (*TenantKey, error)
	// Save upserts the key record for a tenant.
	Save(ctx context.Context, key *TenantKey) error
}

const (
	dekCacheSize = 1024
	dekCacheTTL  = 5 * time.Minute
)

// Service is the tenant-scoped encryption service. Plaintext DEKs are held
// in a bounded TTL cache; eviction triggers a re-unwrap on next use.
type Service struct {
	kms   kms.Provider
	keys  KeyStore
	deks  *expirable.LRU[string, []byte]
	modes *expirable.LRU[string, Mode]
	log   *zap.SugaredLogger
}

// NewService creates an encryption Service.
func NewService(kmsProvider kms.Provider, keys KeyStore, log *zap.SugaredLogger) *Service {
	return &Service{
		kms:   kmsProvider,
		keys:  keys,
		deks:  expirable.NewLRU[string, []byte](dekCacheSize, nil, dekCacheTTL),
		modes: expirable.NewLRU[string, Mode](dekCacheSize, nil, dekCacheTTL),
		log:   log,
	}
}

// ConfigureTenant sets a tenant's encryption mode, lazily creating and
// wrapping a fresh 256-bit DEK on first call. publicKeyPEM is required for
// sealed mode and ignored otherwise.
func (s *Service) ConfigureTenant(ctx context.Context, tenantID string, mode Mode, publicKeyPEM string) error {
	switch mode {
	case ModeDisabled, ModePlatform, ModeClient, ModeSealed:
	default:
		return fmt.Errorf("crypto: unknown encryption mode %q", mode)
	}
	if mode == ModeSealed {
		if _, err := parseRSAPublicKey(publicKeyPEM); err != nil {
			return err
		}
	}

	existing, err := s.keys.Get(ctx, tenantID)
	if err != nil && err != ErrEncryptKeyMissing {
		return err
	}

	if existing != nil {
		existing.Mode = mode
		if publicKeyPEM != "" {
			existing.PublicKeyPEM = publicKeyPEM
		}
		if err := s.keys.Save(ctx, existing); err != nil {
			return err
		}
		s.invalidate(tenantID)
		return nil
	}

	dek := make([]byte, dekSize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return fmt.Errorf("crypto: generating DEK: %w", err)
	}
	wrapped, err := s.kms.WrapKey(ctx, dek, map[string]string{"tenant": tenantID})
	if err != nil {
		return fmt.Errorf("crypto: wrapping DEK for tenant %s: %w", tenantID, err)
	}

	key := &TenantKey{
		TenantID:     tenantID,
		WrappedDEK:   wrapped,
		Algorithm:    algAESGCM,
		Mode:         mode,
		PublicKeyPEM: publicKeyPEM,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.keys.Save(ctx, key); err != nil {
		return err
	}

	s.deks.Add(tenantID, dek)
	s.modes.Add(tenantID, mode)
	return nil
}

// TenantMode returns the tenant's configured mode, defaulting to disabled
// for tenants that never configured encryption.
func (s *Service) TenantMode(ctx context.Context, tenantID string) (Mode, error) {
	if tenantID == "" {
		return ModeDisabled, nil
	}
	if mode, ok := s.modes.Get(tenantID); ok {
		return mode, nil
	}
	key, err := s.keys.Get(ctx, tenantID)
	if err == ErrEncryptKeyMissing {
		s.modes.Add(tenantID, ModeDisabled)
		return ModeDisabled, nil
	}
	if err != nil {
		return "", err
	}
	s.modes.Add(tenantID, key.Mode)
	return key.Mode, nil
}

// tenantDEK returns the plaintext DEK, unwrapping via the KMS on cache miss.
func (s *Service) tenantDEK(ctx context.Context, tenantID string) ([]byte, error) {
	if dek, ok := s.deks.Get(tenantID); ok {
		return dek, nil
	}
	key, err := s.keys.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	dek, err := s.kms.UnwrapKey(ctx, key.WrappedDEK, map[string]string{"tenant": tenantID})
	if err != nil {
		return nil, fmt.Errorf("crypto: unwrapping DEK for tenant %s: %w", tenantID, err)
	}
	s.deks.Add(tenantID, dek)
	return dek, nil
}

// invalidate drops cached state for a tenant after a mode or key change.
func (s *Service) invalidate(tenantID string) {
	s.deks.Remove(tenantID)
	s.modes.Remove(tenantID)
}

// EncryptOptions tune a field encryption.
type EncryptOptions struct {
	// Deterministic derives the nonce from the plaintext so equal values
	// yield equal ciphertexts (equality-searchable fields such as email).
	Deterministic bool
	// ChatPath caps sealed mode to platform so the server can replay
	// history to the model. The stamped level records the cap.
	ChatPath bool
}

// EncryptField encrypts a field value for the given tenant and row,
// returning the stored form and the level to stamp on the row. The row id
// must be allocated before calling so the AAD is known.
func (s *Service) EncryptField(ctx context.Context, tenantID, entityID, plaintext string, opts EncryptOptions) (string, Level, error) {
	mode, err := s.TenantMode(ctx, tenantID)
	if err != nil {
		return "", "", err
	}
	level := levelFor(mode, opts.ChatPath)

	switch level {
	case LevelDisabled, LevelNone:
		return plaintext, level, nil

	case LevelSealed:
		key, err := s.keys.Get(ctx, tenantID)
		if err != nil {
			return "", "", err
		}
		env, err := sealedEncrypt(key.PublicKeyPEM, []byte(plaintext), aad(tenantID, entityID))
		if err != nil {
			return "", "", err
		}
		return sealFieldEnvelope(env), level, nil

	default: // platform, client
		dek, err := s.tenantDEK(ctx, tenantID)
		if err != nil {
			return "", "", err
		}
		var env *fieldEnvelope
		if opts.Deterministic {
			// Deterministic fields bind the tenant only; binding the row id
			// would break cross-row equality search.
			env, err = aeadEncryptDeterministic(dek, []byte(plaintext), aad(tenantID, ""))
		} else {
			env, err = aeadEncrypt(dek, []byte(plaintext), aad(tenantID, entityID))
		}
		if err != nil {
			return "", "", err
		}
		return sealFieldEnvelope(env), level, nil
	}
}

// DecryptField recovers a field value previously produced by EncryptField.
// The returned bool reports whether the value is plaintext: client and
// sealed rows come back as stored ciphertext for client-side decryption.
func (s *Service) DecryptField(ctx context.Context, tenantID, entityID, stored string, level Level) (string, bool, error) {
	switch level {
	case "", LevelNone, LevelDisabled:
		return stored, true, nil
	case LevelClient, LevelSealed:
		return stored, false, nil
	}

	env, err := parseFieldEnvelope(stored)
	if err != nil {
		return "", false, err
	}
	dek, err := s.tenantDEK(ctx, tenantID)
	if err != nil {
		return "", false, err
	}

	additional := aad(tenantID, entityID)
	if env.Algorithm == algAESGCMDet {
		additional = aad(tenantID, "")
	}
	plaintext, err := aeadDecrypt(dek, env, additional)
	if errors.Is(err, ErrDecryptAuthFail) {
		// Rows written before a DEK rotation open under the previous key.
		if prev, prevErr := s.previousDEK(ctx, tenantID); prevErr == nil && prev != nil {
			if recovered, retryErr := aeadDecrypt(prev, env, additional); retryErr == nil {
				return string(recovered), true, nil
			}
		}
	}
	if err != nil {
		return "", false, fmt.Errorf("%w (entity %s)", err, entityID)
	}
	return string(plaintext), true, nil
}

// previousDEK unwraps the pre-rotation DEK, or nil when the tenant never
// rotated. Not cached; rotation fallback is a rare path.
func (s *Service) previousDEK(ctx context.Context, tenantID string) ([]byte, error) {
	key, err := s.keys.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(key.PreviousWrappedDEK) == 0 {
		return nil, nil
	}
	dek, err := s.kms.UnwrapKey(ctx, key.PreviousWrappedDEK, map[string]string{"tenant": tenantID})
	if err != nil {
		return nil, fmt.Errorf("crypto: unwrapping previous DEK for tenant %s: %w", tenantID, err)
	}
	return dek, nil
}

// MustDecrypt is DecryptField for callers that require plaintext. Rows the
// server cannot decrypt fail with ErrModeMismatch.
func (s *Service) MustDecrypt(ctx context.Context, tenantID, entityID, stored string, level Level) (string, error) {
	value, plain, err := s.DecryptField(ctx, tenantID, entityID, stored, level)
	if err != nil {
		return "", err
	}
	if !plain {
		return "", fmt.Errorf("%w: row %s written at level %s", ErrModeMismatch, entityID, level)
	}
	return value, nil
}

// EncryptDeterministic encrypts an equality-searchable value (e.g. a user
// email). Callers use the stable ciphertext itself as the lookup key.
func (s *Service) EncryptDeterministic(ctx context.Context, tenantID, plaintext string) (string, Level, error) {
	return s.EncryptField(ctx, tenantID, "", plaintext, EncryptOptions{Deterministic: true})
}

// RotateDEK generates a fresh DEK for the tenant and rewraps it. The old
// wrapped DEK is retained so existing envelopes stay decryptable; callers
// re-encrypt deterministic fields in the same transaction that stamps
// RotatedAt, since equality search does not span a rotation.
func (s *Service) RotateDEK(ctx context.Context, tenantID string) error {
	key, err := s.keys.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	dek := make([]byte, dekSize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return fmt.Errorf("crypto: generating DEK: %w", err)
	}
	wrapped, err := s.kms.WrapKey(ctx, dek, map[string]string{"tenant": tenantID})
	if err != nil {
		return fmt.Errorf("crypto: rewrapping DEK for tenant %s: %w", tenantID, err)
	}

	key.PreviousWrappedDEK = key.WrappedDEK
	key.WrappedDEK = wrapped
	key.RotatedAt = time.Now().UTC()
	if err := s.keys.Save(ctx, key); err != nil {
		return err
	}

	s.invalidate(tenantID)
	s.log.Infow("rotated tenant DEK", "tenant", tenantID)
	return nil
}
