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
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/percolationlabs/percolate/internal/kms"
)

// memKeyStore is an in-memory KeyStore for tests.
type memKeyStore struct {
	keys map[string]*TenantKey
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{keys: map[string]*TenantKey{}}
}

func (m *memKeyStore) Get(_ context.Context, tenantID string) (*TenantKey, error) {
	key, ok := m.keys[tenantID]
	if !ok {
		return nil, ErrEncryptKeyMissing
	}
	cp := *key
	return &cp, nil
}

func (m *memKeyStore) Save(_ context.Context, key *TenantKey) error {
	cp := *key
	m.keys[key.TenantID] = &cp
	return nil
}

// xorKMS wraps keys by XOR with a fixed byte. Reversible and deterministic.
type xorKMS struct{}

func xorBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ 0x5a
	}
	return out
}

func (xorKMS) WrapKey(_ context.Context, plaintext []byte, _ map[string]string) ([]byte, error) {
	return xorBytes(plaintext), nil
}

func (xorKMS) UnwrapKey(_ context.Context, wrapped []byte, _ map[string]string) ([]byte, error) {
	return xorBytes(wrapped), nil
}

func (xorKMS) EncryptBlob(_ context.Context, plaintext []byte) ([]byte, error) {
	return xorBytes(plaintext), nil
}

func (xorKMS) DecryptBlob(_ context.Context, ciphertext []byte) ([]byte, error) {
	return xorBytes(ciphertext), nil
}

func (xorKMS) Close() error { return nil }

var _ kms.Provider = xorKMS{}

func newTestService(t *testing.T) (*Service, *memKeyStore) {
	t.Helper()
	store := newMemKeyStore()
	return NewService(xorKMS{}, store, zap.NewNop().Sugar()), store
}

func testPublicKeyPEM(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return string(pemBytes), priv
}

// --- mode and level -----------------------------------------------------------

func TestLevelFor(t *testing.T) {
	assert.Equal(t, LevelDisabled, levelFor(ModeDisabled, false))
	assert.Equal(t, LevelPlatform, levelFor(ModePlatform, false))
	assert.Equal(t, LevelClient, levelFor(ModeClient, true))
	assert.Equal(t, LevelSealed, levelFor(ModeSealed, false))
	assert.Equal(t, LevelPlatform, levelFor(ModeSealed, true), "chat path caps sealed")
}

func TestLevelServerDecryptable(t *testing.T) {
	assert.True(t, LevelNone.ServerDecryptable())
	assert.True(t, LevelDisabled.ServerDecryptable())
	assert.True(t, LevelPlatform.ServerDecryptable())
	assert.False(t, LevelClient.ServerDecryptable())
	assert.False(t, LevelSealed.ServerDecryptable())
}

func TestTenantMode_DefaultsDisabled(t *testing.T) {
	svc, _ := newTestService(t)
	mode, err := svc.TenantMode(context.Background(), "never-configured")
	require.NoError(t, err)
	assert.Equal(t, ModeDisabled, mode)
}

// --- platform mode ------------------------------------------------------------

func TestEncryptField_RoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.ConfigureTenant(ctx, "t1", ModePlatform, ""))

	stored, level, err := svc.EncryptField(ctx, "t1", "row-1", "hello world", EncryptOptions{})
	require.NoError(t, err)
	assert.Equal(t, LevelPlatform, level)
	assert.NotEqual(t, "hello world", stored)

	value, plain, err := svc.DecryptField(ctx, "t1", "row-1", stored, level)
	require.NoError(t, err)
	assert.True(t, plain)
	assert.Equal(t, "hello world", value)
}

func TestDecryptField_WrongRowFails(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.ConfigureTenant(ctx, "t1", ModePlatform, ""))

	stored, level, err := svc.EncryptField(ctx, "t1", "row-1", "secret", EncryptOptions{})
	require.NoError(t, err)

	_, _, err = svc.DecryptField(ctx, "t1", "row-2", stored, level)
	assert.ErrorIs(t, err, ErrDecryptAuthFail)
}

func TestDecryptField_WrongTenantFails(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.ConfigureTenant(ctx, "t1", ModePlatform, ""))
	require.NoError(t, svc.ConfigureTenant(ctx, "t2", ModePlatform, ""))

	stored, level, err := svc.EncryptField(ctx, "t1", "row-1", "secret", EncryptOptions{})
	require.NoError(t, err)

	_, _, err = svc.DecryptField(ctx, "t2", "row-1", stored, level)
	assert.ErrorIs(t, err, ErrDecryptAuthFail)
}

func TestDecryptField_MalformedEnvelope(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.ConfigureTenant(ctx, "t1", ModePlatform, ""))

	_, _, err := svc.DecryptField(ctx, "t1", "row-1", "not-an-envelope", LevelPlatform)
	assert.ErrorIs(t, err, ErrDecryptAuthFail)
}

func TestEncryptField_DisabledPassesThrough(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	stored, level, err := svc.EncryptField(ctx, "unconfigured", "row-1", "plain", EncryptOptions{})
	require.NoError(t, err)
	assert.Equal(t, LevelDisabled, level)
	assert.Equal(t, "plain", stored)
}

// --- deterministic mode -------------------------------------------------------

func TestEncryptDeterministic_EqualPlaintextsEqualCiphertexts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.ConfigureTenant(ctx, "t1", ModePlatform, ""))

	a, _, err := svc.EncryptDeterministic(ctx, "t1", "alice@example.com")
	require.NoError(t, err)
	b, _, err := svc.EncryptDeterministic(ctx, "t1", "alice@example.com")
	require.NoError(t, err)
	c, _, err := svc.EncryptDeterministic(ctx, "t1", "bob@example.com")
	require.NoError(t, err)

	assert.Equal(t, a, b, "equal plaintexts must produce equal ciphertexts")
	assert.NotEqual(t, a, c)

	value, plain, err := svc.DecryptField(ctx, "t1", "", a, LevelPlatform)
	require.NoError(t, err)
	assert.True(t, plain)
	assert.Equal(t, "alice@example.com", value)
}

func TestEncryptDeterministic_DecryptableFromAnyRow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.ConfigureTenant(ctx, "t1", ModePlatform, ""))

	stored, _, err := svc.EncryptDeterministic(ctx, "t1", "alice@example.com")
	require.NoError(t, err)

	// Deterministic AAD binds the tenant only, so the row id passed at
	// decrypt time is irrelevant.
	value, _, err := svc.DecryptField(ctx, "t1", "user-row-42", stored, LevelPlatform)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", value)
}

// --- client mode --------------------------------------------------------------

func TestClientMode_ReturnsCiphertext(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.ConfigureTenant(ctx, "t1", ModeClient, ""))

	stored, level, err := svc.EncryptField(ctx, "t1", "row-1", "secret", EncryptOptions{})
	require.NoError(t, err)
	assert.Equal(t, LevelClient, level)

	value, plain, err := svc.DecryptField(ctx, "t1", "row-1", stored, level)
	require.NoError(t, err)
	assert.False(t, plain)
	assert.Equal(t, stored, value)

	_, err = svc.MustDecrypt(ctx, "t1", "row-1", stored, level)
	assert.ErrorIs(t, err, ErrModeMismatch)
}

// --- sealed mode --------------------------------------------------------------

func TestSealedMode_RoundTripWithPrivateKey(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	pubPEM, priv := testPublicKeyPEM(t)
	require.NoError(t, svc.ConfigureTenant(ctx, "t1", ModeSealed, pubPEM))

	stored, level, err := svc.EncryptField(ctx, "t1", "res-1", "sealed content", EncryptOptions{})
	require.NoError(t, err)
	assert.Equal(t, LevelSealed, level)

	// Server hands back ciphertext untouched.
	value, plain, err := svc.DecryptField(ctx, "t1", "res-1", stored, level)
	require.NoError(t, err)
	assert.False(t, plain)
	assert.Equal(t, stored, value)

	// Holder of the private key can recover the plaintext.
	env, err := parseFieldEnvelope(stored)
	require.NoError(t, err)
	assert.Equal(t, algSealed, env.Algorithm)
	dek, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, env.WrappedDEK, nil)
	require.NoError(t, err)
	plaintext, err := aeadDecrypt(dek, env, aad("t1", "res-1"))
	require.NoError(t, err)
	assert.Equal(t, "sealed content", string(plaintext))
}

func TestSealedMode_ChatPathCapsToPlatform(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	pubPEM, _ := testPublicKeyPEM(t)
	require.NoError(t, svc.ConfigureTenant(ctx, "t1", ModeSealed, pubPEM))

	// Message row on the chat path is written platform so the model can
	// replay history.
	msg, msgLevel, err := svc.EncryptField(ctx, "t1", "msg-1", "user turn", EncryptOptions{ChatPath: true})
	require.NoError(t, err)
	assert.Equal(t, LevelPlatform, msgLevel)
	value, err := svc.MustDecrypt(ctx, "t1", "msg-1", msg, msgLevel)
	require.NoError(t, err)
	assert.Equal(t, "user turn", value)

	// Resource row off the chat path stays sealed.
	_, resLevel, err := svc.EncryptField(ctx, "t1", "res-1", "document", EncryptOptions{})
	require.NoError(t, err)
	assert.Equal(t, LevelSealed, resLevel)
}

func TestConfigureTenant_SealedRequiresPublicKey(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.ConfigureTenant(context.Background(), "t1", ModeSealed, "")
	assert.ErrorIs(t, err, ErrPublicKeyMissing)
}

func TestConfigureTenant_UnknownMode(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.ConfigureTenant(context.Background(), "t1", Mode("quantum"), "")
	assert.Error(t, err)
}

// --- key lifecycle ------------------------------------------------------------

func TestConfigureTenant_ReconfigureKeepsDEK(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.ConfigureTenant(ctx, "t1", ModePlatform, ""))
	wrapped := store.keys["t1"].WrappedDEK

	stored, level, err := svc.EncryptField(ctx, "t1", "row-1", "before", EncryptOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.ConfigureTenant(ctx, "t1", ModeClient, ""))
	assert.Equal(t, wrapped, store.keys["t1"].WrappedDEK, "mode change must not rewrap the DEK")

	// Old platform rows stay decryptable; their level is stamped at write time.
	value, plain, err := svc.DecryptField(ctx, "t1", "row-1", stored, level)
	require.NoError(t, err)
	assert.True(t, plain)
	assert.Equal(t, "before", value)
}

func TestRotateDEK(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.ConfigureTenant(ctx, "t1", ModePlatform, ""))
	before := store.keys["t1"].WrappedDEK

	oldStored, level, err := svc.EncryptField(ctx, "t1", "row-1", "old row", EncryptOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.RotateDEK(ctx, "t1"))
	assert.NotEqual(t, before, store.keys["t1"].WrappedDEK)
	assert.Equal(t, before, store.keys["t1"].PreviousWrappedDEK)
	assert.False(t, store.keys["t1"].RotatedAt.IsZero())

	// New writes use the new DEK.
	newStored, _, err := svc.EncryptField(ctx, "t1", "row-2", "new row", EncryptOptions{})
	require.NoError(t, err)
	value, _, err := svc.DecryptField(ctx, "t1", "row-2", newStored, level)
	require.NoError(t, err)
	assert.Equal(t, "new row", value)

	// Rows written under the previous DEK still open via the retained key.
	value, plain, err := svc.DecryptField(ctx, "t1", "row-1", oldStored, level)
	require.NoError(t, err)
	assert.True(t, plain)
	assert.Equal(t, "old row", value)

	// A second rotation drops the oldest generation.
	require.NoError(t, svc.RotateDEK(ctx, "t1"))
	_, _, err = svc.DecryptField(ctx, "t1", "row-1", oldStored, level)
	assert.ErrorIs(t, err, ErrDecryptAuthFail)
}

// --- redaction ----------------------------------------------------------------

func TestSensitiveFields(t *testing.T) {
	assert.True(t, IsSensitive("messages", "content"))
	assert.True(t, IsSensitive("users", "email"))
	assert.False(t, IsSensitive("messages", "role"))
	assert.False(t, IsSensitive("unknown", "content"))
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "", Redact(""))
	assert.Equal(t, "[REDACTED]", Redact("alice@example.com"))
}

func TestRedactionToken(t *testing.T) {
	tok := token("t1", "alice@example.com")
	assert.True(t, len(tok) > 6 && tok[:5] == "[PII:")

	// Stable within a tenant, distinct across tenants and values.
	assert.Equal(t, tok, token("t1", "alice@example.com"))
	assert.NotEqual(t, tok, token("t2", "alice@example.com"))
	assert.NotEqual(t, tok, token("t1", "bob@example.com"))
}
