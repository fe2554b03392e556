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
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percolationlabs/percolate/internal/config"
)

func TestCanonicalContext(t *testing.T) {
	assert.Nil(t, canonicalContext(nil))
	a := canonicalContext(map[string]string{"tenant": "t1", "entity": "e1"})
	b := canonicalContext(map[string]string{"entity": "e1", "tenant": "t1"})
	assert.Equal(t, a, b, "map order must not change the bound bytes")
	assert.Equal(t, "entity=e1;tenant=t1", string(a))
}

// --- local provider ---------------------------------------------------------

func testMasterKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestLocalProvider_WrapUnwrapRoundTrip(t *testing.T) {
	p, err := newLocalProviderWithKey(testMasterKey(t))
	require.NoError(t, err)

	ctx := context.Background()
	dek := []byte("0123456789abcdef0123456789abcdef")
	kc := map[string]string{"tenant": "t1"}

	wrapped, err := p.WrapKey(ctx, dek, kc)
	require.NoError(t, err)
	assert.NotEqual(t, dek, wrapped)

	plain, err := p.UnwrapKey(ctx, wrapped, kc)
	require.NoError(t, err)
	assert.Equal(t, dek, plain)
}

func TestLocalProvider_ContextMismatchFails(t *testing.T) {
	p, err := newLocalProviderWithKey(testMasterKey(t))
	require.NoError(t, err)

	ctx := context.Background()
	wrapped, err := p.WrapKey(ctx, []byte("secret"), map[string]string{"tenant": "t1"})
	require.NoError(t, err)

	_, err = p.UnwrapKey(ctx, wrapped, map[string]string{"tenant": "t2"})
	assert.ErrorIs(t, err, ErrAuth)
}

func TestLocalProvider_CorruptWrappedKey(t *testing.T) {
	p, err := newLocalProviderWithKey(testMasterKey(t))
	require.NoError(t, err)

	_, err = p.UnwrapKey(context.Background(), []byte("short"), nil)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLocalProvider_BlobRoundTrip(t *testing.T) {
	p, err := newLocalProviderWithKey(testMasterKey(t))
	require.NoError(t, err)

	ctx := context.Background()
	ct, err := p.EncryptBlob(ctx, []byte("payload"))
	require.NoError(t, err)
	pt, err := p.DecryptBlob(ctx, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), pt)
}

func TestNewLocalProvider_HexKeyFile(t *testing.T) {
	key := testMasterKey(t)
	path := filepath.Join(t.TempDir(), "master.key")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("%x\n", key)), 0o600))

	p, err := newLocalProvider(path)
	require.NoError(t, err)
	assert.Equal(t, key, p.masterKey)
}

func TestNewLocalProvider_BadKeyLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	require.NoError(t, os.WriteFile(path, []byte("too short"), 0o600))

	_, err := newLocalProvider(path)
	assert.ErrorIs(t, err, ErrCorrupt)
}

// --- vault provider ---------------------------------------------------------

// mockTransit is an in-memory transit engine keyed by a reversible encoding.
type mockTransit struct {
	encryptErr error
	decryptErr error
	lastCtx    []byte
}

func (m *mockTransit) Encrypt(_ context.Context, keyName string, plaintext, keyContext []byte) (string, error) {
	if m.encryptErr != nil {
		return "", m.encryptErr
	}
	m.lastCtx = keyContext
	return "vault:v1:" + base64.StdEncoding.EncodeToString(plaintext), nil
}

func (m *mockTransit) Decrypt(_ context.Context, keyName, ciphertext string, keyContext []byte) ([]byte, error) {
	if m.decryptErr != nil {
		return nil, m.decryptErr
	}
	if !bytes.Equal(m.lastCtx, keyContext) {
		return nil, fmt.Errorf("%w: context mismatch", ErrAuth)
	}
	return base64.StdEncoding.DecodeString(ciphertext[len("vault:v1:"):])
}

func TestVaultProvider_WrapUnwrapRoundTrip(t *testing.T) {
	p := newVaultProviderWithClient(&mockTransit{}, "percolate-master")
	ctx := context.Background()

	dek := []byte("tenant-dek-material")
	kc := map[string]string{"tenant": "t1"}

	wrapped, err := p.WrapKey(ctx, dek, kc)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(wrapped, []byte("vault:v1:")))

	plain, err := p.UnwrapKey(ctx, wrapped, kc)
	require.NoError(t, err)
	assert.Equal(t, dek, plain)
}

func TestVaultProvider_UnavailablePropagates(t *testing.T) {
	p := newVaultProviderWithClient(&mockTransit{encryptErr: ErrUnavailable}, "k")
	_, err := p.WrapKey(context.Background(), []byte("x"), nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

// --- aws provider -----------------------------------------------------------

// mockAWSKMS reverses the plaintext as a stand-in for real encryption.
type mockAWSKMS struct {
	encryptErr error
	decryptErr error
	lastKC     map[string]string
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[len(b)-1-i]
	}
	return out
}

func (m *mockAWSKMS) Encrypt(_ context.Context, in *awskms.EncryptInput, _ ...func(*awskms.Options)) (*awskms.EncryptOutput, error) {
	if m.encryptErr != nil {
		return nil, m.encryptErr
	}
	m.lastKC = in.EncryptionContext
	return &awskms.EncryptOutput{CiphertextBlob: reverse(in.Plaintext)}, nil
}

func (m *mockAWSKMS) Decrypt(_ context.Context, in *awskms.DecryptInput, _ ...func(*awskms.Options)) (*awskms.DecryptOutput, error) {
	if m.decryptErr != nil {
		return nil, m.decryptErr
	}
	return &awskms.DecryptOutput{Plaintext: reverse(in.CiphertextBlob)}, nil
}

func TestAWSProvider_WrapUnwrapRoundTrip(t *testing.T) {
	mock := &mockAWSKMS{}
	p := newAWSProviderWithClient(mock, "alias/percolate")
	ctx := context.Background()

	dek := []byte("dek-bytes")
	kc := map[string]string{"tenant": "t9"}

	wrapped, err := p.WrapKey(ctx, dek, kc)
	require.NoError(t, err)
	assert.Equal(t, kc, mock.lastKC)

	plain, err := p.UnwrapKey(ctx, wrapped, kc)
	require.NoError(t, err)
	assert.Equal(t, dek, plain)
}

func TestAWSProvider_TransportErrorIsUnavailable(t *testing.T) {
	p := newAWSProviderWithClient(&mockAWSKMS{encryptErr: fmt.Errorf("dial tcp: timeout")}, "k")
	_, err := p.WrapKey(context.Background(), []byte("x"), nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

// --- factory ----------------------------------------------------------------

func TestNewProvider_UnknownType(t *testing.T) {
	opts := config.DefaultOptions()
	opts.KMSProvider = "gcp"
	_, err := NewProvider(opts)
	assert.Error(t, err)
}

func TestNewProvider_VaultRequiresToken(t *testing.T) {
	opts := config.DefaultOptions()
	opts.KMSProvider = "vault"
	opts.VaultAddr = "http://127.0.0.1:8200"
	opts.KMSKeyID = "percolate-master"
	_, err := NewProvider(opts)
	assert.Error(t, err)
}
