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
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
)

const (
	algAESGCM    = "aes256gcm"
	algAESGCMDet = "aes256gcm-det"
	algSealed    = "aes256gcm+rsa-oaep"

	gcmNonceSize = 12
	dekSize      = 32
)

// fieldEnvelope is the serialized form of an encrypted field value. The
// whole envelope is base64-encoded before storage so encrypted columns stay
// text-safe.
type fieldEnvelope struct {
	Version    int    `json:"v"`
	Algorithm  string `json:"alg"`
	Nonce      []byte `json:"n"`
	Ciphertext []byte `json:"ct"`
	// WrappedDEK carries the RSA-OAEP-wrapped ephemeral DEK in sealed mode.
	WrappedDEK []byte `json:"wdek,omitempty"`
}

func sealFieldEnvelope(env *fieldEnvelope) string {
	b, _ := json.Marshal(env)
	return base64.StdEncoding.EncodeToString(b)
}

func parseFieldEnvelope(stored string) (*fieldEnvelope, error) {
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 envelope", ErrDecryptAuthFail)
	}
	var env fieldEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope JSON", ErrDecryptAuthFail)
	}
	if env.Version != 1 || len(env.Nonce) != gcmNonceSize || len(env.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: malformed envelope", ErrDecryptAuthFail)
	}
	return &env, nil
}

// aad binds a ciphertext to its tenant and row so it cannot be relocated.
func aad(tenantID, entityID string) []byte {
	return []byte(tenantID + ":" + entityID)
}

func newGCM(dek []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("crypto: AES cipher creation failed: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: GCM creation failed: %w", err)
	}
	return gcm, nil
}

// aeadEncrypt encrypts plaintext under dek with a random nonce.
func aeadEncrypt(dek, plaintext, additional []byte) (*fieldEnvelope, error) {
	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}
	return &fieldEnvelope{
		Version:    1,
		Algorithm:  algAESGCM,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, additional),
	}, nil
}

// aeadEncryptDeterministic derives the nonce from HMAC(dek, plaintext) so
// equal plaintexts produce equal ciphertexts, enabling equality search
// without exposing the plaintext. Rotating the DEK changes the derived
// nonces; equality search across a rotation boundary is unsupported.
func aeadEncryptDeterministic(dek, plaintext, additional []byte) (*fieldEnvelope, error) {
	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, dek)
	mac.Write(plaintext)
	nonce := mac.Sum(nil)[:gcmNonceSize]
	return &fieldEnvelope{
		Version:    1,
		Algorithm:  algAESGCMDet,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, additional),
	}, nil
}

// aeadDecrypt reverses aeadEncrypt / aeadEncryptDeterministic.
func aeadDecrypt(dek []byte, env *fieldEnvelope, additional []byte) ([]byte, error) {
	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, additional)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptAuthFail, err)
	}
	return plaintext, nil
}

// sealedEncrypt hybrid-encrypts plaintext: a fresh ephemeral DEK encrypts
// the field, and the tenant's RSA public key wraps the ephemeral DEK.
func sealedEncrypt(publicKeyPEM string, plaintext, additional []byte) (*fieldEnvelope, error) {
	pub, err := parseRSAPublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	ephemeral := make([]byte, dekSize)
	if _, err := io.ReadFull(rand.Reader, ephemeral); err != nil {
		return nil, fmt.Errorf("crypto: generating ephemeral DEK: %w", err)
	}

	env, err := aeadEncrypt(ephemeral, plaintext, additional)
	if err != nil {
		return nil, err
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, ephemeral, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: wrapping ephemeral DEK: %w", err)
	}

	env.Algorithm = algSealed
	env.WrappedDEK = wrapped
	return env, nil
}

func parseRSAPublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	if publicKeyPEM == "" {
		return nil, ErrPublicKeyMissing
	}
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("%w: invalid PEM block", ErrPublicKeyMissing)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing public key: %v", ErrPublicKeyMissing, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrPublicKeyMissing)
	}
	return pub, nil
}
