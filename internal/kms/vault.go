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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultMountPath = "transit"
	vaultTokenHeader = "X-Vault-Token"
)

// transitClient abstracts the Vault Transit operations for testability.
type transitClient interface {
	Encrypt(ctx context.Context, keyName string, plaintext, keyContext []byte) (string, error)
	Decrypt(ctx context.Context, keyName, ciphertext string, keyContext []byte) ([]byte, error)
}

// vaultHTTPClient is the real HTTP implementation of transitClient.
type vaultHTTPClient struct {
	httpClient *http.Client
	addr       string
	token      string
	mountPath  string
}

// vaultAPIResponse is the generic Vault API JSON response wrapper.
type vaultAPIResponse struct {
	Data json.RawMessage `json:"data"`
}

// vaultEncryptData is the data field from the encrypt endpoint.
type vaultEncryptData struct {
	Ciphertext string `json:"ciphertext"`
}

// vaultDecryptData is the data field from the decrypt endpoint.
type vaultDecryptData struct {
	Plaintext string `json:"plaintext"`
}

func (c *vaultHTTPClient) Encrypt(ctx context.Context, keyName string, plaintext, keyContext []byte) (string, error) {
	url := fmt.Sprintf("%s/v1/%s/encrypt/%s", c.addr, c.mountPath, keyName)

	payload := map[string]string{"plaintext": base64.StdEncoding.EncodeToString(plaintext)}
	if len(keyContext) > 0 {
		payload["context"] = base64.StdEncoding.EncodeToString(keyContext)
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("vault encrypt: failed to marshal request: %w", err)
	}

	respBody, err := c.doRequest(ctx, url, reqBody)
	if err != nil {
		return "", err
	}

	var apiResp vaultAPIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("%w: vault encrypt: invalid response JSON: %v", ErrCorrupt, err)
	}
	var data vaultEncryptData
	if err := json.Unmarshal(apiResp.Data, &data); err != nil {
		return "", fmt.Errorf("%w: vault encrypt: invalid data JSON: %v", ErrCorrupt, err)
	}
	if !strings.HasPrefix(data.Ciphertext, "vault:") {
		return "", fmt.Errorf("%w: vault encrypt: unexpected ciphertext format", ErrCorrupt)
	}
	return data.Ciphertext, nil
}

func (c *vaultHTTPClient) Decrypt(ctx context.Context, keyName, ciphertext string, keyContext []byte) ([]byte, error) {
	url := fmt.Sprintf("%s/v1/%s/decrypt/%s", c.addr, c.mountPath, keyName)

	payload := map[string]string{"ciphertext": ciphertext}
	if len(keyContext) > 0 {
		payload["context"] = base64.StdEncoding.EncodeToString(keyContext)
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("vault decrypt: failed to marshal request: %w", err)
	}

	respBody, err := c.doRequest(ctx, url, reqBody)
	if err != nil {
		return nil, err
	}

	var apiResp vaultAPIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("%w: vault decrypt: invalid response JSON: %v", ErrCorrupt, err)
	}
	var data vaultDecryptData
	if err := json.Unmarshal(apiResp.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: vault decrypt: invalid data JSON: %v", ErrCorrupt, err)
	}
	plaintext, err := base64.StdEncoding.DecodeString(data.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: vault decrypt: invalid base64 plaintext: %v", ErrCorrupt, err)
	}
	return plaintext, nil
}

func (c *vaultHTTPClient) doRequest(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create request: %w", err)
	}
	req.Header.Set(vaultTokenHeader, c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: vault returned HTTP %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: vault returned HTTP %d: %s", ErrUnavailable, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// vaultProvider implements Provider using a Vault transit engine. Wrapped
// DEKs are stored as the opaque "vault:vN:..." ciphertext string.
type vaultProvider struct {
	client  transitClient
	keyName string
}

func newVaultProvider(addr, token, keyName string) (*vaultProvider, error) {
	if addr == "" {
		return nil, fmt.Errorf("vault: address is required")
	}
	if token == "" {
		return nil, fmt.Errorf("vault: token is required")
	}
	if keyName == "" {
		return nil, fmt.Errorf("vault: key name is required")
	}

	client := &vaultHTTPClient{
		httpClient: &http.Client{Timeout: callTimeout},
		addr:       addr,
		token:      token,
		mountPath:  defaultMountPath,
	}
	return &vaultProvider{client: client, keyName: keyName}, nil
}

// newVaultProviderWithClient creates a provider with an injected client for testing.
func newVaultProviderWithClient(client transitClient, keyName string) *vaultProvider {
	return &vaultProvider{client: client, keyName: keyName}
}

func (p *vaultProvider) WrapKey(ctx context.Context, plaintext []byte, keyContext map[string]string) ([]byte, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	ct, err := p.client.Encrypt(ctx, p.keyName, plaintext, canonicalContext(keyContext))
	if err != nil {
		return nil, err
	}
	return []byte(ct), nil
}

func (p *vaultProvider) UnwrapKey(ctx context.Context, wrapped []byte, keyContext map[string]string) ([]byte, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return p.client.Decrypt(ctx, p.keyName, string(wrapped), canonicalContext(keyContext))
}

func (p *vaultProvider) EncryptBlob(ctx context.Context, plaintext []byte) ([]byte, error) {
	return p.WrapKey(ctx, plaintext, nil)
}

func (p *vaultProvider) DecryptBlob(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return p.UnwrapKey(ctx, ciphertext, nil)
}

func (p *vaultProvider) Close() error {
	return nil
}
