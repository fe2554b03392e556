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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/percolationlabs/percolate/internal/pgutil"
)

// ErrTokenNotFound is returned when a redaction token has no mapping.
var ErrTokenNotFound = errors.New("crypto: redaction token not found")

// Mapper maintains the reversible PII token table. Plaintext is stored
// only as ciphertext under the tenant DEK; the token is a keyed digest so
// the same value maps to the same token within a tenant.
type Mapper struct {
	pool *pgxpool.Pool
	svc  *Service
}

// NewMapper creates a Mapper.
func NewMapper(pool *pgxpool.Pool, svc *Service) *Mapper {
	return &Mapper{pool: pool, svc: svc}
}

// token derives the stable placeholder for a value within a tenant.
func token(tenantID, plaintext string) string {
	mac := hmac.New(sha256.New, []byte(tenantID))
	mac.Write([]byte(plaintext))
	return "[PII:" + hex.EncodeToString(mac.Sum(nil))[:16] + "]"
}

// Store maps a sensitive value to a token, persisting the encrypted
// reverse mapping scoped to (tenant, entity, session). Re-storing the same
// value returns the existing token.
func (m *Mapper) Store(ctx context.Context, tenantID, entityID, sessionID, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	tok := token(tenantID, plaintext)

	// ChatPath: the server must be able to resolve tokens back to
	// plaintext, so sealed tenants are capped to platform here.
	ciphertext, _, err := m.svc.EncryptField(ctx, tenantID, "", plaintext, EncryptOptions{ChatPath: true})
	if err != nil {
		return "", fmt.Errorf("crypto: encrypt redaction mapping: %w", err)
	}

	_, err = m.pool.Exec(ctx, `
		INSERT INTO redaction_mappings (tenant_id, entity_id, session_id, token, ciphertext)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, token) DO NOTHING`,
		tenantID, pgutil.NullString(entityID), pgutil.NullString(sessionID), tok, ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: store redaction mapping: %w", err)
	}
	return tok, nil
}

// Resolve maps a token back to its plaintext.
func (m *Mapper) Resolve(ctx context.Context, tenantID, tok string) (string, error) {
	var ciphertext string
	err := m.pool.QueryRow(ctx, `
		SELECT ciphertext FROM redaction_mappings
		WHERE tenant_id = $1 AND token = $2`, tenantID, tok).Scan(&ciphertext)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("crypto: load redaction mapping: %w", err)
	}

	mode, err := m.svc.TenantMode(ctx, tenantID)
	if err != nil {
		return "", err
	}
	plaintext, err := m.svc.MustDecrypt(ctx, tenantID, "", ciphertext, levelFor(mode, true))
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt redaction mapping: %w", err)
	}
	return plaintext, nil
}

// PurgeSession drops the mappings created for one session, as when the
// session is deleted.
func (m *Mapper) PurgeSession(ctx context.Context, tenantID, sessionID string) (int64, error) {
	tag, err := m.pool.Exec(ctx,
		"DELETE FROM redaction_mappings WHERE tenant_id = $1 AND session_id = $2",
		tenantID, sessionID)
	if err != nil {
		return 0, fmt.Errorf("crypto: purge redaction mappings: %w", err)
	}
	return tag.RowsAffected(), nil
}
