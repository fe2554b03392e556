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
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/percolationlabs/percolate/internal/pgutil"
)

// PostgresKeyStore persists tenant key records in the tenant_keys table.
type PostgresKeyStore struct {
	pool *pgxpool.Pool
}

var _ KeyStore = (*PostgresKeyStore)(nil)

// NewPostgresKeyStore creates a KeyStore backed by the given pool.
func NewPostgresKeyStore(pool *pgxpool.Pool) *PostgresKeyStore {
	return &PostgresKeyStore{pool: pool}
}

// Get implements KeyStore.
func (ks *PostgresKeyStore) Get(ctx context.Context, tenantID string) (*TenantKey, error) {
	const query = `
		SELECT tenant_id, wrapped_dek, previous_wrapped_dek, kms_key_id,
		       algorithm, mode, public_key_pem, created_at, rotated_at
		FROM tenant_keys
		WHERE tenant_id = $1`

	var (
		key       TenantKey
		mode      string
		kmsKeyID  *string
		publicKey *string
		rotatedAt *time.Time
	)
	err := ks.pool.QueryRow(ctx, query, tenantID).Scan(
		&key.TenantID, &key.WrappedDEK, &key.PreviousWrappedDEK, &kmsKeyID,
		&key.Algorithm, &mode, &publicKey, &key.CreatedAt, &rotatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEncryptKeyMissing
	}
	if err != nil {
		return nil, fmt.Errorf("crypto: loading tenant key: %w", err)
	}

	key.Mode = Mode(mode)
	key.KMSKeyID = pgutil.DerefString(kmsKeyID)
	key.PublicKeyPEM = pgutil.DerefString(publicKey)
	key.RotatedAt = pgutil.TimeOrZero(rotatedAt)
	return &key, nil
}

// Save implements KeyStore.
func (ks *PostgresKeyStore) Save(ctx context.Context, key *TenantKey) error {
	const query = `
		INSERT INTO tenant_keys (
			tenant_id, wrapped_dek, previous_wrapped_dek, kms_key_id,
			algorithm, mode, public_key_pem, created_at, rotated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id) DO UPDATE SET
			wrapped_dek          = EXCLUDED.wrapped_dek,
			previous_wrapped_dek = EXCLUDED.previous_wrapped_dek,
			kms_key_id           = EXCLUDED.kms_key_id,
			algorithm            = EXCLUDED.algorithm,
			mode                 = EXCLUDED.mode,
			public_key_pem       = EXCLUDED.public_key_pem,
			rotated_at           = EXCLUDED.rotated_at`

	_, err := ks.pool.Exec(ctx, query,
		key.TenantID, key.WrappedDEK, key.PreviousWrappedDEK,
		pgutil.NullString(key.KMSKeyID), key.Algorithm, string(key.Mode),
		pgutil.NullString(key.PublicKeyPEM), key.CreatedAt,
		pgutil.NullTime(key.RotatedAt),
	)
	if err != nil {
		return fmt.Errorf("crypto: saving tenant key: %w", err)
	}
	return nil
}
