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

// Package config provides configuration management for the Percolate core.
// All environment keys carry the P8_ prefix.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// EnvPrefix is prepended to every environment key.
const EnvPrefix = "P8_"

// Options holds all configuration options for the core services.
type Options struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// EmbeddingModel is the model used for embedding generation.
	EmbeddingModel string

	// EmbeddingBaseURL is the OpenAI-compatible API base URL.
	EmbeddingBaseURL string

	// EmbeddingAPIKey authenticates against the embedding/chat API.
	EmbeddingAPIKey string

	// EmbeddingMinSimilarity is the default SEARCH similarity floor.
	EmbeddingMinSimilarity float64

	// KMSProvider selects the KMS backend: local, vault or aws.
	KMSProvider string

	// KMSKeyID is the master key identifier in the selected KMS.
	KMSKeyID string

	// KMSRegion is the AWS region of the master key (aws provider only).
	KMSRegion string

	// VaultAddr is the Vault server address (vault provider only).
	VaultAddr string

	// VaultToken authenticates against Vault (vault provider only).
	VaultToken string

	// LocalMasterKeyPath is the master key file path (local provider only).
	LocalMasterKeyPath string

	// ContextTokenBudget bounds the tokens loaded into chat context.
	ContextTokenBudget int

	// AlwaysIncludeLastMessages is the number of trailing messages loaded
	// into context regardless of the token budget.
	AlwaysIncludeLastMessages int

	// MomentThreshold is the uncovered-token count that triggers a
	// session_chunk moment. Zero disables automatic moment building.
	MomentThreshold int

	// BlobBackend selects the blob store: s3 or local.
	BlobBackend string

	// BlobBucket is the S3 bucket name (s3 backend only).
	BlobBucket string

	// BlobRegion is the S3 region (s3 backend only).
	BlobRegion string

	// BlobLocalDir is the storage directory (local backend only).
	BlobLocalDir string
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		EmbeddingModel:            "text-embedding-3-small",
		EmbeddingBaseURL:          "https://api.openai.com/v1",
		EmbeddingMinSimilarity:    0.3,
		KMSProvider:               "local",
		LocalMasterKeyPath:        "/etc/percolate/master.key",
		ContextTokenBudget:        8000,
		AlwaysIncludeLastMessages: 4,
		MomentThreshold:           2000,
		BlobBackend:               "local",
		BlobLocalDir:              "/var/lib/percolate/blobs",
	}
}

// FromEnv returns DefaultOptions overridden by P8_-prefixed environment
// variables.
func FromEnv() Options {
	o := DefaultOptions()
	setString(&o.DatabaseURL, "DATABASE_URL")
	setString(&o.EmbeddingModel, "EMBEDDING_MODEL")
	setString(&o.EmbeddingBaseURL, "EMBEDDING_BASE_URL")
	setString(&o.EmbeddingAPIKey, "EMBEDDING_API_KEY")
	setFloat(&o.EmbeddingMinSimilarity, "EMBEDDING_MIN_SIMILARITY")
	setString(&o.KMSProvider, "KMS_PROVIDER")
	setString(&o.KMSKeyID, "KMS_KEY_ID")
	setString(&o.KMSRegion, "KMS_REGION")
	setString(&o.VaultAddr, "VAULT_ADDR")
	setString(&o.VaultToken, "VAULT_TOKEN")
	setString(&o.LocalMasterKeyPath, "LOCAL_MASTER_KEY_PATH")
	setInt(&o.ContextTokenBudget, "CONTEXT_TOKEN_BUDGET")
	setInt(&o.AlwaysIncludeLastMessages, "ALWAYS_INCLUDE_LAST_MESSAGES")
	setInt(&o.MomentThreshold, "MOMENT_THRESHOLD")
	setString(&o.BlobBackend, "BLOB_BACKEND")
	setString(&o.BlobBucket, "BLOB_BUCKET")
	setString(&o.BlobRegion, "BLOB_REGION")
	setString(&o.BlobLocalDir, "BLOB_LOCAL_DIR")
	return o
}

// Validate checks if the Options are valid.
func (o *Options) Validate() error {
	if o.DatabaseURL == "" {
		return fmt.Errorf("config: %sDATABASE_URL is required", EnvPrefix)
	}
	switch o.KMSProvider {
	case "local", "vault", "aws":
	default:
		return fmt.Errorf("config: unknown KMS provider %q", o.KMSProvider)
	}
	if o.EmbeddingMinSimilarity < 0 || o.EmbeddingMinSimilarity > 1 {
		return fmt.Errorf("config: EMBEDDING_MIN_SIMILARITY must be in [0,1], got %v", o.EmbeddingMinSimilarity)
	}
	if o.ContextTokenBudget <= 0 {
		return fmt.Errorf("config: CONTEXT_TOKEN_BUDGET must be positive")
	}
	if o.BlobBackend == "s3" && o.BlobBucket == "" {
		return fmt.Errorf("config: %sBLOB_BUCKET is required for the s3 backend", EnvPrefix)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
