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

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	o := DefaultOptions()
	assert.Equal(t, 0.3, o.EmbeddingMinSimilarity)
	assert.Equal(t, 8000, o.ContextTokenBudget)
	assert.Equal(t, 4, o.AlwaysIncludeLastMessages)
	assert.Equal(t, "local", o.KMSProvider)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("P8_DATABASE_URL", "postgres://localhost/percolate")
	t.Setenv("P8_KMS_PROVIDER", "vault")
	t.Setenv("P8_CONTEXT_TOKEN_BUDGET", "12000")
	t.Setenv("P8_EMBEDDING_MIN_SIMILARITY", "0.5")

	o := FromEnv()
	assert.Equal(t, "postgres://localhost/percolate", o.DatabaseURL)
	assert.Equal(t, "vault", o.KMSProvider)
	assert.Equal(t, 12000, o.ContextTokenBudget)
	assert.Equal(t, 0.5, o.EmbeddingMinSimilarity)
}

func TestFromEnv_IgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("P8_CONTEXT_TOKEN_BUDGET", "not-a-number")
	o := FromEnv()
	assert.Equal(t, 8000, o.ContextTokenBudget)
}

func TestValidate(t *testing.T) {
	o := DefaultOptions()
	require.Error(t, o.Validate(), "missing database URL must fail")

	o.DatabaseURL = "postgres://localhost/percolate"
	require.NoError(t, o.Validate())

	o.KMSProvider = "gcp"
	assert.Error(t, o.Validate())

	o.KMSProvider = "aws"
	o.EmbeddingMinSimilarity = 1.5
	assert.Error(t, o.Validate())

	o.EmbeddingMinSimilarity = 0.3
	o.BlobBackend = "s3"
	assert.Error(t, o.Validate(), "s3 backend without a bucket must fail")
	o.BlobBucket = "percolate-files"
	assert.NoError(t, o.Validate())
}
