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

package rem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Lookup(t *testing.T) {
	q, err := Parse(`LOOKUP "quarterly-report"`)
	require.NoError(t, err)
	assert.Equal(t, ModeLookup, q.Mode)
	assert.Equal(t, "quarterly-report", q.Text)
}

func TestParse_LookupTrailingToken(t *testing.T) {
	_, err := Parse(`LOOKUP "key" extra`)
	require.ErrorIs(t, err, ErrParse)
	assert.Contains(t, err.Error(), "position")
}

func TestParse_Search(t *testing.T) {
	q, err := Parse(`SEARCH "revenue growth" FROM resources CATEGORY finance LIMIT 5 MIN_SIMILARITY 0.4`)
	require.NoError(t, err)
	assert.Equal(t, ModeSearch, q.Mode)
	assert.Equal(t, "revenue growth", q.Text)
	assert.Equal(t, "resources", q.Table)
	assert.Equal(t, "finance", q.Category)
	assert.Equal(t, 5, q.Limit)
	assert.Equal(t, 0.4, q.MinSimilarity)
}

func TestParse_SearchRequiresFrom(t *testing.T) {
	_, err := Parse(`SEARCH "text"`)
	require.ErrorIs(t, err, ErrParse)
	assert.Contains(t, err.Error(), "FROM")
}

func TestParse_SearchBadLimit(t *testing.T) {
	_, err := Parse(`SEARCH "x" FROM resources LIMIT banana`)
	require.ErrorIs(t, err, ErrParse)
}

func TestParse_Fuzzy(t *testing.T) {
	q, err := Parse(`FUZZY "kv stor" LIMIT 3`)
	require.NoError(t, err)
	assert.Equal(t, ModeFuzzy, q.Mode)
	assert.Equal(t, "kv stor", q.Text)
	assert.Equal(t, 3, q.Limit)
}

func TestParse_Traverse(t *testing.T) {
	q, err := Parse(`TRAVERSE "project-alpha" DEPTH 2 TYPE references LOAD`)
	require.NoError(t, err)
	assert.Equal(t, ModeTraverse, q.Mode)
	assert.Equal(t, "project-alpha", q.Text)
	assert.Equal(t, 2, q.Depth)
	assert.Equal(t, "references", q.EdgeType)
	assert.True(t, q.Load)
}

func TestParse_TraverseDefaults(t *testing.T) {
	q, err := Parse(`TRAVERSE "seed"`)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Depth)
	assert.False(t, q.Load)
}

func TestParse_TraverseDepthZero(t *testing.T) {
	q, err := Parse(`TRAVERSE "seed" DEPTH 0`)
	require.NoError(t, err)
	assert.Equal(t, 0, q.Depth)
}

func TestParse_CaseInsensitiveKeywords(t *testing.T) {
	q, err := Parse(`lookup "key"`)
	require.NoError(t, err)
	assert.Equal(t, ModeLookup, q.Mode)

	q, err = Parse(`search "x" from resources limit 2`)
	require.NoError(t, err)
	assert.Equal(t, ModeSearch, q.Mode)
	assert.Equal(t, 2, q.Limit)
}

func TestParse_QuotedEscapes(t *testing.T) {
	q, err := Parse(`LOOKUP "say \"hi\""`)
	require.NoError(t, err)
	assert.Equal(t, `say "hi"`, q.Text)
}

func TestParse_UnterminatedString(t *testing.T) {
	_, err := Parse(`LOOKUP "never closed`)
	require.ErrorIs(t, err, ErrParse)
	assert.Contains(t, err.Error(), "unterminated")
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse("")
	require.ErrorIs(t, err, ErrParse)

	_, err = Parse("   \n ")
	require.ErrorIs(t, err, ErrParse)
}

func TestParse_RawSQLFallthrough(t *testing.T) {
	q, err := Parse("SELECT id, name FROM sessions WHERE total_tokens > 100")
	require.NoError(t, err)
	assert.Equal(t, ModeSQL, q.Mode)
	assert.Contains(t, q.Text, "SELECT id")
}

func TestParse_RawSQLWriteGuard(t *testing.T) {
	writes := []string{
		"DELETE FROM sessions",
		"drop table users",
		"WITH x AS (SELECT 1) INSERT INTO messages VALUES (1)",
		"UPDATE sessions SET mode='x'",
		"TRUNCATE kv_store",
		"ALTER TABLE users ADD COLUMN x TEXT",
		"GRANT ALL ON sessions TO public",
		"REVOKE ALL ON sessions FROM public",
	}
	for _, stmt := range writes {
		_, err := Parse(stmt)
		assert.ErrorIs(t, err, ErrParse, "statement %q", stmt)
	}
}

func TestParse_WriteKeywordInsideWordAllowed(t *testing.T) {
	// "updated_at" contains "update" but is not a write statement.
	q, err := Parse("SELECT updated_at FROM sessions")
	require.NoError(t, err)
	assert.Equal(t, ModeSQL, q.Mode)
}
