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

package pgutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueryBuilder_Empty(t *testing.T) {
	qb := &QueryBuilder{}
	assert.Empty(t, qb.Where())
	assert.Empty(t, qb.Args())
}

func TestQueryBuilder_Placeholders(t *testing.T) {
	qb := &QueryBuilder{}
	qb.Add("tenant_id=$?", "t1")
	qb.Add("user_id=$?", "u1")
	qb.AddClause("deleted_at IS NULL")

	assert.Equal(t, " AND tenant_id=$1 AND user_id=$2 AND deleted_at IS NULL", qb.Where())
	assert.Equal(t, []any{"t1", "u1"}, qb.Args())
}

func TestQueryBuilder_Pagination(t *testing.T) {
	qb := &QueryBuilder{}
	qb.Add("session_id=$?", "s1")

	q := qb.AppendPagination("SELECT 1 WHERE 1=1"+qb.Where(), 10, 20)
	assert.Contains(t, q, "LIMIT $2")
	assert.Contains(t, q, "OFFSET $3")
	assert.Len(t, qb.Args(), 3)

	qb2 := &QueryBuilder{}
	q2 := qb2.AppendPagination("SELECT 1", 0, 0)
	assert.Equal(t, "SELECT 1", q2)
}

func TestNullable(t *testing.T) {
	assert.Nil(t, NullString(""))
	assert.Equal(t, "x", *NullString("x"))
	assert.Equal(t, "", DerefString(nil))
	assert.Nil(t, NullInt(0))
	assert.Nil(t, NullInt64(0))
	assert.Nil(t, NullTime(time.Time{}))
	now := time.Now()
	assert.Equal(t, now, *NullTime(now))
	assert.Equal(t, now, TimeOrZero(&now))
	assert.True(t, TimeOrZero(nil).IsZero())
}

func TestJSONB_RoundTrip(t *testing.T) {
	assert.Equal(t, []byte("{}"), MarshalJSONB(nil))
	m := map[string]any{"k": "v", "n": float64(3)}
	out := UnmarshalJSONB(MarshalJSONB(m))
	assert.Equal(t, m, out)
	assert.Nil(t, UnmarshalJSONB(nil))
	assert.Nil(t, UnmarshalJSONB([]byte("{}")))
}

func TestJSONBSlice_RoundTrip(t *testing.T) {
	assert.Equal(t, []byte("[]"), MarshalJSONBSlice[string](nil))
	v := []string{"a", "b"}
	assert.Equal(t, v, UnmarshalJSONBSlice[string](MarshalJSONBSlice(v)))
	assert.Nil(t, UnmarshalJSONBSlice[string]([]byte("not json")))
}
