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

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWorkerMetricsWithRegistry(reg)

	m.RecordClaim("small", 3)
	m.RecordTask("dreaming", "ok", 2*time.Second)
	m.RecordSkip()
	m.RecordEmbeddingBatch(5, 1)
	m.RecordDepth("large", 7)
	m.RecordStaleRecovered(2)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.ClaimsTotal.WithLabelValues("small")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TasksSkippedTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EmbeddingBatchesTotal))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.EmbeddingItemsTotal.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EmbeddingItemsTotal.WithLabelValues("failed")))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.QueueDepth.WithLabelValues("large")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.StaleRecoveredTotal))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestWorkerMetrics_IsolatedRegistries(t *testing.T) {
	// Two registries must not collide on metric names.
	NewWorkerMetricsWithRegistry(prometheus.NewRegistry())
	NewWorkerMetricsWithRegistry(prometheus.NewRegistry())
}
