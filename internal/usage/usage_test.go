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

package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPlanCap(t *testing.T) {
	assert.Equal(t, int64(200_000), PlanCap(PlanFree, ResourceTokens))
	assert.Equal(t, int64(5_000_000), PlanCap(PlanPro, ResourceTokens))
	assert.Equal(t, Unlimited, PlanCap(PlanEnterprise, ResourceRequests))

	// Unknown plans behave like free.
	assert.Equal(t, PlanCap(PlanFree, ResourceMinutes), PlanCap("mystery", ResourceMinutes))

	// Unknown resources have no headroom.
	assert.Equal(t, int64(0), PlanCap(PlanPro, "gpus"))
}

func TestPeriodStart(t *testing.T) {
	at := time.Date(2026, 8, 24, 13, 45, 0, 0, time.FixedZone("X", 3600))
	got := periodStart(at)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), got)

	// Month boundary in UTC, not local time.
	at = time.Date(2026, 9, 1, 0, 30, 0, 0, time.FixedZone("X", 3600))
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), periodStart(at))
}

func TestExceeded(t *testing.T) {
	assert.False(t, exceeded(10, 10))
	assert.True(t, exceeded(11, 10))
	assert.False(t, exceeded(1<<40, Unlimited))
}
