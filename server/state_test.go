// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransition_NormalToHighWater(t *testing.T) {
	next, fired := transition(Normal, 8, 5, 8)
	assert.Equal(t, HighWater, next)
	assert.True(t, fired)
}

func TestTransition_StaysNormalBelowHighWatermark(t *testing.T) {
	next, fired := transition(Normal, 7, 5, 8)
	assert.Equal(t, Normal, next)
	assert.False(t, fired)
}

func TestTransition_HighWaterSticksInBand(t *testing.T) {
	next, fired := transition(HighWater, 6, 5, 8)
	assert.Equal(t, HighWater, next)
	assert.False(t, fired)
}

func TestTransition_HighWaterReturnsToNormal(t *testing.T) {
	next, fired := transition(HighWater, 5, 5, 8)
	assert.Equal(t, Normal, next)
	assert.False(t, fired)
}

func TestTransition_HysteresisFullSequence(t *testing.T) {
	// maxConnections=10, low=0.5 (5), high=0.8 (8) — spec.md §8 scenario 6.
	state := Normal
	fires := 0

	step := func(open int) {
		var fired bool
		state, fired = transition(state, open, 5, 8)
		if fired {
			fires++
		}
	}

	step(8) // -> HighWater, fires once
	assert.Equal(t, HighWater, state)
	step(6) // within band, sticky
	assert.Equal(t, HighWater, state)
	step(5) // -> Normal
	assert.Equal(t, Normal, state)

	assert.Equal(t, 1, fires)
}

func TestTransition_NoOscillationWithinBand(t *testing.T) {
	state := HighWater
	for _, open := range []int{6, 7, 6, 7, 8, 6} {
		var fired bool
		state, fired = transition(state, open, 5, 8)
		assert.Equal(t, HighWater, state)
		assert.False(t, fired)
	}
}
