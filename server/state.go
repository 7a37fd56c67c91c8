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

// VolumeState is ConnectionVolumeState from spec.md §3: the coarse,
// hysteresis-protected indicator of connection load a Server publishes.
type VolumeState uint8

const (
	Normal VolumeState = iota
	HighWater
)

func (v VolumeState) String() string {
	if v == HighWater {
		return "high_water"
	}
	return "normal"
}

// State is the published ServerState from spec.md §3: the only piece of
// shared mutable state in the whole system, written by the Server and read
// by anyone holding a reference to it.
type State struct {
	Volume VolumeState
}

// transition is the pure, independently-testable volume-state transition
// function from spec.md §4.6. Boundaries are intentionally asymmetric
// (>= high, <= low) to give the state machine hysteresis: once in
// HighWater, the state is sticky anywhere in (lowWatermark, highWatermark).
//
// fired reports whether entering HighWater from Normal just happened —
// the caller emits the "highwaters" event exactly on that edge.
func transition(current VolumeState, openConnections, lowWatermark, highWatermark int) (next VolumeState, fired bool) {
	switch current {
	case Normal:
		if openConnections >= highWatermark {
			return HighWater, true
		}
		return Normal, false
	case HighWater:
		if openConnections <= lowWatermark {
			return Normal, false
		}
		return HighWater, false
	default:
		return current, false
	}
}
