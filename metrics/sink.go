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

// Package metrics is the narrow observability sink the core requires:
// named counters and rates obtained by GetOrAdd, independent of whatever
// process supervises the IOSystem. The default implementation is backed by
// github.com/prometheus/client_golang, adapted from the teacher's
// internal/metricstorage Set/Counter pattern but keyed by a sorted tag
// string instead of an xxhash label hash — the sink never needs to export
// raw label-hash time series, only to answer GetOrAdd(name).Value() style
// queries, so the extra hashing machinery the sniffer's metricstorage needs
// for remote-write isn't warranted here.
package metrics

import "time"

// DefaultWindows is the default rate window list from spec.md §6.
var DefaultWindows = []time.Duration{time.Second, time.Minute}

// Counter is a monotonic-by-convention integer the core increments and
// decrements (decrement is required so gauge-like quantities — e.g. the
// current open-connection count — can be expressed as a counter per
// spec.md §6).
type Counter interface {
	Inc()
	Dec()
	Add(delta float64)
	Value() float64
}

// Rate tracks events-per-window over a configurable set of windows, hit by
// Hit with an optional tag map (e.g. close cause).
type Rate interface {
	Hit(tags map[string]string)
	// Value returns the current events-per-second rate for the given
	// window; window must be one the Rate was created with.
	Value(window time.Duration) float64
}

// Sink is the interface the core requires of its metrics collaborator.
type Sink interface {
	// GetOrAddCounter returns the named Counter, creating it on first use.
	GetOrAddCounter(name string) Counter

	// GetOrAddRate returns the named Rate, creating it with DefaultWindows
	// on first use.
	GetOrAddRate(name string) Rate
}

// Noop is a Sink that discards everything; useful for tests that don't
// care about metrics.
type Noop struct{}

type noopCounter struct{}

func (noopCounter) Inc()            {}
func (noopCounter) Dec()            {}
func (noopCounter) Add(float64)     {}
func (noopCounter) Value() float64  { return 0 }

type noopRate struct{}

func (noopRate) Hit(map[string]string)         {}
func (noopRate) Value(time.Duration) float64   { return 0 }

func (Noop) GetOrAddCounter(string) Counter { return noopCounter{} }
func (Noop) GetOrAddRate(string) Rate       { return noopRate{} }
