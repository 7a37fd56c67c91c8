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

package metrics

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ioloop/ioloop/internal/fasttime"
)

// PrometheusSink implements Sink by registering one prometheus.Gauge per
// counter name and one prometheus.CounterVec (labelled by "tags") +
// sliding-window tracker per rate name, all under the given namespace.
type PrometheusSink struct {
	namespace string
	registry  prometheus.Registerer

	mut      sync.Mutex
	counters map[string]*promCounter
	rates    map[string]*promRate
}

func NewPrometheusSink(namespace string, registry prometheus.Registerer) *PrometheusSink {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	return &PrometheusSink{
		namespace: namespace,
		registry:  registry,
		counters:  make(map[string]*promCounter),
		rates:     make(map[string]*promRate),
	}
}

func (s *PrometheusSink) GetOrAddCounter(name string) Counter {
	s.mut.Lock()
	defer s.mut.Unlock()

	if c, ok := s.counters[name]; ok {
		return c
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: s.namespace,
		Name:      sanitize(name),
		Help:      name + " (io system counter)",
	})
	s.registry.MustRegister(g)

	c := &promCounter{gauge: g}
	s.counters[name] = c
	return c
}

func (s *PrometheusSink) GetOrAddRate(name string) Rate {
	s.mut.Lock()
	defer s.mut.Unlock()

	if r, ok := s.rates[name]; ok {
		return r
	}

	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: s.namespace,
		Name:      sanitize(name) + "_total",
		Help:      name + " (io system rate event count)",
	}, []string{"tags"})
	s.registry.MustRegister(cv)

	r := newPromRate(cv, DefaultWindows)
	s.rates[name] = r
	return r
}

type promCounter struct {
	gauge prometheus.Gauge
	bits  atomic.Uint64 // float64 value, mirrored alongside the gauge so
	// Value() doesn't need to scrape the collector back out
}

func (c *promCounter) Inc() { c.Add(1) }
func (c *promCounter) Dec() { c.Add(-1) }

func (c *promCounter) Add(d float64) {
	c.gauge.Add(d)
	for {
		old := c.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + d)
		if c.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (c *promCounter) Value() float64 {
	return math.Float64frombits(c.bits.Load())
}

// promRate tracks hit counts per window using a ring of per-second buckets;
// Value sums the buckets covering the requested window and divides by its
// duration, matching the "events-per-window" framing in spec.md §6.
type promRate struct {
	counter *prometheus.CounterVec

	mut     sync.Mutex
	buckets []int64 // one slot per second, indexed by unix-second % len
	base    int64   // unix second the ring was last advanced to
}

func newPromRate(cv *prometheus.CounterVec, windows []time.Duration) *promRate {
	max := time.Minute
	for _, w := range windows {
		if w > max {
			max = w
		}
	}
	size := int(max/time.Second) + 1
	if size < 2 {
		size = 2
	}
	return &promRate{
		counter: cv,
		buckets: make([]int64, size),
		base:    fasttime.UnixTimestamp(),
	}
}

func (r *promRate) advance(now int64) {
	if now <= r.base {
		return
	}
	n := len(r.buckets)
	steps := now - r.base
	if steps > int64(n) {
		steps = int64(n)
	}
	for i := int64(0); i < steps; i++ {
		idx := int((r.base + 1 + i) % int64(n))
		r.buckets[idx] = 0
	}
	r.base = now
}

func (r *promRate) Hit(tags map[string]string) {
	r.counter.WithLabelValues(tagString(tags)).Inc()

	now := fasttime.UnixTimestamp()
	r.mut.Lock()
	defer r.mut.Unlock()
	r.advance(now)
	r.buckets[int(now%int64(len(r.buckets)))]++
}

func (r *promRate) Value(window time.Duration) float64 {
	secs := int64(window / time.Second)
	if secs <= 0 {
		secs = 1
	}

	now := fasttime.UnixTimestamp()
	r.mut.Lock()
	defer r.mut.Unlock()
	r.advance(now)

	n := int64(len(r.buckets))
	if secs > n {
		secs = n
	}
	var sum int64
	for i := int64(0); i < secs; i++ {
		idx := int(((now - i) % n + n) % n)
		sum += r.buckets[idx]
	}
	return float64(sum) / window.Seconds()
}

func tagString(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	return b.String()
}

func sanitize(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
}
