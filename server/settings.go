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
	"time"

	"github.com/ioloop/ioloop/errkind"
)

// Settings is ServerSettings from spec.md §3: the admission-control and
// watermark configuration for one Server. TCPBacklogSize is accepted for
// configuration-surface completeness but not applied — Go's net package
// does not expose the listen(2) backlog argument portably across
// platforms, and this core does not reach into platform-specific syscalls
// to override it (the OS default backlog is used instead).
type Settings struct {
	Port                    int           `config:"port"`
	MaxConnections          int           `config:"maxConnections"`
	MaxIdleTime             time.Duration `config:"maxIdleTime"` // <= 0 means infinite
	LowWatermarkPercentage  float64       `config:"lowWatermarkPercentage"`
	HighWatermarkPercentage float64       `config:"highWatermarkPercentage"`
	HighWaterMaxIdleTime    time.Duration `config:"highWaterMaxIdleTime"` // must be finite (> 0)
	TCPBacklogSize          int           `config:"tcpBacklogSize"`
}

// Validate enforces the configuration-surface constraints from spec.md §6;
// a violation is a FatalConfig error raised synchronously at construction.
func (s Settings) Validate() error {
	switch {
	case s.Port < 0 || s.Port > 65535:
		return errkind.ErrFatalConfig
	case s.MaxConnections < 0:
		return errkind.ErrFatalConfig
	case s.LowWatermarkPercentage < 0 || s.LowWatermarkPercentage > 1:
		return errkind.ErrFatalConfig
	case s.HighWatermarkPercentage < s.LowWatermarkPercentage || s.HighWatermarkPercentage > 1:
		return errkind.ErrFatalConfig
	case s.HighWaterMaxIdleTime <= 0:
		return errkind.ErrFatalConfig
	default:
		return nil
	}
}

func (s Settings) lowWatermark() int {
	return int(s.LowWatermarkPercentage * float64(s.MaxConnections))
}

func (s Settings) highWatermark() int {
	return int(s.HighWatermarkPercentage * float64(s.MaxConnections))
}
