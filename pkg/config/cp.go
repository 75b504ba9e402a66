/*
 *     Copyright 2025 The quantctl Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import "fmt"

const (
	// defaultBufferSize is the relay buffer used for remote-to-remote
	// transfers.
	defaultBufferSize = "64MiB"
)

type Cp struct {
	// Throttle caps transfer bandwidth, e.g. "10MiB". Empty means
	// unlimited.
	Throttle string
	// BufferSize sizes the relay buffer for remote-to-remote transfers.
	BufferSize string
	Registry   string
	PlainHTTP  bool
	Insecure   bool
}

func NewCp() *Cp {
	return &Cp{
		Throttle:   "",
		BufferSize: defaultBufferSize,
		Registry:   "",
		PlainHTTP:  false,
		Insecure:   false,
	}
}

func (c *Cp) Validate() error {
	if c.Throttle != "" {
		rate, err := ParseRate(c.Throttle)
		if err != nil {
			return fmt.Errorf("invalid throttle %q: %w", c.Throttle, err)
		}

		if rate <= 0 {
			return fmt.Errorf("invalid throttle %q: must be positive", c.Throttle)
		}
	}

	size, err := ParseSize(c.BufferSize)
	if err != nil {
		return fmt.Errorf("invalid buffer size %q: %w", c.BufferSize, err)
	}

	if size <= 0 {
		return fmt.Errorf("invalid buffer size %q: must be positive", c.BufferSize)
	}

	return nil
}

// ThrottleBytes returns the throttle in bytes per second, 0 when unlimited.
func (c *Cp) ThrottleBytes() int64 {
	if c.Throttle == "" {
		return 0
	}

	rate, _ := ParseRate(c.Throttle)
	return rate
}

// BufferBytes returns the relay buffer size in bytes.
func (c *Cp) BufferBytes() int64 {
	size, _ := ParseSize(c.BufferSize)
	return size
}
