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

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	defaultLogLevel  = "info"
	defaultPprofAddr = "localhost:6060"
)

type Root struct {
	// Host is the default inference server, used when an argument names a
	// model without a host.
	Host            string
	LogDir          string
	LogLevel        string
	DisableProgress bool
	Pprof           bool
	PprofAddr       string
}

func NewRoot() (*Root, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get user home dir: %w", err)
	}

	return &Root{
		Host:            "",
		LogDir:          filepath.Join(home, ".quantctl", "logs"),
		LogLevel:        defaultLogLevel,
		DisableProgress: false,
		Pprof:           false,
		PprofAddr:       defaultPprofAddr,
	}, nil
}
