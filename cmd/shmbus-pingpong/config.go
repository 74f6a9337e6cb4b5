/*
 *
 * Copyright 2026 shmbus authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package main

import (
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

type demoConfig struct {
	SegmentName string `toml:"segment_name"`
	LockName    string `toml:"lock_name"`
	Capacity    uint32 `toml:"capacity"`
	Rounds      int    `toml:"rounds"`
	UseVector   bool   `toml:"use_vector"`
	VectorCap   uint32 `toml:"vector_cap"`
}

func defaultConfig() demoConfig {
	return demoConfig{
		SegmentName: "pingpong",
		LockName:    "pingpong-lock",
		Capacity:    8,
		Rounds:      100,
	}
}

// loadConfig reads the TOML file when present and then applies environment
// overrides, so a .env file or the shell can adjust a deployed config.
func loadConfig(path string) (demoConfig, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	}

	if v := os.Getenv("SHMBUS_SEGMENT"); v != "" {
		cfg.SegmentName = v
	}
	if v := os.Getenv("SHMBUS_LOCK"); v != "" {
		cfg.LockName = v
	}
	if v := os.Getenv("SHMBUS_CAPACITY"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Capacity = uint32(n)
		}
	}
	if v := os.Getenv("SHMBUS_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Rounds = n
		}
	}

	return cfg, nil
}
