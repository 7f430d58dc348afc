/*
 * Copyright 2024 The Verifiable RDS AVS Authors.
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
 */

// Package conf holds the proxy's YAML configuration.
package conf

import (
	"bytes"
	"io/ioutil"
	"sort"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/Gajesh2007/verifiable-rds-avs/crypto/hash"
)

// Duration wraps time.Duration with yaml string parsing ("10s", "1m30s").
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) (err error) {
	var raw string
	if err = unmarshal(&raw); err != nil {
		return
	}
	d.Duration, err = time.ParseDuration(raw)
	return errors.Wrapf(err, "parse duration %q failed", raw)
}

// MarshalYAML implements the yaml.Marshaler interface.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// SecurityInfo tunes the connection and statement rate guards.
type SecurityInfo struct {
	Enabled                 bool     `yaml:"Enabled"`
	MaxConnectionsPerWindow int      `yaml:"MaxConnectionsPerWindow"`
	ConnectionWindow        Duration `yaml:"ConnectionWindow"`
	MaxQueriesPerWindow     int      `yaml:"MaxQueriesPerWindow"`
	QueryWindow             Duration `yaml:"QueryWindow"`
	MaxViolations           int      `yaml:"MaxViolations"`
	BanDuration             Duration `yaml:"BanDuration"`
	AllowList               []string `yaml:"AllowList"`
}

// BackendInfo locates the real PostgreSQL server.
type BackendInfo struct {
	Host     string `yaml:"Host"`
	Port     int    `yaml:"Port"`
	User     string `yaml:"User"`
	Password string `yaml:"Password"`
	Database string `yaml:"Database"`
	PoolSize int    `yaml:"PoolSize"`
}

// Config holds all the config read from the yaml config file.
type Config struct {
	ListenAddr   string `yaml:"ListenAddr"`
	APIAddr      string `yaml:"APIAddr"`
	TLSCertFile  string `yaml:"TLSCertFile"`
	TLSKeyFile   string `yaml:"TLSKeyFile"`
	MaxFrameSize uint32 `yaml:"MaxFrameSize"`
	LogLevel     string `yaml:"LogLevel"`

	Backend BackendInfo `yaml:"Backend"`

	Security SecurityInfo `yaml:"Security"`

	// Users maps client user names to passwords; an empty map trusts every
	// client.
	Users map[string]string `yaml:"Users"`

	BlockStoreDir  string        `yaml:"BlockStoreDir"`
	LedgerEndpoint string        `yaml:"LedgerEndpoint"`
	CommitCadence  Duration      `yaml:"CommitCadence"`
	Committer      string        `yaml:"Committer"`
	PrivateKeyFile string        `yaml:"PrivateKeyFile"`

	// StrictMode disables function substitution: volatile functions are
	// rejected instead of substituted. Ordering injection and planner hints
	// still apply.
	StrictMode bool `yaml:"StrictMode"`

	// AllowedFunctions and AllowedSettings extend the analyzer's
	// deterministic sets; together with StrictMode they are reflected in
	// the block headers' rule fingerprint.
	AllowedFunctions []string `yaml:"AllowedFunctions"`
	AllowedSettings  []string `yaml:"AllowedSettings"`
}

// GConf is the global config pointer.
var GConf *Config

// LoadConfig loads and validates the config file at path.
func LoadConfig(path string) (config *Config, err error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		err = errors.Wrapf(err, "read config file %s failed", path)
		return
	}
	config = &Config{}
	if err = yaml.Unmarshal(raw, config); err != nil {
		err = errors.Wrap(err, "parse config failed")
		config = nil
		return
	}
	config.fillDefaults()
	return
}

func (c *Config) fillDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:5432"
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = 16 << 20
	}
	if c.Backend.Port == 0 {
		c.Backend.Port = 5432
	}
	if c.Backend.PoolSize == 0 {
		c.Backend.PoolSize = 8
	}
	if c.CommitCadence.Duration == 0 {
		c.CommitCadence.Duration = 10 * time.Second
	}
	if c.BlockStoreDir == "" {
		c.BlockStoreDir = "./blockstore"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// RuleFingerprint hashes every configuration value that affects determinism,
// so block headers pin the rule set that produced their roots.
func (c *Config) RuleFingerprint() hash.Hash {
	var buf bytes.Buffer
	if c.StrictMode {
		buf.WriteString("strict\x00")
	}
	buf.WriteString("allowed-functions\x00")
	writeSorted(&buf, c.AllowedFunctions)
	buf.WriteString("allowed-settings\x00")
	writeSorted(&buf, c.AllowedSettings)
	return hash.THashH(buf.Bytes())
}

func writeSorted(buf *bytes.Buffer, values []string) {
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)
	for _, v := range sorted {
		buf.WriteString(v)
		buf.WriteByte(0)
	}
}
