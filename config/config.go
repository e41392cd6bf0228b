// Copyright (C) 2024 dflow authors.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config holds the two plain option structs spec §6 names
// (ReduceConfig, the stream layer's launcher-derived settings) as exported-
// field Go structs with sane zero-value defaults, following the teacher's
// plan.ExecParams style: a struct of knobs built up by the caller and
// passed explicitly down, not a process-wide global. Both additionally
// round-trip through YAML via sigs.k8s.io/yaml, the library cmd/sdb and
// db/sync.go use for on-disk definitions, so a job launcher can load either
// from a file.
package config

import (
	"fmt"

	"sigs.k8s.io/yaml"
)

// TableKind selects the in-memory reduce table implementation (spec §4.7).
type TableKind string

const (
	TableProbing TableKind = "probing"
	TableBucket  TableKind = "bucket"
)

// ReduceConfig carries the knobs a ReducePrePhase/ReducePostPhase needs
// beyond the key/reduce functions themselves (spec §6, §4.7-§4.9).
type ReduceConfig struct {
	// TableKind selects probing vs. bucket hash table (default: probing).
	TableKind TableKind `json:"table_kind,omitempty"`
	// LimitPartitionFillRate is the fill-rate spill trigger, in (0,1]
	// (default 0.9).
	LimitPartitionFillRate float64 `json:"limit_partition_fill_rate,omitempty"`
	// NumPartitions is the spill-unit granularity (default 32).
	NumPartitions int `json:"num_partitions,omitempty"`
	// UseMixStream selects Mix over Cat exchange semantics for the
	// pre-phase's shuffled output (default false: Cat).
	UseMixStream bool `json:"use_mix_stream,omitempty"`
	// UsePostThread runs the post-phase concurrently with the pre-phase
	// drain rather than after it fully closes (default false).
	UsePostThread bool `json:"use_post_thread,omitempty"`
	// MemoryBytes is the byte budget M handed down from stage planning.
	MemoryBytes int64 `json:"memory_bytes,omitempty"`
	// MaxMergeDegree bounds how many spill files a single re-reduce pass
	// merges at once (spec §4.9); 0 uses DefaultMaxMergeDegree.
	MaxMergeDegree int `json:"max_merge_degree,omitempty"`
}

// Defaults for zero-valued ReduceConfig fields (spec §6).
const (
	DefaultNumPartitions           = 32
	DefaultLimitPartitionFillRate  = 0.9
	DefaultMaxMergeDegree          = 8
	DefaultReduceMemoryBytes int64 = 64 << 20
)

// WithDefaults returns a copy of c with every zero-valued field replaced by
// its documented default, leaving any explicitly-set field untouched.
func (c ReduceConfig) WithDefaults() ReduceConfig {
	if c.TableKind == "" {
		c.TableKind = TableProbing
	}
	if c.LimitPartitionFillRate <= 0 {
		c.LimitPartitionFillRate = DefaultLimitPartitionFillRate
	}
	if c.NumPartitions <= 0 {
		c.NumPartitions = DefaultNumPartitions
	}
	if c.MemoryBytes <= 0 {
		c.MemoryBytes = DefaultReduceMemoryBytes
	}
	if c.MaxMergeDegree <= 0 {
		c.MaxMergeDegree = DefaultMaxMergeDegree
	}
	return c
}

// Validate checks the invariants spec §6 implies (fill rate in (0,1],
// positive partition count).
func (c ReduceConfig) Validate() error {
	if c.TableKind != TableProbing && c.TableKind != TableBucket {
		return fmt.Errorf("config: invalid table_kind %q", c.TableKind)
	}
	if c.LimitPartitionFillRate <= 0 || c.LimitPartitionFillRate > 1 {
		return fmt.Errorf("config: limit_partition_fill_rate %v out of (0,1]", c.LimitPartitionFillRate)
	}
	if c.NumPartitions <= 0 {
		return fmt.Errorf("config: num_partitions must be positive, got %d", c.NumPartitions)
	}
	return nil
}

// StreamConfig carries the job-launcher-derived settings spec §6 lists for
// the stream layer: block size plus the worker/host topology a Multiplexer
// needs to address its peers.
type StreamConfig struct {
	// BlockSize overrides block.DefaultBlockSize (default 2 MiB) when > 0.
	BlockSize int `json:"block_size,omitempty"`
	// NumWorkersPerHost is the count of local DIA worker threads per host.
	NumWorkersPerHost int `json:"num_workers_per_host"`
	// NumHosts is the total number of hosts in the process group.
	NumHosts int `json:"num_hosts"`
	// HostRank is this process's rank among NumHosts.
	HostRank int `json:"host_rank"`
}

// NumWorkers returns the total (global) worker count this config implies.
func (c StreamConfig) NumWorkers() int { return c.NumWorkersPerHost * c.NumHosts }

// Validate checks that the topology fields describe a well-formed group.
func (c StreamConfig) Validate() error {
	if c.NumWorkersPerHost <= 0 {
		return fmt.Errorf("config: num_workers_per_host must be positive, got %d", c.NumWorkersPerHost)
	}
	if c.NumHosts <= 0 {
		return fmt.Errorf("config: num_hosts must be positive, got %d", c.NumHosts)
	}
	if c.HostRank < 0 || c.HostRank >= c.NumHosts {
		return fmt.Errorf("config: host_rank %d out of range [0,%d)", c.HostRank, c.NumHosts)
	}
	return nil
}

// JobConfig bundles both configs for a single YAML job-launcher file, the
// way cmd/sdb/main.go loads a combined definition.yaml.
type JobConfig struct {
	Reduce ReduceConfig `json:"reduce,omitempty"`
	Stream StreamConfig `json:"stream"`
}

// Load parses a YAML-encoded JobConfig, applying ReduceConfig defaults.
func Load(data []byte) (JobConfig, error) {
	var jc JobConfig
	if err := yaml.Unmarshal(data, &jc); err != nil {
		return JobConfig{}, fmt.Errorf("config: parse: %w", err)
	}
	jc.Reduce = jc.Reduce.WithDefaults()
	if err := jc.Stream.Validate(); err != nil {
		return JobConfig{}, err
	}
	if err := jc.Reduce.Validate(); err != nil {
		return JobConfig{}, err
	}
	return jc, nil
}

// Marshal encodes a JobConfig back to YAML, the dual of Load.
func Marshal(jc JobConfig) ([]byte, error) {
	b, err := yaml.Marshal(jc)
	if err != nil {
		return nil, fmt.Errorf("config: marshal: %w", err)
	}
	return b, nil
}
