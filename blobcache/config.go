// Copyright (C) 2022 Sneller, Inc.
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

package blobcache

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"sigs.k8s.io/yaml"
)

// Role is a node role, as recognized by shared_cache.size's validation:
// only frozen, search, and indexing nodes may host a shared cache. Full
// node role validation belongs to the node's settings layer; Role and
// RoleSet exist here only so Config.Resolve can apply that one rule.
type Role string

const (
	RoleFrozen   Role = "frozen"
	RoleSearch   Role = "search"
	RoleIndexing Role = "indexing"
)

// RoleSet is the set of roles a node has been assigned.
type RoleSet map[Role]bool

// NewRoleSet builds a RoleSet from a list of roles.
func NewRoleSet(roles ...Role) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		s[r] = true
	}
	return s
}

// Has reports whether the set contains r.
func (s RoleSet) Has(r Role) bool { return s[r] }

// cacheEligible reports whether any role that may host a shared cache is
// present.
func (s RoleSet) cacheEligible() bool {
	return s.Has(RoleFrozen) || s.Has(RoleSearch) || s.Has(RoleIndexing)
}

// ByteSize is a quantity that may be configured either as an absolute
// byte count or as a percentage of some reference quantity (for
// shared_cache.size, the node's total disk capacity).
type ByteSize struct {
	Bytes    int64
	Percent  float64
	relative bool
}

// Relative reports whether this ByteSize was given as a percentage.
func (b ByteSize) Relative() bool { return b.relative }

// Resolve returns the absolute byte count this ByteSize represents,
// given a reference total (used only when Relative()).
func (b ByteSize) Resolve(total int64) int64 {
	if !b.relative {
		return b.Bytes
	}
	return int64(float64(total) * b.Percent / 100)
}

// IsZero reports whether this ByteSize was left unconfigured.
func (b ByteSize) IsZero() bool { return !b.relative && b.Bytes == 0 }

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*b = ByteSize{Bytes: n}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("blobcache: size must be a byte count or a percentage string, got %s", data)
	}
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, "%") {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("blobcache: invalid size %q: %w", s, err)
		}
		*b = ByteSize{Bytes: n}
		return nil
	}
	pct, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		return fmt.Errorf("blobcache: invalid percentage %q: %w", s, err)
	}
	*b = ByteSize{Percent: pct, relative: true}
	return nil
}

func (b ByteSize) MarshalJSON() ([]byte, error) {
	if b.relative {
		return json.Marshal(fmt.Sprintf("%g%%", b.Percent))
	}
	return json.Marshal(b.Bytes)
}

// DefaultMinTimeDelta is the default shared_cache.min_time_delta.
const DefaultMinTimeDelta = 30 * time.Second

// Config holds the shared_cache.* settings, decoded from a YAML
// settings file.
type Config struct {
	Size              ByteSize      `json:"shared_cache.size"`
	MaxHeadroom       int64         `json:"shared_cache.size.max_headroom"`
	RegionSize        int64         `json:"shared_cache.region_size"`
	RangeSize         int64         `json:"shared_cache.range_size"`
	RecoveryRangeSize int64         `json:"shared_cache.recovery_range_size"`
	MinTimeDelta      time.Duration `json:"shared_cache.min_time_delta"`
}

// DefaultConfig returns a Config with every field at its documented
// default. LoadConfig starts from this so that settings omitted from the
// YAML file keep their default rather than a Go zero value that might
// carry a different meaning (e.g. MinTimeDelta's 0 explicitly means
// "disable gating," so it must not be the silent default).
func DefaultConfig() Config {
	return Config{
		RegionSize:        16 << 20,
		RangeSize:         16 << 20,
		RecoveryRangeSize: 16 << 20,
		MinTimeDelta:      DefaultMinTimeDelta,
	}
}

// LoadConfig reads and decodes a shared_cache.* settings file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("blobcache: reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("blobcache: parsing config: %w", err)
	}
	return cfg, nil
}

// ResolvedConfig is the validated, fully-numeric form of Config, ready
// to construct a SharedBlobCacheService from.
type ResolvedConfig struct {
	// Disabled is set when shared_cache.size is unset or an absolute 0,
	// which turns the cache off entirely. A relative size is never
	// reported as Disabled, even when it resolves to 0 bytes.
	Disabled bool

	TotalSize         int64
	RegionSize        int64
	NumRegions        int
	RangeSize         int64
	RecoveryRangeSize int64
	MinTimeDelta      time.Duration
}

// Resolve validates c against totalDiskBytes (the node's total disk
// capacity, needed only when Size is relative) and roles (the node's
// assigned roles). Any rejected setting is reported as a *ConfigError.
func (c Config) Resolve(totalDiskBytes int64, roles RoleSet) (ResolvedConfig, error) {
	if c.Size.IsZero() {
		return ResolvedConfig{Disabled: true}, nil
	}
	if !roles.cacheEligible() {
		return ResolvedConfig{}, configErrorf("shared_cache.size",
			"node role set %v excludes frozen/search/indexing", roles)
	}
	if c.MaxHeadroom != 0 && !c.Size.Relative() {
		return ResolvedConfig{}, configErrorf("shared_cache.size.max_headroom",
			"only meaningful when shared_cache.size is a relative fraction")
	}
	total := c.Size.Resolve(totalDiskBytes)
	if c.Size.Relative() {
		total -= c.MaxHeadroom
	}
	if total < 0 {
		return ResolvedConfig{}, configErrorf("shared_cache.size",
			"resolves to a negative size after applying max_headroom")
	}
	if c.RegionSize <= 0 {
		return ResolvedConfig{}, configErrorf("shared_cache.region_size",
			"must be > 0, got %d", c.RegionSize)
	}
	if c.RangeSize <= 0 {
		return ResolvedConfig{}, configErrorf("shared_cache.range_size",
			"must be > 0, got %d", c.RangeSize)
	}
	if c.RecoveryRangeSize <= 0 {
		return ResolvedConfig{}, configErrorf("shared_cache.recovery_range_size",
			"must be > 0, got %d", c.RecoveryRangeSize)
	}
	numRegions := int(total / c.RegionSize)
	return ResolvedConfig{
		TotalSize:         int64(numRegions) * c.RegionSize,
		RegionSize:        c.RegionSize,
		NumRegions:        numRegions,
		RangeSize:         c.RangeSize,
		RecoveryRangeSize: c.RecoveryRangeSize,
		MinTimeDelta:      c.MinTimeDelta,
	}, nil
}
