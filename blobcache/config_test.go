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
	"testing"

	"sigs.k8s.io/yaml"
)

func TestConfigZeroSizeDisables(t *testing.T) {
	cfg := DefaultConfig()
	rc, err := cfg.Resolve(100<<30, NewRoleSet(RoleFrozen))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !rc.Disabled {
		t.Fatal("zero size must resolve to Disabled")
	}
}

func TestConfigRejectsIneligibleRole(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Size = ByteSize{Bytes: 1 << 30}
	_, err := cfg.Resolve(100<<30, NewRoleSet("compute"))
	if err == nil {
		t.Fatal("expected a ConfigError for an ineligible role set")
	}
	if _, ok := err.(*ConfigError); !ok {
		t.Fatalf("err = %T, want *ConfigError", err)
	}
}

func TestConfigRelativeSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Size = ByteSize{Percent: 50, relative: true}
	cfg.MaxHeadroom = 1 << 30
	cfg.RegionSize = 1 << 20

	rc, err := cfg.Resolve(100<<30, NewRoleSet(RoleSearch))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	wantTotal := int64(50<<30) - (1 << 30)
	wantRegions := int(wantTotal / (1 << 20))
	if rc.NumRegions != wantRegions {
		t.Fatalf("NumRegions = %d, want %d", rc.NumRegions, wantRegions)
	}
}

func TestConfigRejectsHeadroomWithoutRelativeSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Size = ByteSize{Bytes: 1 << 30}
	cfg.MaxHeadroom = 1 << 20
	if _, err := cfg.Resolve(100<<30, NewRoleSet(RoleIndexing)); err == nil {
		t.Fatal("expected a ConfigError")
	}
}

func TestConfigRejectsNonPositiveRegionSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Size = ByteSize{Bytes: 1 << 30}
	cfg.RegionSize = 0
	if _, err := cfg.Resolve(100<<30, NewRoleSet(RoleFrozen)); err == nil {
		t.Fatal("expected a ConfigError for region_size <= 0")
	}
}

func TestByteSizeUnmarshalAbsoluteAndPercent(t *testing.T) {
	var abs ByteSize
	if err := yaml.Unmarshal([]byte(`1073741824`), &abs); err != nil {
		t.Fatalf("unmarshal absolute: %v", err)
	}
	if abs.Relative() || abs.Bytes != 1073741824 {
		t.Fatalf("abs = %+v", abs)
	}

	var pct ByteSize
	if err := yaml.Unmarshal([]byte(`"80%"`), &pct); err != nil {
		t.Fatalf("unmarshal percent: %v", err)
	}
	if !pct.Relative() || pct.Percent != 80 {
		t.Fatalf("pct = %+v", pct)
	}
}

func TestConfigMinTimeDeltaDefaultsWhenOmitted(t *testing.T) {
	cfg := DefaultConfig()
	data := []byte(`shared_cache.size: 1073741824`)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.MinTimeDelta != DefaultMinTimeDelta {
		t.Fatalf("MinTimeDelta = %v, want default %v", cfg.MinTimeDelta, DefaultMinTimeDelta)
	}
}

func TestConfigMinTimeDeltaExplicitZeroDisablesGating(t *testing.T) {
	cfg := DefaultConfig()
	data := []byte(`shared_cache.size: 1073741824
shared_cache.min_time_delta: 0`)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.MinTimeDelta != 0 {
		t.Fatalf("MinTimeDelta = %v, want 0 (gating disabled)", cfg.MinTimeDelta)
	}
}
