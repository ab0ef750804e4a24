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

// Command blobcachectl inspects and administers a node's on-disk shared
// blob cache: it loads the shared_cache.* settings, opens the backing
// file, and either prints occupancy statistics or force-evicts entries
// matching a key prefix.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/blobcache-io/sharedcache/blobcache"
)

var (
	dashc     string
	dashd     string
	dashv     bool
	dashevict string
	dashtotal int64
	dashrole  string
)

func init() {
	flag.StringVar(&dashc, "c", "", "path to shared_cache.yaml settings file")
	flag.StringVar(&dashd, "d", ".", "cache data directory (where the backing file lives)")
	flag.BoolVar(&dashv, "v", false, "verbose logging")
	flag.StringVar(&dashevict, "evict", "", "force-evict every entry whose key has this prefix, then exit")
	flag.Int64Var(&dashtotal, "total-disk", 0, "total disk capacity in bytes, used to resolve a relative shared_cache.size")
	flag.StringVar(&dashrole, "role", "frozen", "comma-separated node roles (frozen,search,indexing)")
}

func main() {
	flag.Parse()
	if dashc == "" {
		fmt.Fprintln(os.Stderr, "blobcachectl: -c <shared_cache.yaml> is required")
		os.Exit(1)
	}

	cfg, err := blobcache.LoadConfig(dashc)
	if err != nil {
		log.Fatalf("blobcachectl: %s", err)
	}

	roles := blobcache.NewRoleSet()
	for _, r := range strings.Split(dashrole, ",") {
		r = strings.TrimSpace(r)
		if r != "" {
			roles[blobcache.Role(r)] = true
		}
	}

	rc, err := cfg.Resolve(dashtotal, roles)
	if err != nil {
		log.Fatalf("blobcachectl: %s", err)
	}
	if rc.Disabled {
		fmt.Println("shared cache is disabled (shared_cache.size == 0)")
		return
	}

	sb, err := blobcache.OpenSharedBytes(dashd, rc.RegionSize, rc.NumRegions)
	if err != nil {
		log.Fatalf("blobcachectl: opening backing file: %s", err)
	}
	defer sb.Close()

	var logger blobcache.Logger
	if dashv {
		logger = log.Default()
	}
	svc := blobcache.NewSharedBlobCacheService(sb, rc.MinTimeDelta, logger, nil)
	defer svc.Close()

	if dashevict != "" {
		n := svc.ForceEvict(func(k blobcache.CacheKey) bool {
			return strings.HasPrefix(string(k), dashevict)
		})
		fmt.Printf("evicted %d region(s) matching prefix %q\n", n, dashevict)
		return
	}

	stats := svc.Stats()
	fmt.Printf("regions:     %d\n", stats.NumRegions)
	fmt.Printf("live:        %d\n", stats.LiveRegions)
	fmt.Printf("free:        %d\n", stats.FreeRegions)
	fmt.Printf("region size: %d bytes\n", rc.RegionSize)
}
