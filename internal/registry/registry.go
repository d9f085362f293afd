// Package registry implements C6: the static zone-id -> store map and its
// startup/shutdown lifecycle. Grounded on the teacher's parallel-init shape
// in start_world.go (each subsystem bootstrapped independently before the
// server starts accepting requests) generalized to a bounded, parallel,
// per-zone store init with a waitgroup, since the teacher itself only ever
// opens a single database.
package registry

import (
	"context"
	"fmt"
	"log"
	"sync"

	"gridkeep/internal/apierr"
	"gridkeep/internal/store"
)

// Registry maps a zone id to its Store, per spec.md §4.6.
type Registry struct {
	stores map[int]*store.Store
}

// Open initializes one Store per zone id in zoneIDs, in parallel, using
// makeCfg to build each zone's store.Config. If any zone fails to open,
// every zone opened so far is closed and the first error is returned.
func Open(ctx context.Context, zoneIDs []int, infoLog, errLog *log.Logger, makeCfg func(zone int) store.Config) (*Registry, error) {
	type result struct {
		zone int
		s    *store.Store
		err  error
	}

	results := make(chan result, len(zoneIDs))
	var wg sync.WaitGroup
	for _, zone := range zoneIDs {
		wg.Add(1)
		go func(zone int) {
			defer wg.Done()
			s, err := store.Open(ctx, makeCfg(zone), infoLog, errLog)
			results <- result{zone: zone, s: s, err: err}
		}(zone)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	stores := make(map[int]*store.Store, len(zoneIDs))
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("zone %d: %w", r.zone, r.err)
			}
			continue
		}
		stores[r.zone] = r.s
	}

	if firstErr != nil {
		for _, s := range stores {
			s.Close(ctx)
		}
		return nil, firstErr
	}

	return &Registry{stores: stores}, nil
}

// Get returns the store for zone, or an InvalidZone error for an unknown
// zone id (HTTP 400 per spec.md §4.6/§7).
func (r *Registry) Get(zone int) (*store.Store, error) {
	s, ok := r.stores[zone]
	if !ok {
		return nil, apierr.New(apierr.InvalidZone, fmt.Sprintf("unknown zone %d", zone))
	}
	return s, nil
}

// Zones lists the registered zone ids.
func (r *Registry) Zones() []int {
	zones := make([]int, 0, len(r.stores))
	for z := range r.stores {
		zones = append(zones, z)
	}
	return zones
}

// Close shuts down every zone's store.
func (r *Registry) Close(ctx context.Context) {
	for _, s := range r.stores {
		s.Close(ctx)
	}
}
