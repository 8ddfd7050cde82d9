// Package prefetch proactively fills the entity cache from the remote
// system so reads keep working offline. Prefetch is TTL-gated per tenant
// and entity type; it does not run on every session.
package prefetch

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/satchelhq/satchel/internal/cache"
	"github.com/satchelhq/satchel/internal/connectivity"
	"github.com/satchelhq/satchel/internal/remote"
)

// DefaultTTL is the minimum interval between automatic refreshes for a
// given tenant and entity type.
const DefaultTTL = 2 * time.Hour

// Report summarizes one prefetch pass.
type Report struct {
	// Fetched counts entity types refreshed from the remote.
	Fetched int
	// Fresh counts entity types skipped because their snapshot is inside
	// the TTL window.
	Fresh int
	// Failed counts entity types whose fetch failed; failures never block
	// the other types.
	Failed int
}

// Scheduler gates and runs prefetch passes.
type Scheduler struct {
	cache    *cache.Manager
	gateway  remote.Gateway
	monitor  *connectivity.Monitor
	ttl      time.Duration
	profiles map[Role][]cache.EntityType

	mu  sync.Mutex
	ran map[string]bool // tenant -> already ran this process

	logger *log.Logger
}

// New creates a Scheduler. monitor may be nil (always treated online);
// profiles may be nil to use the built-in role sets; ttl of 0 uses
// DefaultTTL.
func New(c *cache.Manager, g remote.Gateway, monitor *connectivity.Monitor, ttl time.Duration, profiles map[Role][]cache.EntityType, logger *log.Logger) (*Scheduler, error) {
	if c == nil || g == nil {
		return nil, fmt.Errorf("cache and gateway are required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if profiles == nil {
		profiles = defaultProfiles()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[prefetch] ", log.LstdFlags)
	}

	return &Scheduler{
		cache:    c,
		gateway:  g,
		monitor:  monitor,
		ttl:      ttl,
		profiles: profiles,
		ran:      make(map[string]bool),
		logger:   logger,
	}, nil
}

// MaybePrefetch refreshes the tenant's role-relevant entity snapshots.
//
// Guards: returns without remote reads when offline, when the tenant was
// already prefetched in this process, or when every relevant snapshot is
// inside the TTL window. Fetches run in parallel per entity type and each
// fails in isolation.
func (s *Scheduler) MaybePrefetch(ctx context.Context, tenant string, role Role) (Report, error) {
	var rep Report

	if tenant == "" {
		return rep, fmt.Errorf("tenant is required")
	}
	types, ok := s.profiles[role]
	if !ok {
		return rep, fmt.Errorf("unknown role %q", role)
	}

	if s.monitor != nil && !s.monitor.Online() {
		return rep, nil
	}

	s.mu.Lock()
	if s.ran[tenant] {
		s.mu.Unlock()
		return rep, nil
	}
	s.mu.Unlock()

	// Decide staleness per entity type before any remote read.
	var stale []cache.EntityType
	for _, typ := range types {
		refreshed, found, err := s.cache.LastRefresh(ctx, tenant, typ)
		if err != nil {
			return rep, err
		}
		if found && time.Since(refreshed) < s.ttl {
			rep.Fresh++
			continue
		}
		stale = append(stale, typ)
	}

	if len(stale) == 0 {
		return rep, nil
	}

	s.logger.Printf("Prefetching %d entity types for tenant %s (%s)", len(stale), tenant, role)

	type result struct {
		typ cache.EntityType
		err error
	}
	results := make(chan result, len(stale))

	var wg sync.WaitGroup
	for _, typ := range stale {
		wg.Add(1)
		go func(typ cache.EntityType) {
			defer wg.Done()
			results <- result{typ: typ, err: s.refresh(ctx, tenant, typ)}
		}(typ)
	}
	wg.Wait()
	close(results)

	for res := range results {
		if res.err != nil {
			rep.Failed++
			s.logger.Printf("WARNING: prefetch %s/%s failed: %v", tenant, res.typ, res.err)
			continue
		}
		rep.Fetched++
	}

	s.mu.Lock()
	s.ran[tenant] = true
	s.mu.Unlock()

	s.logger.Printf("Prefetch complete for %s: fetched=%d fresh=%d failed=%d",
		tenant, rep.Fetched, rep.Fresh, rep.Failed)

	return rep, nil
}

// refresh fetches one snapshot, replaces the cached copy, and records the
// refresh time for the TTL gate.
func (s *Scheduler) refresh(ctx context.Context, tenant string, typ cache.EntityType) error {
	records, err := s.gateway.FetchSnapshot(ctx, tenant, typ)
	if err != nil {
		return err
	}
	if err := s.cache.WriteSnapshot(ctx, tenant, typ, records); err != nil {
		return err
	}
	return s.cache.TouchRefresh(ctx, tenant, typ, time.Now())
}
