package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Defaults for the parsed-program cache.
const (
	DefaultCacheTTL      = 10 * time.Minute
	DefaultCacheCapacity = 512
)

// programCache keeps parsed step trees keyed by template code and version.
// Template versions are immutable, so entries never go stale; the TTL only
// bounds memory for templates that stop being used.
type programCache struct {
	c *ttlcache.Cache[string, []Step]
}

func newProgramCache(ttl time.Duration, capacity int) *programCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	c := ttlcache.New(
		ttlcache.WithCapacity[string, []Step](uint64(capacity)),
		ttlcache.WithTTL[string, []Step](ttl),
	)
	return &programCache{c: c}
}

func programKey(code string, version int) string {
	return fmt.Sprintf("%s@%d", code, version)
}

func (pc *programCache) get(code string, version int) ([]Step, bool) {
	item := pc.c.Get(programKey(code, version))
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (pc *programCache) set(code string, version int, steps []Step) {
	pc.c.Set(programKey(code, version), steps, ttlcache.DefaultTTL)
}

func (pc *programCache) len() int {
	return pc.c.Len()
}

// runEviction removes expired entries until ctx is done.
func (pc *programCache) runEviction(ctx context.Context) {
	go pc.c.Start()

	<-ctx.Done()

	pc.c.Stop()
}
