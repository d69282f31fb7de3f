package rbac

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 5 * time.Minute
)

// Hierarchy is the derived, per-role view of the level-based hierarchy:
// parents are the roles one level above, children one level below, and
// Inherited maps each parent role name to the permissions it contributes.
// Always rebuildable from the role store; treated as a pure cache.
type Hierarchy struct {
	Role      string
	Level     int
	Parents   []string
	Children  []string
	Inherited map[string][]Permission
}

// InheritedFlat returns the union of all inherited permissions.
func (h Hierarchy) InheritedFlat() []Permission {
	var out []Permission
	for _, perms := range h.Inherited {
		out = append(out, perms...)
	}
	return out
}

// HierarchyCache is a bounded TTL cache of hierarchy snapshots keyed by role
// name. Entries self-expire; any write to role or permission data must call
// Invalidate or Purge.
type HierarchyCache struct {
	lru *expirable.LRU[string, Hierarchy]
}

// NewHierarchyCache builds a cache holding up to size entries for ttl.
func NewHierarchyCache(size int, ttl time.Duration) *HierarchyCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &HierarchyCache{lru: expirable.NewLRU[string, Hierarchy](size, nil, ttl)}
}

func (c *HierarchyCache) Get(roleName string) (Hierarchy, bool) {
	return c.lru.Get(NormalizeRoleName(roleName))
}

func (c *HierarchyCache) Set(h Hierarchy) {
	c.lru.Add(NormalizeRoleName(h.Role), h)
}

// Invalidate drops the snapshot for one role.
func (c *HierarchyCache) Invalidate(roleName string) {
	c.lru.Remove(NormalizeRoleName(roleName))
}

// Purge drops every snapshot. Called on role/permission mutations:
// correctness over cache efficiency.
func (c *HierarchyCache) Purge() {
	c.lru.Purge()
}

// Len reports the number of live entries.
func (c *HierarchyCache) Len() int { return c.lru.Len() }
