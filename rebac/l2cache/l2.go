// Package l2cache implements the optional L2 Distributed Cache (spec
// §4.7): a thin wrapper over Redis holding the same semantic values as L1
// (booleans and serialized bitmaps), directly descended from the
// teacher's db/repository/redis.go SetCache/GetCache/DeleteCache trio.
package l2cache

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nexi-lab/nexus/db/repository"
)

// DefaultTimeout bounds every L2 round trip; L2 is advisory, so a slow or
// unreachable Redis must never block Check beyond this window (spec §4.7).
const DefaultTimeout = 3 * time.Second

// Envelope is the value stored for a boolean permission decision.
type Envelope struct {
	Result   bool  `json:"result"`
	Revision int64 `json:"revision"`
}

// BitmapEnvelope is the value stored for a Tiger bitmap mirror.
type BitmapEnvelope struct {
	Data     []byte `json:"data"`
	Revision int64  `json:"revision"`
}

// Cache is the L2 Distributed Cache.
type Cache struct {
	repo    repository.CacheRepository
	timeout time.Duration
	log     *logrus.Entry
}

// New constructs a Cache. repo may be nil to disable L2 entirely (it is
// optional per spec §4.7); every method becomes a no-op miss in that case.
func New(repo repository.CacheRepository, log *logrus.Entry) *Cache {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Cache{repo: repo, timeout: DefaultTimeout, log: log}
}

func permissionKey(subjectType, subjectID, permission, objectType, objectID, zone string) string {
	return fmt.Sprintf("perm:%s:%s:%s:%s:%s:%s", subjectType, subjectID, permission, objectType, objectID, zone)
}

// BitmapKey is the L2 bitmap mirror key (spec §4.7 and §3: zone excluded by
// design so shared objects remain reachable cross-zone).
func BitmapKey(subjectType, subjectID, permission, resourceType string) string {
	return fmt.Sprintf("tiger:%s:%s:%s:%s", subjectType, subjectID, permission, resourceType)
}

// GetPermission returns the cached boolean decision, or ok=false on any
// miss or error (errors are logged and swallowed; L2 is advisory).
func (c *Cache) GetPermission(ctx context.Context, subjectType, subjectID, permission, objectType, objectID, zone string) (env Envelope, ok bool) {
	if c.repo == nil {
		return Envelope{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.repo.GetCache(ctx, permissionKey(subjectType, subjectID, permission, objectType, objectID, zone), &env); err != nil {
		return Envelope{}, false
	}
	return env, true
}

// SetPermission stores a permission decision with ttl.
func (c *Cache) SetPermission(ctx context.Context, subjectType, subjectID, permission, objectType, objectID, zone string, env Envelope, ttl time.Duration) {
	if c.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.repo.SetCache(ctx, permissionKey(subjectType, subjectID, permission, objectType, objectID, zone), env, ttl); err != nil {
		c.log.WithError(err).Warn("l2cache: set permission failed")
	}
}

// GetBitmap returns the cached bitmap mirror, or ok=false on miss/error.
func (c *Cache) GetBitmap(ctx context.Context, subjectType, subjectID, permission, resourceType string) (env BitmapEnvelope, ok bool) {
	if c.repo == nil {
		return BitmapEnvelope{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.repo.GetCache(ctx, BitmapKey(subjectType, subjectID, permission, resourceType), &env); err != nil {
		return BitmapEnvelope{}, false
	}
	return env, true
}

// SetBitmap stores a bitmap mirror with ttl.
func (c *Cache) SetBitmap(ctx context.Context, subjectType, subjectID, permission, resourceType string, env BitmapEnvelope, ttl time.Duration) {
	if c.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.repo.SetCache(ctx, BitmapKey(subjectType, subjectID, permission, resourceType), env, ttl); err != nil {
		c.log.WithError(err).Warn("l2cache: set bitmap failed")
	}
}

// InvalidatePair deletes the cached permission decision for one exact
// (subject, permission, object, zone) tuple.
func (c *Cache) InvalidatePair(ctx context.Context, subjectType, subjectID, permission, objectType, objectID, zone string) {
	if c.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.repo.DeleteCache(ctx, permissionKey(subjectType, subjectID, permission, objectType, objectID, zone)); err != nil {
		c.log.WithError(err).Warn("l2cache: invalidate pair failed")
	}
}

// InvalidatePattern deletes every key matching a glob pattern, e.g.
// "perm:user:alice:*:*:*:*" (subject-scoped) or
// "perm:*:*:*:file:report.pdf:*" (object-scoped), matching the Invalidation
// Fabric's (subject, *, *, object, zone) pattern from spec §4.9.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) {
	if c.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := c.repo.ScanDelete(ctx, pattern); err != nil {
		c.log.WithError(err).Warn("l2cache: invalidate pattern failed")
	}
}
