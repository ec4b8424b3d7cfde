// Package cache implements the L1 Permission Cache (spec §4.6): an
// in-process TTL cache split into grant/denial maps, three secondary
// indexes for targeted invalidation, XFetch probabilistic early refresh,
// and singleflight-based stampede prevention, grounded on the teacher's
// mutex-guarded map idiom and golang-lru usage (db/repository composite
// pattern's lock discipline, generalized here to a recursive-safe RWMutex
// over plain maps since golang-lru's eviction policy doesn't expose the
// secondary-index hooks this component needs).
package cache

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Key identifies one cached permission decision.
type Key struct {
	SubjectType, SubjectID string
	Permission             string
	ObjectType, ObjectID   string
	Zone                   string
	RevisionBucket         int64
}

func (k Key) indexKeys() (subjectIdx, objectIdx string) {
	return k.SubjectType + ":" + k.SubjectID, k.ObjectType + ":" + k.ObjectID
}

type entry struct {
	result               bool
	createdAt            time.Time
	jitteredTTL          time.Duration
	deltaSeconds         float64
	revisionAtCacheTime  int64
	relation             string
	inherited            bool
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.createdAt.Add(e.jitteredTTL))
}

// Beta tunes XFetch's early-refresh aggressiveness (spec §4.6).
const Beta = 1.0

// RefreshAheadFactor is the fallback early-refresh threshold used when an
// entry's recompute cost (delta) is unknown.
const RefreshAheadFactor = 0.8

// TTL tiers (spec §4.6).
const (
	GrantTTLOwner      = time.Hour
	GrantTTLEditorView = 10 * time.Minute
	GrantTTLInherited  = 5 * time.Minute
	DenialTTL          = time.Minute
)

// L1 is the in-process permission cache.
type L1 struct {
	mu       sync.RWMutex
	grants   map[Key]*entry
	denials  map[Key]*entry
	bySubject map[string]map[Key]bool
	byObject  map[string]map[Key]bool
	byPrefix  map[string]map[Key]bool // path-prefix -> keys, for "/"-rooted object_ids

	sf singleflight.Group

	// legacyZoneWide, if true, makes invalidate_* scan every key instead of
	// using the secondary indexes -- kept only to document spec §4.6's
	// deprecated mode; production configuration always leaves this false.
	legacyZoneWide bool
}

// New constructs an empty L1 cache.
func New() *L1 {
	return &L1{
		grants:    make(map[Key]*entry),
		denials:   make(map[Key]*entry),
		bySubject: make(map[string]map[Key]bool),
		byObject:  make(map[string]map[Key]bool),
		byPrefix:  make(map[string]map[Key]bool),
	}
}

// Get returns the cached result for key if present and not expired.
func (c *L1) Get(key Key) (result bool, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, found := c.grants[key]; found && !e.expired(time.Now()) {
		return true, true
	}
	if e, found := c.denials[key]; found && !e.expired(time.Now()) {
		return false, true
	}
	return false, false
}

// GetWithRevision implements at_least_as_fresh: the entry is rejected (a
// miss) unless its revision_at_cache_time >= minRevision (spec §4.6).
func (c *L1) GetWithRevision(key Key, minRevision int64) (result bool, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	if e, found := c.grants[key]; found && !e.expired(now) && e.revisionAtCacheTime >= minRevision {
		return true, true
	}
	if e, found := c.denials[key]; found && !e.expired(now) && e.revisionAtCacheTime >= minRevision {
		return false, true
	}
	return false, false
}

// SetOptions carries Set's optional metadata (spec §4.6).
type SetOptions struct {
	DeltaSeconds float64
	Relation     string
	Inherited    bool
	Revision     int64
}

func ttlFor(result bool, opts SetOptions) time.Duration {
	if !result {
		return jitter(DenialTTL)
	}
	if opts.Inherited {
		return jitter(GrantTTLInherited)
	}
	switch opts.Relation {
	case "owner":
		return jitter(GrantTTLOwner)
	case "editor", "viewer":
		return jitter(GrantTTLEditorView)
	default:
		return jitter(GrantTTLInherited)
	}
}

// jitter applies the ±20% TTL jitter spec §4.6 requires to avoid
// thundering herds of simultaneous expiries.
func jitter(base time.Duration) time.Duration {
	delta := float64(base) * 0.2
	offset := (rand.Float64()*2 - 1) * delta
	return base + time.Duration(offset)
}

// Set stores result under key in the grant or denial map, records
// metadata, and threads key into all three secondary indexes.
func (c *L1) Set(key Key, result bool, opts SetOptions) {
	e := &entry{
		result:              result,
		createdAt:           time.Now(),
		jitteredTTL:         ttlFor(result, opts),
		deltaSeconds:        opts.DeltaSeconds,
		revisionAtCacheTime: opts.Revision,
		relation:            opts.Relation,
		inherited:           opts.Inherited,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if result {
		c.grants[key] = e
	} else {
		c.denials[key] = e
	}
	c.indexInsert(key)
}

func (c *L1) indexInsert(key Key) {
	subjIdx, objIdx := key.indexKeys()
	addIndex(c.bySubject, subjIdx, key)
	addIndex(c.byObject, objIdx, key)
	for _, prefix := range pathPrefixes(key.ObjectType, key.ObjectID) {
		addIndex(c.byPrefix, prefix, key)
	}
}

func (c *L1) indexRemove(key Key) {
	subjIdx, objIdx := key.indexKeys()
	removeIndex(c.bySubject, subjIdx, key)
	removeIndex(c.byObject, objIdx, key)
	for _, prefix := range pathPrefixes(key.ObjectType, key.ObjectID) {
		removeIndex(c.byPrefix, prefix, key)
	}
}

func addIndex(idx map[string]map[Key]bool, k string, key Key) {
	set, ok := idx[k]
	if !ok {
		set = make(map[Key]bool)
		idx[k] = set
	}
	set[key] = true
}

func removeIndex(idx map[string]map[Key]bool, k string, key Key) {
	set, ok := idx[k]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(idx, k)
	}
}

// pathPrefixes returns every strict ancestor path-prefix bucket a key
// belongs to, only for object types whose id is a "/"-rooted path (spec
// §4.6: "file", "memory", "resource").
func pathPrefixes(objectType, objectID string) []string {
	switch objectType {
	case "file", "memory", "resource":
	default:
		return nil
	}
	if len(objectID) == 0 || objectID[0] != '/' {
		return nil
	}
	var prefixes []string
	for i := 1; i < len(objectID); i++ {
		if objectID[i] == '/' {
			prefixes = append(prefixes, objectID[:i+1])
		}
	}
	return prefixes
}

func (c *L1) deleteKey(key Key) {
	delete(c.grants, key)
	delete(c.denials, key)
	c.indexRemove(key)
}

// InvalidateSubjectObjectPair removes the entry for one exact (subject,
// permission, object, zone) tuple across every revision bucket is not
// possible without a bucket scan; callers invalidate by pre-computed Key.
func (c *L1) InvalidateSubjectObjectPair(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteKey(key)
}

// InvalidateSubject removes every cached entry touching subject.
func (c *L1) InvalidateSubject(subjectType, subjectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateByIndex(c.bySubject, subjectType+":"+subjectID)
}

// InvalidateObject removes every cached entry touching object.
func (c *L1) InvalidateObject(objectType, objectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateByIndex(c.byObject, objectType+":"+objectID)
}

// InvalidatePair removes every cached entry (across every permission and
// revision bucket) touching the exact (subject, object) pair, without
// widening to every other subject cached against object (spec §4.9: a plain
// tuple insert/delete is pair-scoped, not object-wide).
func (c *L1) InvalidatePair(subjectType, subjectID, objectType, objectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subjIdx := subjectType + ":" + subjectID
	objIdx := objectType + ":" + objectID
	subjKeys, ok := c.bySubject[subjIdx]
	if !ok {
		return
	}
	objKeys := c.byObject[objIdx]
	for k := range subjKeys {
		if objKeys[k] {
			c.deleteKey(k)
		}
	}
}

// InvalidateObjectPrefix removes every cached entry whose object falls
// under the given path prefix, traversing only that bucket (spec §4.6).
func (c *L1) InvalidateObjectPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateByIndex(c.byPrefix, prefix)
}

// InvalidateObjectType removes every entry whose object is of objectType,
// used by the Invalidation Fabric on namespace update (spec §4.9). This is
// the one operation with no secondary index support and must scan.
func (c *L1) InvalidateObjectType(objectType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.grants {
		if k.ObjectType == objectType {
			c.deleteKey(k)
		}
	}
	for k := range c.denials {
		if k.ObjectType == objectType {
			c.deleteKey(k)
		}
	}
}

func (c *L1) invalidateByIndex(idx map[string]map[Key]bool, indexKey string) {
	set, ok := idx[indexKey]
	if !ok {
		return
	}
	keys := make([]Key, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	for _, k := range keys {
		c.deleteKey(k)
	}
}

// ComputeFunc produces the authoritative result for a miss (normally a
// Graph Evaluator Check call).
type ComputeFunc func(ctx context.Context) (bool, error)

// GetOrCompute implements try_acquire_compute/wait_for_compute/
// release_compute/cancel_compute (spec §4.6) via singleflight.Group.Do:
// the first caller for a given key computes and populates the cache, and
// concurrent callers for the same key block on the shared result rather
// than issuing redundant Graph Evaluator walks.
func (c *L1) GetOrCompute(ctx context.Context, key Key, compute ComputeFunc, opts SetOptions) (bool, error) {
	sfKey := sfKeyOf(key)
	v, err, _ := c.sf.Do(sfKey, func() (interface{}, error) {
		result, err := compute(ctx)
		if err != nil {
			return false, err
		}
		c.Set(key, result, opts)
		return result, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func sfKeyOf(k Key) string {
	return k.SubjectType + "\x00" + k.SubjectID + "\x00" + k.Permission + "\x00" + k.ObjectType + "\x00" + k.ObjectID + "\x00" + k.Zone
}

// ShouldRefresh implements XFetch (spec §4.6): given entry metadata and
// beta, early refresh triggers when
// now - delta*beta*ln(random()) >= created_at + jittered_ttl.
// When delta is zero (unknown), falls back to a refresh-ahead threshold at
// refreshAheadFactor * jittered_ttl.
func ShouldRefresh(createdAt time.Time, jitteredTTL time.Duration, deltaSeconds, beta float64, now time.Time) bool {
	if deltaSeconds <= 0 {
		threshold := createdAt.Add(time.Duration(float64(jitteredTTL) * RefreshAheadFactor))
		return now.After(threshold)
	}
	r := rand.Float64()
	if r <= 0 {
		r = 1e-9
	}
	xfetch := deltaSeconds * beta * -math.Log(r)
	deadline := createdAt.Add(jitteredTTL)
	return now.Add(time.Duration(xfetch * float64(time.Second))).After(deadline)
}
