// Package repository provides the storage-bridge interfaces the ReBAC
// engine is built against: namespaces, tuples, the monotonic per-zone
// revision counter, the Tiger materialized-bitmap tables, and the
// ephemeral (locking/caching/pub-sub) concerns backed by Redis.
//
// Architecture:
//
//	Each repository type is a narrow interface over one storage concern so
//	the engine packages (rebac/namespace, rebac/tuplestore, rebac/revision,
//	rebac/tiger, rebac/l2cache) depend on behavior, not on *db.PostgresDB or
//	*redis.Client directly. Tests substitute in-memory fakes satisfying the
//	same interfaces.
//
// Design Philosophy:
//
//  1. Everything the authorization core persists is relational -- there is
//     no document store and no graph-native store in this deployment; the
//     "graph" in ReBAC is evaluated in memory over tuples, not stored as a
//     property graph.
//  2. Ephemeral data (locks, L2 cache entries, pub/sub fan-out, counters)
//     lives in Redis behind CacheRepository, unchanged in shape from the
//     original multi-backend design.
package repository

import (
	"context"
	"encoding/json"
	"time"
)

// NamespaceRepository persists namespace schemas (spec §3, §4.1).
type NamespaceRepository interface {
	// Upsert creates or updates a namespace by object_type, returning its
	// (possibly new) NamespaceID.
	Upsert(ctx context.Context, objectType string, config json.RawMessage) (namespaceID int64, createdAt, updatedAt time.Time, err error)
	// Get returns the namespace's raw config JSON, or ErrNotFound.
	Get(ctx context.Context, objectType string) (config json.RawMessage, updatedAt time.Time, err error)
	// List returns every known object_type.
	List(ctx context.Context) ([]string, error)
}

// TupleRow is the relational shape of a tuple row (NOT rebac.Tuple, to keep
// this package free of a dependency on the domain package; rebac/tuplestore
// maps between the two).
type TupleRow struct {
	TupleID         string
	SubjectType     string
	SubjectID       string
	SubjectRelation *string
	Relation        string
	ObjectType      string
	ObjectID        string
	CreatedAt       time.Time
	ExpiresAt       *time.Time
	Conditions      json.RawMessage
	TenantID        *string
	SubjectTenantID *string
	ObjectTenantID  *string
}

// TupleFilter is the AND-combined filter accepted by TupleRepository.List.
type TupleFilter struct {
	SubjectType, SubjectID string
	Relation               string
	RelationIn             []string
	ObjectType, ObjectID   string
	TenantID               *string
	HasTenantFilter        bool
	Now                    time.Time
}

// ChangeType enumerates changelog row kinds (spec §3, §6 changelog table).
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeDelete ChangeType = "delete"
)

// TupleRepository is the Tuple Store's storage bridge (spec §4.2).
type TupleRepository interface {
	// Insert writes a tuple row and its INSERT changelog entry atomically,
	// returning the new zone revision from the same transaction.
	Insert(ctx context.Context, zone string, row TupleRow) (revision int64, err error)
	// Delete removes a tuple by id if present and live, appending a DELETE
	// changelog row and bumping the zone revision. Returns a nil row if the
	// tuple was absent or already expired (spec's NOT_FOUND semantics); the
	// returned row is the deleted tuple's full shape, so the caller can
	// thread it into targeted cache invalidation the same way Insert does.
	Delete(ctx context.Context, zone, tupleID string) (row *TupleRow, revision int64, err error)
	// List returns tuples matching filter, excluding expired rows.
	List(ctx context.Context, filter TupleFilter) ([]TupleRow, error)
	// FindDirect returns the first live tuple matching the exact pair, if any.
	FindDirect(ctx context.Context, subjectType, subjectID, relation, objectType, objectID string) (*TupleRow, error)
	// FindRelatedObjects returns objects related to (objectType, objectID)
	// via `relation` as the tupleset edge (used by tupleToUserset).
	FindRelatedObjects(ctx context.Context, objectType, objectID, relation string) ([]TupleRow, error)
	// FindSubjectSets enumerates userset-as-subject tuples pointing at
	// (objectType, objectID) with the given relation.
	FindSubjectSets(ctx context.Context, objectType, objectID, relation string, tenantID *string, hasTenantFilter bool) ([]TupleRow, error)
	// SweepExpired deletes all rows with expires_at <= now, appending a
	// DELETE changelog row per removed tuple, returning the removed rows
	// (the caller invalidates caches for each) and the count removed.
	SweepExpired(ctx context.Context, zone string, now time.Time) ([]TupleRow, error)
}

// RevisionRepository is the Revision Service's storage bridge (spec §4.5).
type RevisionRepository interface {
	// Bump atomically increments and returns the zone's revision counter,
	// creating the row with value 1 if it doesn't yet exist.
	Bump(ctx context.Context, zone string) (int64, error)
	// Current returns the zone's last-persisted revision (0 if unseen).
	Current(ctx context.Context, zone string) (int64, error)
}

// ResourceMapRepository is the Tiger Resource Map's storage bridge.
type ResourceMapRepository interface {
	// GetOrCreateIntID allocates (or returns the existing) int32 id for
	// (resourceType, resourceID). Ids are never reclaimed.
	GetOrCreateIntID(ctx context.Context, resourceType, resourceID string) (int32, error)
	// BulkGetIntIDs resolves many (type, id) pairs in one round trip,
	// creating ids for any that don't yet exist.
	BulkGetIntIDs(ctx context.Context, pairs [][2]string) (map[[2]string]int32, error)
	// Resolve is the inverse of GetOrCreateIntID.
	Resolve(ctx context.Context, intID int32) (resourceType, resourceID string, err error)
	// ListByPrefix pages through every (resourceType, resourceID) already
	// mapped whose resourceID starts with pathPrefix, ordered by
	// resource_id for stable cursoring. Used by directory grant expansion
	// to enumerate files under a directory path (spec §4.8).
	ListByPrefix(ctx context.Context, resourceType, pathPrefix, cursor string, limit int) (pairs [][2]string, nextCursor string, err error)
}

// TigerBitmapRow is the relational shape of one tiger_cache row.
type TigerBitmapRow struct {
	SubjectType, SubjectID string
	Permission             string
	ResourceType           string
	ZoneID                 string
	BitmapData             []byte
	Revision               int64
	UpdatedAt              time.Time
}

// TigerRepository is the Tiger Bitmap Cache's L3 storage bridge (spec §4.8).
type TigerRepository interface {
	GetBitmap(ctx context.Context, subjectType, subjectID, permission, resourceType, zoneID string) (*TigerBitmapRow, error)
	UpsertBitmap(ctx context.Context, row TigerBitmapRow) error
	Invalidate(ctx context.Context, subjectType, subjectID, permission, resourceType, zoneID *string) error
	// WarmCandidates returns up to limit of the most recently updated rows,
	// for non-blocking startup warm-from-db.
	WarmCandidates(ctx context.Context, limit int) ([]TigerBitmapRow, error)
}

// DirectoryGrantRow is the relational shape of a tiger_directory_grants row
// (spec §3 Directory Grant, §4.8).
type DirectoryGrantRow struct {
	GrantID            string
	SubjectType, SubjectID string
	Permission         string
	DirectoryPath      string
	ZoneID             string
	GrantRevision      int64
	IncludeFutureFiles bool
	ExpansionStatus    string // pending | in_progress | completed | failed
	ExpandedCount      int64
	TotalCount         int64
	ErrorMessage       *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
}

// DirectoryGrantRepository is the storage bridge for directory-grant
// expansion bookkeeping (spec §3, §4.8).
type DirectoryGrantRepository interface {
	Create(ctx context.Context, row DirectoryGrantRow) error
	UpdateProgress(ctx context.Context, grantID string, expandedCount int64, status string, errMsg *string) error
	MatchingAncestorGrants(ctx context.Context, zoneID string, ancestorPaths []string) ([]DirectoryGrantRow, error)
}

// CacheRepository manages ephemeral data in Redis: distributed locks, the
// L2 permission/bitmap cache, pub/sub invalidation fan-out, and counters
// used for the 1-second local amortization of Revision Service reads.
//
// Consistency:
//   - Eventually consistent, no durability guarantees, fast failover.
//   - L2 is advisory everywhere it is consulted (spec §4.7).
type CacheRepository interface {
	// Distributed locking
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
	IsLocked(ctx context.Context, key string) (bool, error)

	// Caching
	SetCache(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetCache(ctx context.Context, key string, value interface{}) error
	DeleteCache(ctx context.Context, key string) error
	// ScanDelete deletes every key matching a glob pattern (used for L2
	// pattern invalidation, e.g. "tiger:user:alice:*:*").
	ScanDelete(ctx context.Context, pattern string) (int, error)

	// Pub/sub
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan interface{}, error)

	// Counters
	Increment(ctx context.Context, key string) (int64, error)
	Decrement(ctx context.Context, key string) (int64, error)
}
