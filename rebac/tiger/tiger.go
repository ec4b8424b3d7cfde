// Package tiger implements the Tiger Bitmap Cache (spec §4.8): a
// materialized per-(subject, permission, resource_type) Roaring Bitmap of
// accessible resource int-ids, backed by an L1 LRU of decoded bitmaps, the
// L2 distributed mirror, and the L3 relational store, plus the Resource
// Map bijection and Directory Grant expansion. Grounded on the teacher's
// db/repository/postgres.go dialect-quirk handling and the pack's
// RoaringBitmap/roaring usage (AKJUS-bsc-erigon's bitmap-backed indexes).
package tiger

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/RoaringBitmap/roaring/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/nexi-lab/nexus/db/repository"
	"github.com/nexi-lab/nexus/rebac"
	"github.com/nexi-lab/nexus/rebac/l2cache"
	"github.com/nexi-lab/nexus/rebac/revision"
)

// Lookup is the three-state result of CheckAccess (spec §4.8): Member and
// NotMember are authoritative; Unknown means "not cached" and the caller
// (the engine facade) must fall through to the Graph Evaluator.
type Lookup int

const (
	NotMember Lookup = iota
	Member
	Unknown
)

// DefaultBatchSize is the directory-grant expansion batch size.
const DefaultBatchSize = 1000

// DefaultCacheMaxSize bounds the L1 decoded-bitmap LRU.
const DefaultCacheMaxSize = 10_000

// DefaultBatchRate paces directory-grant expansion at this many
// DefaultBatchSize batches per second, so a large directory expansion
// doesn't monopolize the resource-map/descendant-resolver backends at the
// expense of concurrent Check traffic (spec §4.8).
const DefaultBatchRate = 5

// DescendantResolver enumerates descendants of a directory path in pages,
// implemented by the caller (storage knows the hierarchy; Tiger does not).
type DescendantResolver interface {
	// ListDescendants returns up to limit (resourceType, resourceID) pairs
	// under path, starting after cursor, and the next cursor ("" when done).
	ListDescendants(ctx context.Context, zoneID, path string, cursor string, limit int) (pairs [][2]string, nextCursor string, err error)
}

// Tiger is the Tiger Bitmap Cache.
type Tiger struct {
	resourceMap repository.ResourceMapRepository
	bitmaps     repository.TigerRepository
	grants      repository.DirectoryGrantRepository
	l2          *l2cache.Cache
	revisions   *revision.Service
	descendants DescendantResolver
	log         *logrus.Entry

	l1           *lru.Cache[string, *roaring.Bitmap]
	batchLimiter *rate.Limiter
}

// New constructs a Tiger Bitmap Cache.
func New(resourceMap repository.ResourceMapRepository, bitmaps repository.TigerRepository, grants repository.DirectoryGrantRepository, l2 *l2cache.Cache, revisions *revision.Service, descendants DescendantResolver, log *logrus.Entry) (*Tiger, error) {
	l1, err := lru.New[string, *roaring.Bitmap](DefaultCacheMaxSize)
	if err != nil {
		return nil, fmt.Errorf("tiger: l1 lru init: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Tiger{
		resourceMap:  resourceMap,
		bitmaps:      bitmaps,
		grants:       grants,
		l2:           l2,
		revisions:    revisions,
		descendants:  descendants,
		log:          log,
		l1:           l1,
		batchLimiter: rate.NewLimiter(rate.Limit(DefaultBatchRate), 1),
	}, nil
}

func l1Key(subjectType, subjectID, permission, resourceType, zoneID string) string {
	return subjectType + "\x00" + subjectID + "\x00" + permission + "\x00" + resourceType + "\x00" + zoneID
}

// CheckAccess resolves the int id for resource (creating one if missing)
// and asks whether it's a member of the subject's bitmap (spec §4.8).
func (t *Tiger) CheckAccess(ctx context.Context, subject rebac.Entity, permission string, resourceType, resourceID, zoneID string) (Lookup, error) {
	intID, err := t.resourceMap.GetOrCreateIntID(ctx, resourceType, resourceID)
	if err != nil {
		return Unknown, err
	}
	bm, found, err := t.loadBitmap(ctx, subject.Type, subject.ID, permission, resourceType, zoneID)
	if err != nil {
		return Unknown, err
	}
	if !found {
		return Unknown, nil
	}
	if bm.Contains(uint32(intID)) {
		return Member, nil
	}
	return NotMember, nil
}

// BulkCheck is check_access_bulk (spec §4.8): one resolve-int-ids pass and
// one load-bitmaps pass, then memberships computed in memory.
type BulkCheckRequest struct {
	Subject      rebac.Entity
	Permission   string
	ResourceType string
	ResourceID   string
	ZoneID       string
}

func (t *Tiger) BulkCheck(ctx context.Context, reqs []BulkCheckRequest) ([]Lookup, error) {
	pairs := make([][2]string, len(reqs))
	for i, r := range reqs {
		pairs[i] = [2]string{r.ResourceType, r.ResourceID}
	}
	ids, err := t.resourceMap.BulkGetIntIDs(ctx, pairs)
	if err != nil {
		return nil, err
	}

	results := make([]Lookup, len(reqs))
	bitmapCache := make(map[string]*roaring.Bitmap)
	for i, r := range reqs {
		key := l1Key(r.Subject.Type, r.Subject.ID, r.Permission, r.ResourceType, r.ZoneID)
		bm, ok := bitmapCache[key]
		if !ok {
			loaded, found, err := t.loadBitmap(ctx, r.Subject.Type, r.Subject.ID, r.Permission, r.ResourceType, r.ZoneID)
			if err != nil {
				return nil, err
			}
			if !found {
				results[i] = Unknown
				continue
			}
			bitmapCache[key] = loaded
			bm = loaded
		}
		intID := ids[[2]string{r.ResourceType, r.ResourceID}]
		if bm.Contains(uint32(intID)) {
			results[i] = Member
		} else {
			results[i] = NotMember
		}
	}
	return results, nil
}

// loadBitmap loads in L1 memory -> L2 distributed -> L3 relational order.
func (t *Tiger) loadBitmap(ctx context.Context, subjectType, subjectID, permission, resourceType, zoneID string) (*roaring.Bitmap, bool, error) {
	key := l1Key(subjectType, subjectID, permission, resourceType, zoneID)
	if bm, ok := t.l1.Get(key); ok {
		return bm, true, nil
	}

	if env, ok := t.l2.GetBitmap(ctx, subjectType, subjectID, permission, resourceType); ok {
		bm := roaring.New()
		if err := bm.UnmarshalBinary(env.Data); err != nil {
			t.log.WithError(err).Warn("tiger: l2 bitmap corrupt, falling through to l3")
		} else {
			t.l1.Add(key, bm)
			return bm, true, nil
		}
	}

	row, err := t.bitmaps.GetBitmap(ctx, subjectType, subjectID, permission, resourceType, zoneID)
	if err != nil {
		return nil, false, err
	}
	if row == nil {
		return nil, false, nil
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(row.BitmapData); err != nil {
		return nil, false, fmt.Errorf("%w: %v", rebac.ErrBitmapDeserialize, err)
	}
	t.l1.Add(key, bm)
	t.l2.SetBitmap(ctx, subjectType, subjectID, permission, resourceType, l2cache.BitmapEnvelope{Data: row.BitmapData, Revision: row.Revision}, 10*time.Minute)
	return bm, true, nil
}

// PersistSingleGrant write-throughs one membership addition: ensure int id,
// load latest from L3 (never L2, which may lag), add membership, upsert
// L3, mirror to L2 and L1 (spec §4.8).
func (t *Tiger) PersistSingleGrant(ctx context.Context, subject rebac.Entity, permission, resourceType, resourceID, zoneID string) error {
	intID, err := t.resourceMap.GetOrCreateIntID(ctx, resourceType, resourceID)
	if err != nil {
		return err
	}
	bm, err := t.loadFromL3Only(ctx, subject.Type, subject.ID, permission, resourceType, zoneID)
	if err != nil {
		return err
	}
	bm.Add(uint32(intID))
	return t.persist(ctx, subject, permission, resourceType, zoneID, bm)
}

// PersistSingleRevoke is the symmetric removal; no-ops silently if the
// resource was never in the map or bitmap.
func (t *Tiger) PersistSingleRevoke(ctx context.Context, subject rebac.Entity, permission, resourceType, resourceID, zoneID string) error {
	intID, err := t.resourceMap.GetOrCreateIntID(ctx, resourceType, resourceID)
	if err != nil {
		return err
	}
	bm, err := t.loadFromL3Only(ctx, subject.Type, subject.ID, permission, resourceType, zoneID)
	if err != nil {
		return err
	}
	if !bm.Contains(uint32(intID)) {
		return nil
	}
	bm.Remove(uint32(intID))
	return t.persist(ctx, subject, permission, resourceType, zoneID, bm)
}

func (t *Tiger) loadFromL3Only(ctx context.Context, subjectType, subjectID, permission, resourceType, zoneID string) (*roaring.Bitmap, error) {
	row, err := t.bitmaps.GetBitmap(ctx, subjectType, subjectID, permission, resourceType, zoneID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return roaring.New(), nil
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(row.BitmapData); err != nil {
		return nil, fmt.Errorf("%w: %v", rebac.ErrBitmapDeserialize, err)
	}
	return bm, nil
}

func (t *Tiger) persist(ctx context.Context, subject rebac.Entity, permission, resourceType, zoneID string, bm *roaring.Bitmap) error {
	data, err := bm.MarshalBinary()
	if err != nil {
		return fmt.Errorf("tiger: serialize bitmap: %w", err)
	}
	rev, err := t.revisions.Bump(ctx, zoneID)
	if err != nil {
		return err
	}
	if err := t.bitmaps.UpsertBitmap(ctx, repository.TigerBitmapRow{
		SubjectType: subject.Type, SubjectID: subject.ID, Permission: permission,
		ResourceType: resourceType, ZoneID: zoneID, BitmapData: data, Revision: rev,
	}); err != nil {
		return err
	}
	t.l2.SetBitmap(ctx, subject.Type, subject.ID, permission, resourceType, l2cache.BitmapEnvelope{Data: data, Revision: rev}, 10*time.Minute)
	t.l1.Add(l1Key(subject.Type, subject.ID, permission, resourceType, zoneID), bm)
	return nil
}

// Invalidate deletes matching bitmaps from L3 with a compound WHERE, then
// L2 pattern-deletes, then L1 scan-deletes (spec §4.8). Any of subject,
// permission, resourceType, zoneID may be nil to widen the match.
func (t *Tiger) Invalidate(ctx context.Context, subjectType, subjectID, permission, resourceType, zoneID *string) error {
	if err := t.bitmaps.Invalidate(ctx, subjectType, subjectID, permission, resourceType, zoneID); err != nil {
		return err
	}
	pattern := l2cache.BitmapKey(
		orStar(subjectType), orStar(subjectID), orStar(permission), orStar(resourceType),
	)
	t.l2.InvalidatePattern(ctx, pattern)

	for _, k := range t.l1.Keys() {
		if matchesL1Key(k, subjectType, subjectID, permission, resourceType) {
			t.l1.Remove(k)
		}
	}
	return nil
}

func orStar(s *string) string {
	if s == nil {
		return "*"
	}
	return *s
}

func matchesL1Key(key string, subjectType, subjectID, permission, resourceType *string) bool {
	parts := splitL1Key(key)
	if len(parts) != 5 {
		return false
	}
	return matchOne(parts[0], subjectType) && matchOne(parts[1], subjectID) &&
		matchOne(parts[2], permission) && matchOne(parts[3], resourceType)
}

func matchOne(value string, want *string) bool {
	return want == nil || *want == value
}

func splitL1Key(key string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			parts = append(parts, key[start:i])
			start = i + 1
		}
	}
	parts = append(parts, key[start:])
	return parts
}

// WarmFromDB loads the most-recently-updated bitmaps into L1 at startup,
// non-blocking (spec §4.8): callers invoke this in a goroutine.
func (t *Tiger) WarmFromDB(ctx context.Context, limit int) (int, error) {
	rows, err := t.bitmaps.WarmCandidates(ctx, limit)
	if err != nil {
		return 0, err
	}
	warmed := 0
	for _, row := range rows {
		bm := roaring.New()
		if err := bm.UnmarshalBinary(row.BitmapData); err != nil {
			t.log.WithError(err).WithField("subject", row.SubjectType+":"+row.SubjectID).Warn("tiger: skipping corrupt warm-candidate bitmap")
			continue
		}
		t.l1.Add(l1Key(row.SubjectType, row.SubjectID, row.Permission, row.ResourceType, row.ZoneID), bm)
		warmed++
	}
	return warmed, nil
}
