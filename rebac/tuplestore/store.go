// Package tuplestore implements the Tuple Store (spec §4.2): CRUD and
// query over relationship tuples, the changelog they generate, and the
// background expiry sweep.
package tuplestore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nexi-lab/nexus/db/repository"
	"github.com/nexi-lab/nexus/rebac"
)

// InvalidateFunc is invoked after every insert/delete/sweep so the caller
// (rebac/invalidation.Fabric) can apply the precise trigger matrix from
// spec §4.9.
type InvalidateFunc func(ctx context.Context, event InvalidationEvent)

// InvalidationEvent describes one tuple write for the invalidation fabric.
type InvalidationEvent struct {
	Zone            string
	Change          repository.ChangeType
	Tuple           rebac.Tuple
	IsUsersetSubject bool
}

// Store is the Tuple Store.
type Store struct {
	repo         repository.TupleRepository
	onInvalidate InvalidateFunc
}

// New constructs a Store.
func New(repo repository.TupleRepository, onInvalidate InvalidateFunc) *Store {
	return &Store{repo: repo, onInvalidate: onInvalidate}
}

// WriteInput is the Tuple write API's input (spec §4.2, §6).
type WriteInput struct {
	Subject         rebac.Entity
	SubjectRelation *string // non-nil => userset-as-subject
	Relation        string
	Object          rebac.Entity
	ExpiresAt       *time.Time
	Conditions      []byte
	TenantID        *string
	SubjectTenantID *string
	ObjectTenantID  *string
	Zone            string
}

// validateCrossTenant enforces spec §3: if the tuple carries a tenant_id
// and the subject or object carries a tenant id, they must be equal.
func validateCrossTenant(in WriteInput) error {
	if in.TenantID == nil {
		return nil
	}
	if in.SubjectTenantID != nil && *in.SubjectTenantID != *in.TenantID {
		return rebac.ErrCrossTenant
	}
	if in.ObjectTenantID != nil && *in.ObjectTenantID != *in.TenantID {
		return rebac.ErrCrossTenant
	}
	return nil
}

// Write creates a tuple after cross-tenant validation, appending a
// changelog row and bumping the zone revision atomically.
func (s *Store) Write(ctx context.Context, in WriteInput) (*rebac.WriteResult, error) {
	if err := validateCrossTenant(in); err != nil {
		return nil, err
	}

	tupleID := uuid.NewString()
	row := repository.TupleRow{
		TupleID:         tupleID,
		SubjectType:     in.Subject.Type,
		SubjectID:       in.Subject.ID,
		SubjectRelation: in.SubjectRelation,
		Relation:        in.Relation,
		ObjectType:      in.Object.Type,
		ObjectID:        in.Object.ID,
		ExpiresAt:       in.ExpiresAt,
		Conditions:      in.Conditions,
		TenantID:        in.TenantID,
		SubjectTenantID: in.SubjectTenantID,
		ObjectTenantID:  in.ObjectTenantID,
	}

	revision, err := s.repo.Insert(ctx, in.Zone, row)
	if err != nil {
		return nil, err
	}

	if s.onInvalidate != nil {
		s.onInvalidate(ctx, InvalidationEvent{
			Zone:             in.Zone,
			Change:           repository.ChangeInsert,
			Tuple:            rowToTuple(row),
			IsUsersetSubject: in.SubjectRelation != nil,
		})
	}

	return &rebac.WriteResult{
		TupleID:          tupleID,
		Revision:         revision,
		ConsistencyToken: consistencyToken(in.Zone, revision),
	}, nil
}

// Delete removes a tuple by id. Returns false (not an error) if the tuple
// was absent or already expired, per spec's NOT_FOUND semantics. The
// repository returns the full deleted row so the invalidation event carries
// the real subject/relation/object instead of an empty shell.
func (s *Store) Delete(ctx context.Context, zone, tupleID string) (bool, error) {
	row, revision, err := s.repo.Delete(ctx, zone, tupleID)
	if err != nil || row == nil {
		return false, err
	}
	if s.onInvalidate != nil {
		s.onInvalidate(ctx, InvalidationEvent{
			Zone:             zone,
			Change:           repository.ChangeDelete,
			Tuple:            rowToTuple(*row),
			IsUsersetSubject: row.SubjectRelation != nil,
		})
	}
	_ = revision
	return true, nil
}

// ListFilter mirrors repository.TupleFilter in terms of the domain types.
type ListFilter struct {
	Subject    *rebac.Entity
	Relation   string
	RelationIn []string
	Object     *rebac.Entity
	TenantID   *string
	HasTenant  bool
}

// List returns tuples matching filter; all filters AND-combine.
func (s *Store) List(ctx context.Context, f ListFilter) ([]rebac.Tuple, error) {
	rf := repository.TupleFilter{
		Relation:        f.Relation,
		RelationIn:      f.RelationIn,
		TenantID:        f.TenantID,
		HasTenantFilter: f.HasTenant,
		Now:             time.Now().UTC(),
	}
	if f.Subject != nil {
		rf.SubjectType, rf.SubjectID = f.Subject.Type, f.Subject.ID
	}
	if f.Object != nil {
		rf.ObjectType, rf.ObjectID = f.Object.Type, f.Object.ID
	}
	rows, err := s.repo.List(ctx, rf)
	if err != nil {
		return nil, err
	}
	return rowsToTuples(rows), nil
}

// FindDirect returns the first live tuple matching the exact pair. ABAC
// evaluation against context is the caller's (Graph Evaluator's)
// responsibility; this returns the raw tuple including its Conditions.
func (s *Store) FindDirect(ctx context.Context, subject rebac.Entity, relation string, object rebac.Entity) (*rebac.Tuple, error) {
	row, err := s.repo.FindDirect(ctx, subject.Type, subject.ID, relation, object.Type, object.ID)
	if err != nil || row == nil {
		return nil, err
	}
	t := rowToTuple(*row)
	return &t, nil
}

// FindRelatedObjects returns objects related to object via relation as the
// tupleset edge (used by tupleToUserset, spec §4.3).
func (s *Store) FindRelatedObjects(ctx context.Context, object rebac.Entity, relation string) ([]rebac.Entity, error) {
	rows, err := s.repo.FindRelatedObjects(ctx, object.Type, object.ID, relation)
	if err != nil {
		return nil, err
	}
	out := make([]rebac.Entity, len(rows))
	for i, r := range rows {
		out[i] = rebac.Entity{Type: r.SubjectType, ID: r.SubjectID}
	}
	return out, nil
}

// SubjectSet is one userset-as-subject pointer: "(SetType, SetID) holding
// SetRelation grants this relation on the object".
type SubjectSet struct {
	SetType, SetID, SetRelation string
}

// FindSubjectSets enumerates userset-as-subject tuples pointing at object
// with relation. The tenant filter is enforced even when tenant is nil.
func (s *Store) FindSubjectSets(ctx context.Context, object rebac.Entity, relation string, tenantID *string, hasTenant bool) ([]SubjectSet, error) {
	rows, err := s.repo.FindSubjectSets(ctx, object.Type, object.ID, relation, tenantID, hasTenant)
	if err != nil {
		return nil, err
	}
	out := make([]SubjectSet, len(rows))
	for i, r := range rows {
		out[i] = SubjectSet{SetType: r.SubjectType, SetID: r.SubjectID, SetRelation: *r.SubjectRelation}
	}
	return out, nil
}

// SweepExpired removes tuples whose expiry has passed, appending DELETE
// changelog rows and triggering invalidation for each.
func (s *Store) SweepExpired(ctx context.Context, zone string) (int, error) {
	rows, err := s.repo.SweepExpired(ctx, zone, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if s.onInvalidate != nil {
		for _, row := range rows {
			s.onInvalidate(ctx, InvalidationEvent{
				Zone:             zone,
				Change:           repository.ChangeDelete,
				Tuple:            rowToTuple(row),
				IsUsersetSubject: row.SubjectRelation != nil,
			})
		}
	}
	return len(rows), nil
}

func rowToTuple(r repository.TupleRow) rebac.Tuple {
	return rebac.Tuple{
		TupleID:         r.TupleID,
		SubjectType:     r.SubjectType,
		SubjectID:       r.SubjectID,
		SubjectRelation: r.SubjectRelation,
		Relation:        r.Relation,
		ObjectType:      r.ObjectType,
		ObjectID:        r.ObjectID,
		CreatedAt:       r.CreatedAt,
		ExpiresAt:       r.ExpiresAt,
		Conditions:      r.Conditions,
		TenantID:        r.TenantID,
		SubjectTenantID: r.SubjectTenantID,
		ObjectTenantID:  r.ObjectTenantID,
	}
}

func rowsToTuples(rows []repository.TupleRow) []rebac.Tuple {
	out := make([]rebac.Tuple, len(rows))
	for i, r := range rows {
		out[i] = rowToTuple(r)
	}
	return out
}

func consistencyToken(zone string, revision int64) string {
	return fmt.Sprintf("%s:%d", zone, revision)
}
