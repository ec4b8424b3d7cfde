package tuplestore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexi-lab/nexus/db/repository"
	"github.com/nexi-lab/nexus/rebac"
)

type fakeTupleRepo struct {
	mu   sync.Mutex
	rows map[string]repository.TupleRow
	rev  int64
}

func newFakeTupleRepo() *fakeTupleRepo {
	return &fakeTupleRepo{rows: make(map[string]repository.TupleRow)}
}

func (f *fakeTupleRepo) Insert(ctx context.Context, zone string, row repository.TupleRow) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row.CreatedAt = time.Now()
	f.rows[row.TupleID] = row
	f.rev++
	return f.rev, nil
}

func (f *fakeTupleRepo) Delete(ctx context.Context, zone, tupleID string) (*repository.TupleRow, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[tupleID]
	if !ok {
		return nil, 0, nil
	}
	delete(f.rows, tupleID)
	f.rev++
	return &row, f.rev, nil
}

func (f *fakeTupleRepo) List(ctx context.Context, filter repository.TupleFilter) ([]repository.TupleRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.TupleRow
	for _, r := range f.rows {
		if filter.Relation != "" && r.Relation != filter.Relation {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeTupleRepo) FindDirect(ctx context.Context, subjectType, subjectID, relation, objectType, objectID string) (*repository.TupleRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.SubjectType == subjectType && r.SubjectID == subjectID && r.Relation == relation &&
			r.ObjectType == objectType && r.ObjectID == objectID && r.SubjectRelation == nil {
			if r.ExpiresAt != nil && !r.ExpiresAt.After(time.Now()) {
				continue
			}
			row := r
			return &row, nil
		}
	}
	return nil, nil
}

func (f *fakeTupleRepo) FindRelatedObjects(ctx context.Context, objectType, objectID, relation string) ([]repository.TupleRow, error) {
	return nil, nil
}

func (f *fakeTupleRepo) FindSubjectSets(ctx context.Context, objectType, objectID, relation string, tenantID *string, hasTenantFilter bool) ([]repository.TupleRow, error) {
	return nil, nil
}

func (f *fakeTupleRepo) SweepExpired(ctx context.Context, zone string, now time.Time) ([]repository.TupleRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var expired []repository.TupleRow
	for id, r := range f.rows {
		if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
			expired = append(expired, r)
			delete(f.rows, id)
		}
	}
	return expired, nil
}

func tenantPtr(s string) *string { return &s }

func TestWrite_CrossTenantMismatchRejected(t *testing.T) {
	repo := newFakeTupleRepo()
	s := New(repo, nil)

	_, err := s.Write(context.Background(), WriteInput{
		Subject:  rebac.Entity{Type: "user", ID: "alice"},
		Relation: "owner",
		Object:   rebac.Entity{Type: "document", ID: "doc1"},
		TenantID: tenantPtr("tenant-a"),
		SubjectTenantID: tenantPtr("tenant-b"),
		Zone:     "default",
	})
	assert.ErrorIs(t, err, rebac.ErrCrossTenant)
}

func TestWrite_SameTenantAccepted(t *testing.T) {
	repo := newFakeTupleRepo()
	s := New(repo, nil)

	result, err := s.Write(context.Background(), WriteInput{
		Subject:  rebac.Entity{Type: "user", ID: "alice"},
		Relation: "owner",
		Object:   rebac.Entity{Type: "document", ID: "doc1"},
		TenantID: tenantPtr("tenant-a"),
		SubjectTenantID: tenantPtr("tenant-a"),
		ObjectTenantID:  tenantPtr("tenant-a"),
		Zone:     "default",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.TupleID)
	assert.Equal(t, int64(1), result.Revision)
}

func TestWrite_TriggersInvalidation(t *testing.T) {
	repo := newFakeTupleRepo()
	var events []InvalidationEvent
	s := New(repo, func(ctx context.Context, ev InvalidationEvent) {
		events = append(events, ev)
	})

	_, err := s.Write(context.Background(), WriteInput{
		Subject:  rebac.Entity{Type: "user", ID: "alice"},
		Relation: "owner",
		Object:   rebac.Entity{Type: "document", ID: "doc1"},
		Zone:     "default",
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, repository.ChangeInsert, events[0].Change)
	assert.Equal(t, "default", events[0].Zone)
}

func TestFindDirect_ExpiredTupleIsNotLive(t *testing.T) {
	repo := newFakeTupleRepo()
	s := New(repo, nil)

	past := time.Now().Add(-time.Hour)
	_, err := s.Write(context.Background(), WriteInput{
		Subject:   rebac.Entity{Type: "user", ID: "alice"},
		Relation:  "owner",
		Object:    rebac.Entity{Type: "document", ID: "doc1"},
		ExpiresAt: &past,
		Zone:      "default",
	})
	require.NoError(t, err)

	got, err := s.FindDirect(context.Background(), rebac.Entity{Type: "user", ID: "alice"}, "owner", rebac.Entity{Type: "document", ID: "doc1"})
	require.NoError(t, err)
	assert.Nil(t, got, "an expired tuple must not be returned as a live grant")
}

func TestDelete_AbsentTupleReturnsFalseNotError(t *testing.T) {
	repo := newFakeTupleRepo()
	s := New(repo, nil)

	ok, err := s.Delete(context.Background(), "default", "nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDelete_RemovesAndInvalidates(t *testing.T) {
	repo := newFakeTupleRepo()
	var deleteEvents int
	s := New(repo, func(ctx context.Context, ev InvalidationEvent) {
		if ev.Change == repository.ChangeDelete {
			deleteEvents++
		}
	})

	result, err := s.Write(context.Background(), WriteInput{
		Subject:  rebac.Entity{Type: "user", ID: "alice"},
		Relation: "owner",
		Object:   rebac.Entity{Type: "document", ID: "doc1"},
		Zone:     "default",
	})
	require.NoError(t, err)

	ok, err := s.Delete(context.Background(), "default", result.TupleID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, deleteEvents)

	got, err := s.FindDirect(context.Background(), rebac.Entity{Type: "user", ID: "alice"}, "owner", rebac.Entity{Type: "document", ID: "doc1"})
	require.NoError(t, err)
	assert.Nil(t, got)
}
