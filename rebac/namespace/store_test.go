package namespace

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexi-lab/nexus/db/repository"
	"github.com/nexi-lab/nexus/rebac"
)

type fakeNamespaceRepo struct {
	mu   sync.Mutex
	rows map[string]json.RawMessage
}

func newFakeNamespaceRepo() *fakeNamespaceRepo {
	return &fakeNamespaceRepo{rows: make(map[string]json.RawMessage)}
}

func (f *fakeNamespaceRepo) Upsert(ctx context.Context, objectType string, config json.RawMessage) (int64, time.Time, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[objectType] = config
	now := time.Now()
	return 1, now, now, nil
}

func (f *fakeNamespaceRepo) Get(ctx context.Context, objectType string) (json.RawMessage, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.rows[objectType]
	if !ok {
		return nil, time.Time{}, repository.ErrNotFound
	}
	return raw, time.Now(), nil
}

func (f *fakeNamespaceRepo) List(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.rows))
	for ot := range f.rows {
		out = append(out, ot)
	}
	return out, nil
}

func TestStore_CreateOrUpdateThenGet(t *testing.T) {
	repo := newFakeNamespaceRepo()
	s := New(repo, nil, nil)

	cfg := rebac.NamespaceConfig{Relations: map[string]rebac.RewriteExpr{"owner": {Kind: rebac.RewriteThis}}}
	_, err := s.CreateOrUpdate(context.Background(), "document", cfg)
	require.NoError(t, err)

	got, err := s.Get(context.Background(), "document")
	require.NoError(t, err)
	assert.Equal(t, cfg, *got)
}

func TestStore_GetUnknownReturnsNamespaceNotFound(t *testing.T) {
	repo := newFakeNamespaceRepo()
	s := New(repo, nil, nil)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, rebac.ErrNamespaceNotFound)
}

func TestStore_GetIsReadThroughCached(t *testing.T) {
	repo := newFakeNamespaceRepo()
	s := New(repo, nil, nil)

	cfg := rebac.NamespaceConfig{Relations: map[string]rebac.RewriteExpr{"owner": {Kind: rebac.RewriteThis}}}
	_, err := s.CreateOrUpdate(context.Background(), "document", cfg)
	require.NoError(t, err)

	// Remove the row from the backing repository; the in-process cache
	// must still serve it without a repository round trip.
	repo.mu.Lock()
	delete(repo.rows, "document")
	repo.mu.Unlock()

	got, err := s.Get(context.Background(), "document")
	require.NoError(t, err)
	assert.Equal(t, cfg, *got)
}

func TestStore_CreateOrUpdateInvokesInvalidation(t *testing.T) {
	repo := newFakeNamespaceRepo()
	var invalidated []string
	s := New(repo, nil, func(ctx context.Context, objectType string) {
		invalidated = append(invalidated, objectType)
	})

	_, err := s.CreateOrUpdate(context.Background(), "document", rebac.NamespaceConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{"document"}, invalidated)
}

func TestStore_SeedDefaultsIsIdempotent(t *testing.T) {
	repo := newFakeNamespaceRepo()
	s := New(repo, nil, nil)

	require.NoError(t, s.SeedDefaults(context.Background()))
	firstCount := len(repo.rows)
	assert.Equal(t, len(DefaultNamespaces), firstCount)

	require.NoError(t, s.SeedDefaults(context.Background()))
	assert.Equal(t, firstCount, len(repo.rows), "seeding twice must not duplicate or error")
}

func TestStore_SeedDefaultsSkipsExisting(t *testing.T) {
	repo := newFakeNamespaceRepo()
	custom := rebac.NamespaceConfig{Relations: map[string]rebac.RewriteExpr{"custom": {Kind: rebac.RewriteThis}}}
	raw, err := json.Marshal(custom)
	require.NoError(t, err)
	repo.rows["file"] = raw

	s := New(repo, nil, nil)
	require.NoError(t, s.SeedDefaults(context.Background()))

	got, err := s.Get(context.Background(), "file")
	require.NoError(t, err)
	assert.Equal(t, custom, *got, "an existing file namespace must not be overwritten by the default seed")
}
