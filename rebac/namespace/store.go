// Package namespace implements the Namespace Store (spec §4.1): persisting
// and retrieving object-type schemas, with a read-through in-process cache
// and an optional on-disk bbolt mirror so a single-node deployment restarts
// warm, grounded on the teacher's db/bolt wrapper.
package namespace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	boltdb "github.com/nexi-lab/nexus/db/bolt"
	"github.com/nexi-lab/nexus/db/repository"
	"github.com/nexi-lab/nexus/rebac"
)

const boltBucket = "namespaces"

// DefaultNamespaces are seeded idempotently on first use (spec §3, §4.1).
var DefaultNamespaces = map[string]rebac.NamespaceConfig{
	"file": {
		Relations: map[string]rebac.RewriteExpr{
			"owner":  {Kind: rebac.RewriteThis},
			"editor": {Kind: rebac.RewriteThis},
			"parent": {Kind: rebac.RewriteThis},
			"viewer": {Kind: rebac.RewriteUnion, Children: []rebac.RewriteExpr{
				{Kind: rebac.RewriteThis},
				{Kind: rebac.RewriteComputedUserset, ComputedUserset: "editor"},
				{Kind: rebac.RewriteComputedUserset, ComputedUserset: "owner"},
			}},
			"parent_viewer": {Kind: rebac.RewriteTupleToUserset, TupleToUserset: &rebac.TupleToUsersetExpr{
				Tupleset: "parent", ComputedUserset: "viewer",
			}},
		},
		Permissions: map[string][]rebac.RewriteExpr{
			"read":  {{Kind: rebac.RewriteComputedUserset, ComputedUserset: "viewer"}, {Kind: rebac.RewriteComputedUserset, ComputedUserset: "parent_viewer"}},
			"write": {{Kind: rebac.RewriteComputedUserset, ComputedUserset: "editor"}, {Kind: rebac.RewriteComputedUserset, ComputedUserset: "owner"}},
		},
	},
	"group": {
		Relations: map[string]rebac.RewriteExpr{
			"member": {Kind: rebac.RewriteThis},
			"admin":  {Kind: rebac.RewriteThis},
		},
		Permissions: map[string][]rebac.RewriteExpr{
			"manage": {{Kind: rebac.RewriteComputedUserset, ComputedUserset: "admin"}},
			"use":    {{Kind: rebac.RewriteComputedUserset, ComputedUserset: "member"}, {Kind: rebac.RewriteComputedUserset, ComputedUserset: "admin"}},
		},
	},
	"memory": {
		Relations: map[string]rebac.RewriteExpr{
			"owner": {Kind: rebac.RewriteThis},
		},
		Permissions: map[string][]rebac.RewriteExpr{
			"read":  {{Kind: rebac.RewriteComputedUserset, ComputedUserset: "owner"}},
			"write": {{Kind: rebac.RewriteComputedUserset, ComputedUserset: "owner"}},
		},
	},
}

// InvalidateFunc is called after a namespace is created or updated, so the
// caller (rebac/invalidation.Fabric) can flush L1/L2/Tiger for that
// object_type across all tenants (spec §4.1's post-condition).
type InvalidateFunc func(ctx context.Context, objectType string)

// Store is the Namespace Store. Get is read-through: in-process sync.Map,
// then the optional bbolt mirror, then the repository.
type Store struct {
	repo       repository.NamespaceRepository
	bolt       *boltdb.DB // optional, may be nil
	onInvalidate InvalidateFunc

	mu     sync.RWMutex
	memory map[string]rebac.NamespaceConfig
}

// New constructs a Store. bolt may be nil to disable the local mirror.
func New(repo repository.NamespaceRepository, bolt *boltdb.DB, onInvalidate InvalidateFunc) *Store {
	if bolt != nil {
		_ = bolt.CreateBucket(boltBucket)
	}
	return &Store{repo: repo, bolt: bolt, onInvalidate: onInvalidate, memory: make(map[string]rebac.NamespaceConfig)}
}

// CreateOrUpdate upserts a namespace by object_type and invalidates every
// cache entry touching that object_type.
func (s *Store) CreateOrUpdate(ctx context.Context, objectType string, config rebac.NamespaceConfig) (*rebac.Namespace, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("namespace marshal: %w", err)
	}
	id, createdAt, updatedAt, err := s.repo.Upsert(ctx, objectType, raw)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.memory[objectType] = config
	s.mu.Unlock()
	if s.bolt != nil {
		_ = s.bolt.PutJSON(boltBucket, objectType, config)
	}
	if s.onInvalidate != nil {
		s.onInvalidate(ctx, objectType)
	}

	return &rebac.Namespace{NamespaceID: id, ObjectType: objectType, Config: config, CreatedAt: createdAt, UpdatedAt: updatedAt}, nil
}

// Get reads a namespace, read-through the in-process cache then the bbolt
// mirror then the repository.
func (s *Store) Get(ctx context.Context, objectType string) (*rebac.NamespaceConfig, error) {
	s.mu.RLock()
	if cfg, ok := s.memory[objectType]; ok {
		s.mu.RUnlock()
		return &cfg, nil
	}
	s.mu.RUnlock()

	if s.bolt != nil {
		var cfg rebac.NamespaceConfig
		if err := s.bolt.GetJSON(boltBucket, objectType, &cfg); err == nil {
			s.mu.Lock()
			s.memory[objectType] = cfg
			s.mu.Unlock()
			return &cfg, nil
		}
	}

	raw, _, err := s.repo.Get(ctx, objectType)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, rebac.ErrNamespaceNotFound
		}
		return nil, err
	}
	var cfg rebac.NamespaceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("namespace unmarshal: %w", err)
	}
	s.mu.Lock()
	s.memory[objectType] = cfg
	s.mu.Unlock()
	if s.bolt != nil {
		_ = s.bolt.PutJSON(boltBucket, objectType, cfg)
	}
	return &cfg, nil
}

// SeedDefaults idempotently ensures the built-in file, group, and memory
// namespaces exist, mirroring the teacher's auth.NewAuthService default-role
// seeding pattern (auth/auth.go).
func (s *Store) SeedDefaults(ctx context.Context) error {
	existing, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("namespace seed list: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, ot := range existing {
		have[ot] = true
	}
	for objectType, cfg := range DefaultNamespaces {
		if have[objectType] {
			continue
		}
		if _, err := s.CreateOrUpdate(ctx, objectType, cfg); err != nil {
			return fmt.Errorf("namespace seed %s: %w", objectType, err)
		}
	}
	return nil
}
