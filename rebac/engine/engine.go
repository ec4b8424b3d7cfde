// Package engine is the public sync/async facade wiring the Namespace
// Store, Tuple Store, Revision Service, ABAC Evaluator, Graph Evaluator,
// L1/L2/Tiger caches, Invalidation Fabric, and Concurrency Glue into the
// "Bridge" component named in spec §4.10: one shared core exposing both
// synchronous entry points and a context-cancellable async surface.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	boltdb "github.com/nexi-lab/nexus/db/bolt"
	"github.com/nexi-lab/nexus/db/repository"
	"github.com/nexi-lab/nexus/rebac"
	"github.com/nexi-lab/nexus/rebac/abac"
	"github.com/nexi-lab/nexus/rebac/cache"
	"github.com/nexi-lab/nexus/rebac/concurrency"
	"github.com/nexi-lab/nexus/rebac/graph"
	"github.com/nexi-lab/nexus/rebac/invalidation"
	"github.com/nexi-lab/nexus/rebac/l2cache"
	"github.com/nexi-lab/nexus/rebac/namespace"
	"github.com/nexi-lab/nexus/rebac/revision"
	"github.com/nexi-lab/nexus/rebac/tiger"
	"github.com/nexi-lab/nexus/rebac/tuplestore"
)

// RevisionWindow is the default L1 revision-bucketing window (spec §4.5).
const RevisionWindow = 10

// Engine is the authorization engine's public facade.
type Engine struct {
	Namespaces *namespace.Store
	Tuples     *tuplestore.Store
	Revisions  *revision.Service
	Graph      *graph.Evaluator
	Tiger      *tiger.Tiger
	L1         *cache.L1
	L2         *l2cache.Cache
	Fabric     *invalidation.Fabric
	Breaker    *concurrency.Breaker

	log *logrus.Entry
}

// Deps bundles the constructed dependencies an Engine is built from; wiring
// them is the caller's (cmd/nexus's) job, kept here only as a convenience
// constructor for the common case of "one Postgres, one Redis".
type Deps struct {
	Repos       *repository.Repositories
	Descendants tiger.DescendantResolver
	MaxDepth    int
	Log         *logrus.Entry
	// Bolt, if non-nil, mirrors namespace schemas on disk so a single-node
	// deployment restarts warm without a round trip to Postgres (spec
	// §4.1's "optional db/bolt mirror").
	Bolt *boltdb.DB
}

// New wires a complete Engine from repositories.
func New(ctx context.Context, deps Deps) (*Engine, error) {
	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	revSvc := revision.New(deps.Repos.Revision, time.Second)
	l1 := cache.New()
	l2 := l2cache.New(deps.Repos.Cache, log)

	tigerCache, err := tiger.New(deps.Repos.ResourceMap, deps.Repos.Tiger, deps.Repos.DirectoryGrant, l2, revSvc, deps.Descendants, log)
	if err != nil {
		return nil, fmt.Errorf("engine: tiger init: %w", err)
	}

	fabric := invalidation.New(l1, l2, tigerCache, nil, log)

	nsStore := namespace.New(deps.Repos.Namespace, deps.Bolt, func(ctx context.Context, objectType string) {
		fabric.OnNamespaceUpdate(ctx, objectType)
	})

	tupleStore := tuplestore.New(deps.Repos.Tuple, func(ctx context.Context, ev tuplestore.InvalidationEvent) {
		fabric.OnTupleChange(ctx, ev.Zone, ev.Change, ev.Tuple, ev.IsUsersetSubject)
	})

	evaluator := graph.New(nsStore, tupleStore, deps.MaxDepth, log)

	return &Engine{
		Namespaces: nsStore,
		Tuples:     tupleStore,
		Revisions:  revSvc,
		Graph:      evaluator,
		Tiger:      tigerCache,
		L1:         l1,
		L2:         l2,
		Fabric:     fabric,
		Breaker:    concurrency.NewBreaker("postgres-storage-bridge"),
		log:        log,
	}, nil
}

// Check answers a permission query, consulting L1 (with revision check),
// then L2, then Tiger, then falling through to the Graph Evaluator, and
// populating caches on the way back out (spec §2's dataflow, §4.6-§4.8).
func (e *Engine) Check(ctx context.Context, subject rebac.Entity, permission string, object rebac.Entity, opts rebac.CheckOptions) (bool, error) {
	key := cache.Key{
		SubjectType: subject.Type, SubjectID: subject.ID,
		Permission: permission,
		ObjectType: object.Type, ObjectID: object.ID,
		Zone: opts.Zone,
	}

	if opts.Mode != rebac.FullyConsistent {
		rev, err := e.Revisions.Current(ctx, opts.Zone)
		if err == nil {
			key.RevisionBucket = revision.Quantize(rev, RevisionWindow)
		}

		var result bool
		var ok bool
		if opts.Mode == rebac.AtLeastAsFresh {
			result, ok = e.L1.GetWithRevision(key, opts.MinRevision)
		} else {
			result, ok = e.L1.Get(key)
		}
		if ok {
			return result, nil
		}

		if env, hit := e.L2.GetPermission(ctx, subject.Type, subject.ID, permission, object.Type, object.ID, opts.Zone); hit {
			if opts.Mode != rebac.AtLeastAsFresh || env.Revision >= opts.MinRevision {
				e.L1.Set(key, env.Result, cache.SetOptions{Revision: env.Revision})
				return env.Result, nil
			}
		}
	}

	result, err := e.Graph.Check(ctx, subject, permission, object, opts)
	if err != nil {
		return false, err
	}

	rev, _ := e.Revisions.Current(ctx, opts.Zone)
	e.L1.Set(key, result, cache.SetOptions{Revision: rev})
	e.L2.SetPermission(ctx, subject.Type, subject.ID, permission, object.Type, object.ID, opts.Zone, l2cache.Envelope{Result: result, Revision: rev}, 10*time.Minute)
	return result, nil
}

// CheckBatch preserves input ordering while sharing cache lookups across
// checks (spec §4.3).
func (e *Engine) CheckBatch(ctx context.Context, checks []graph.CheckTuple, opts rebac.CheckOptions) ([]bool, error) {
	results := make([]bool, len(checks))
	for i, c := range checks {
		r, err := e.Check(ctx, c.Subject, c.Permission, c.Object, opts)
		if err != nil {
			return nil, fmt.Errorf("engine: check_batch[%d]: %w", i, err)
		}
		results[i] = r
	}
	return results, nil
}

// Explain traces a Check's graph walk for audit/debug; it always runs the
// full evaluation (never consults cache) and never influences caching
// (spec §4.3). The returned DAG covers every branch the Graph Evaluator
// visited, with SuccessfulPath singling out the first chain that granted.
func (e *Engine) Explain(ctx context.Context, subject rebac.Entity, permission string, object rebac.Entity, opts rebac.CheckOptions, maxDepth, cacheTTLSeconds int) (*rebac.ExplainResult, error) {
	result, root, err := e.Graph.Explain(ctx, subject, permission, object, opts)
	if err != nil {
		return nil, err
	}
	reason := "denied"
	if result {
		reason = "granted"
	}
	return &rebac.ExplainResult{
		Result:         result,
		Cached:         false,
		Reason:         reason,
		Paths:          []*rebac.ExplainNode{root},
		SuccessfulPath: graph.FirstGrantingPath(root),
		Metadata: rebac.ExplainMetadata{
			Timestamp:       time.Now().UTC(),
			RequestID:       uuid.NewString(),
			MaxDepth:        maxDepth,
			CacheTTLSeconds: cacheTTLSeconds,
		},
	}, nil
}

// Write creates a tuple via the Tuple Store (spec §4.2, §6).
func (e *Engine) Write(ctx context.Context, in tuplestore.WriteInput) (*rebac.WriteResult, error) {
	return e.Tuples.Write(ctx, in)
}

// Delete removes a tuple by id (spec §4.2, §6).
func (e *Engine) Delete(ctx context.Context, zone, tupleID string) (bool, error) {
	return e.Tuples.Delete(ctx, zone, tupleID)
}

// RecordDirectoryGrant expands a directory-scoped grant into the Tiger
// bitmap cache (spec §4.8); resourceType names the kind of descendant the
// directory contains (e.g. "file").
func (e *Engine) RecordDirectoryGrant(ctx context.Context, subject rebac.Entity, permission, directoryPath, zone string, includeFutureFiles bool, resourceType string) (string, error) {
	return e.Tiger.RecordDirectoryGrant(ctx, subject, permission, directoryPath, zone, includeFutureFiles, resourceType)
}

// OnFileCreated runs the ancestor-directory-grant write-through for a newly
// created resource (spec §4.8's add_file_to_ancestor_grants).
func (e *Engine) OnFileCreated(ctx context.Context, resourceType, path, zone string) error {
	return e.Tiger.AddFileToAncestorGrants(ctx, resourceType, path, zone)
}

// ConditionsFromMap marshals an ABAC conditions struct to the raw JSON form
// tuple writes accept, used by API handlers translating untyped request
// bodies into tuplestore.WriteInput.Conditions.
func ConditionsFromMap(c abac.Conditions) (json.RawMessage, error) {
	return json.Marshal(c)
}
