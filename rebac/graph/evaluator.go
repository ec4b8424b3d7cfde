// Package graph implements the Graph Evaluator (spec §4.3): recursive
// permission evaluation over namespace rewrite rules, with cycle
// detection, a configured depth cap, and Explain/Expand/CheckBatch
// siblings to Check.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nexi-lab/nexus/rebac"
	"github.com/nexi-lab/nexus/rebac/abac"
	"github.com/nexi-lab/nexus/rebac/tuplestore"
)

// DefaultMaxDepth is the default recursion cap (spec §4.3).
const DefaultMaxDepth = 10

// NamespaceReader is the subset of rebac/namespace.Store the evaluator needs.
type NamespaceReader interface {
	Get(ctx context.Context, objectType string) (*rebac.NamespaceConfig, error)
}

// TupleReader is the subset of rebac/tuplestore.Store the evaluator needs.
type TupleReader interface {
	FindDirect(ctx context.Context, subject rebac.Entity, relation string, object rebac.Entity) (*rebac.Tuple, error)
	FindRelatedObjects(ctx context.Context, object rebac.Entity, relation string) ([]rebac.Entity, error)
	FindSubjectSets(ctx context.Context, object rebac.Entity, relation string, tenantID *string, hasTenant bool) ([]tuplestore.SubjectSet, error)
}

// Evaluator is the Graph Evaluator.
type Evaluator struct {
	namespaces NamespaceReader
	tuples     TupleReader
	maxDepth   int
	log        *logrus.Entry
}

// New constructs an Evaluator. maxDepth <= 0 uses DefaultMaxDepth.
func New(namespaces NamespaceReader, tuples TupleReader, maxDepth int, log *logrus.Entry) *Evaluator {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Evaluator{namespaces: namespaces, tuples: tuples, maxDepth: maxDepth, log: log}
}

// visitKey uniquely identifies one (subject, candidate, object) recursion
// node. candidate is either a bare relation name or the JSON-canonicalized
// form of a nested RewriteExpr, per spec §4.3's cycle-safety rule.
func visitKey(subject rebac.Entity, candidate string, object rebac.Entity) string {
	return subject.Type + "\x00" + subject.ID + "\x00" + candidate + "\x00" + object.Type + "\x00" + object.ID
}

func canonicalCandidate(e rebac.RewriteExpr) string {
	if e.Kind == rebac.RewriteComputedUserset {
		return e.ComputedUserset
	}
	b, err := json.Marshal(e)
	if err != nil {
		return e.Kind.String()
	}
	return string(b)
}

type evalState struct {
	tenantID  *string
	hasTenant bool
	context   map[string]interface{}
	visited   map[string]bool
}

// Check answers whether subject holds permission on object (spec §4.3).
// Cache lookups (L1/L2/Tiger) are the caller's (rebac/engine's)
// responsibility; this method always does a full graph walk.
func (e *Evaluator) Check(ctx context.Context, subject rebac.Entity, permission string, object rebac.Entity, opts rebac.CheckOptions) (bool, error) {
	st := &evalState{context: opts.Context, visited: make(map[string]bool)}
	if opts.Zone != "" {
		z := opts.Zone
		st.tenantID, st.hasTenant = &z, true
	}
	return e.evalPermission(ctx, subject, permission, object, st, 0)
}

// evalPermission implements steps 1-2 of spec §4.3's algorithm: resolve the
// namespace, and either dispatch a named permission's candidate list or
// fall back to treating permission as a bare relation.
func (e *Evaluator) evalPermission(ctx context.Context, subject rebac.Entity, permission string, object rebac.Entity, st *evalState, depth int) (bool, error) {
	if depth > e.maxDepth {
		e.log.WithFields(logrus.Fields{"subject": subject.String(), "permission": permission, "object": object.String()}).Warn("graph: max depth exceeded, denying")
		return false, nil
	}

	ns, err := e.namespaces.Get(ctx, object.Type)
	if err != nil {
		if err == rebac.ErrNamespaceNotFound {
			return e.evalDirect(ctx, subject, permission, object, st, depth)
		}
		return false, err
	}

	if candidates, ok := ns.Permissions[permission]; ok {
		for _, cand := range candidates {
			key := visitKey(subject, "perm:"+permission+":"+canonicalCandidate(cand), object)
			if st.visited[key] {
				continue
			}
			st.visited[key] = true
			ok, err := e.evalExpr(ctx, subject, permission, cand, object, ns, st, depth+1)
			delete(st.visited, key)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	return e.evalDirect(ctx, subject, permission, object, st, depth)
}

// evalDirect handles a bare relation name: if the namespace defines a
// rewrite for it, dispatch that; otherwise fall straight to the tuple base
// case (treats permission as a literal relation, per step 1).
func (e *Evaluator) evalDirect(ctx context.Context, subject rebac.Entity, relation string, object rebac.Entity, st *evalState, depth int) (bool, error) {
	key := visitKey(subject, relation, object)
	if st.visited[key] {
		return false, nil
	}
	st.visited[key] = true
	defer delete(st.visited, key)

	ns, err := e.namespaces.Get(ctx, object.Type)
	if err != nil && err != rebac.ErrNamespaceNotFound {
		return false, err
	}
	if ns != nil {
		if rw, ok := ns.Relations[relation]; ok {
			return e.evalExpr(ctx, subject, relation, rw, object, ns, st, depth+1)
		}
	}
	return e.evalBaseTuple(ctx, subject, relation, object, st)
}

// evalExpr dispatches one RewriteExpr node (spec §4.3 step 3). relation is
// the enclosing relation or permission name this rewrite was reached
// through -- RewriteThis means "a direct tuple on relation", so that name
// must survive the recursion into union/intersection/exclusion children.
func (e *Evaluator) evalExpr(ctx context.Context, subject rebac.Entity, relation string, expr rebac.RewriteExpr, object rebac.Entity, ns *rebac.NamespaceConfig, st *evalState, depth int) (bool, error) {
	if depth > e.maxDepth {
		e.log.WithFields(logrus.Fields{"subject": subject.String(), "object": object.String()}).Warn("graph: max depth exceeded, denying")
		return false, nil
	}

	switch expr.Kind {
	case rebac.RewriteThis:
		return e.evalBaseTuple(ctx, subject, relation, object, st)

	case rebac.RewriteComputedUserset:
		return e.evalDirect(ctx, subject, expr.ComputedUserset, object, st, depth)

	case rebac.RewriteUnion:
		for _, child := range expr.Children {
			ok, err := e.evalExpr(ctx, subject, relation, child, object, ns, st, depth+1)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case rebac.RewriteIntersection:
		for _, child := range expr.Children {
			ok, err := e.evalExpr(ctx, subject, relation, child, object, ns, st, depth+1)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return len(expr.Children) > 0, nil

	case rebac.RewriteExclusion:
		if expr.Exclusion == nil {
			return false, rebac.ErrInvalidRewrite
		}
		ok, err := e.evalExpr(ctx, subject, relation, *expr.Exclusion, object, ns, st, depth+1)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case rebac.RewriteTupleToUserset:
		if expr.TupleToUserset == nil {
			return false, rebac.ErrInvalidRewrite
		}
		return e.evalTupleToUserset(ctx, subject, *expr.TupleToUserset, object, st, depth)

	default:
		return false, fmt.Errorf("graph: %w: unknown rewrite kind %q", rebac.ErrInvalidRewrite, expr.Kind)
	}
}

func (e *Evaluator) evalTupleToUserset(ctx context.Context, subject rebac.Entity, ttu rebac.TupleToUsersetExpr, object rebac.Entity, st *evalState, depth int) (bool, error) {
	neighbors, err := e.tuples.FindRelatedObjects(ctx, object, ttu.Tupleset)
	if err != nil {
		return false, err
	}
	for _, neighbor := range neighbors {
		key := visitKey(subject, "ttu:"+ttu.ComputedUserset, neighbor)
		if st.visited[key] {
			continue
		}
		st.visited[key] = true
		ok, err := e.evalDirect(ctx, subject, ttu.ComputedUserset, neighbor, st, depth+1)
		delete(st.visited, key)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// evalBaseTuple is step 4 of spec §4.3: the direct-relation base case
// consulting the concrete tuple, the wildcard tuple, and any
// userset-as-subject holder.
func (e *Evaluator) evalBaseTuple(ctx context.Context, subject rebac.Entity, relation string, object rebac.Entity, st *evalState) (bool, error) {
	if t, err := e.tuples.FindDirect(ctx, subject, relation, object); err != nil {
		return false, err
	} else if t != nil {
		if e.abacAllows(t, st) {
			return true, nil
		}
	}

	if subject != rebac.Wildcard {
		if t, err := e.tuples.FindDirect(ctx, rebac.Wildcard, relation, object); err != nil {
			return false, err
		} else if t != nil && e.abacAllows(t, st) {
			return true, nil
		}
	}

	sets, err := e.tuples.FindSubjectSets(ctx, object, relation, st.tenantID, st.hasTenant)
	if err != nil {
		return false, err
	}
	for _, set := range sets {
		setEntity := rebac.Entity{Type: set.SetType, ID: set.SetID}
		key := visitKey(subject, "set:"+set.SetRelation, setEntity)
		if st.visited[key] {
			continue
		}
		st.visited[key] = true
		ok, err := e.evalDirect(ctx, subject, set.SetRelation, setEntity, st, 1)
		delete(st.visited, key)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (e *Evaluator) abacAllows(t *rebac.Tuple, st *evalState) bool {
	conditions, err := abac.Parse(t.Conditions)
	if err != nil {
		e.log.WithError(err).Warn("graph: malformed tuple conditions, denying")
		return false
	}
	return abac.Evaluate(conditions, contextFrom(st.context), e.log)
}

// contextFrom adapts the loosely-typed CheckOptions.Context map into the
// ABAC evaluator's typed Context, pulling well-known keys and leaving the
// rest as string attributes.
func contextFrom(raw map[string]interface{}) abac.Context {
	c := abac.Context{Attributes: make(map[string]string), Now: time.Now().UTC()}
	if raw == nil {
		return c
	}
	if ip, ok := raw["ip"].(string); ok {
		c.IP = ip
	}
	if device, ok := raw["device"].(string); ok {
		c.Device = device
	}
	for k, v := range raw {
		if k == "ip" || k == "device" {
			continue
		}
		if s, ok := v.(string); ok {
			c.Attributes[k] = s
		}
	}
	return c
}

// CheckTuple is one (subject, permission, object) triple for CheckBatch.
type CheckTuple struct {
	Subject    rebac.Entity
	Permission string
	Object     rebac.Entity
}

// CheckBatch evaluates N checks, preserving input ordering (spec §4.3).
// Each check gets its own fresh visit set -- cycle safety is per-check, not
// shared across the batch.
func (e *Evaluator) CheckBatch(ctx context.Context, checks []CheckTuple, opts rebac.CheckOptions) ([]bool, error) {
	results := make([]bool, len(checks))
	for i, c := range checks {
		ok, err := e.Check(ctx, c.Subject, c.Permission, c.Object, opts)
		if err != nil {
			return nil, fmt.Errorf("graph: check_batch[%d]: %w", i, err)
		}
		results[i] = ok
	}
	return results, nil
}

// Expand returns every subject holding permission on object, recursively
// resolving usersets and tupleToUserset. exclusion branches are not
// supported for expand (spec §4.3): they are skipped with a warning rather
// than evaluated, since "every subject NOT excluded" has no finite
// enumeration in general.
func (e *Evaluator) Expand(ctx context.Context, permission string, object rebac.Entity, zone string) ([]rebac.Entity, error) {
	st := &evalState{visited: make(map[string]bool)}
	if zone != "" {
		st.tenantID, st.hasTenant = &zone, true
	}
	seen := make(map[rebac.Entity]bool)
	if err := e.expandPermission(ctx, permission, object, st, 0, seen); err != nil {
		return nil, err
	}
	out := make([]rebac.Entity, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	return out, nil
}

func (e *Evaluator) expandPermission(ctx context.Context, permission string, object rebac.Entity, st *evalState, depth int, seen map[rebac.Entity]bool) error {
	if depth > e.maxDepth {
		return nil
	}
	ns, err := e.namespaces.Get(ctx, object.Type)
	if err != nil {
		if err == rebac.ErrNamespaceNotFound {
			return e.expandDirect(ctx, permission, object, st, seen)
		}
		return err
	}
	if candidates, ok := ns.Permissions[permission]; ok {
		for _, cand := range candidates {
			if err := e.expandExpr(ctx, permission, cand, object, ns, st, depth+1, seen); err != nil {
				return err
			}
		}
		return nil
	}
	return e.expandDirect(ctx, permission, object, st, seen)
}

func (e *Evaluator) expandDirect(ctx context.Context, relation string, object rebac.Entity, st *evalState, seen map[rebac.Entity]bool) error {
	ns, err := e.namespaces.Get(ctx, object.Type)
	if err != nil && err != rebac.ErrNamespaceNotFound {
		return err
	}
	if ns != nil {
		if rw, ok := ns.Relations[relation]; ok {
			return e.expandExpr(ctx, relation, rw, object, ns, st, 1, seen)
		}
	}
	return e.expandBaseTuple(ctx, relation, object, st, seen)
}

// expandExpr mirrors evalExpr's relation-context threading: RewriteThis
// means "a direct tuple on relation", so the enclosing relation/permission
// name must be passed down through union/intersection children.
func (e *Evaluator) expandExpr(ctx context.Context, relation string, expr rebac.RewriteExpr, object rebac.Entity, ns *rebac.NamespaceConfig, st *evalState, depth int, seen map[rebac.Entity]bool) error {
	if depth > e.maxDepth {
		return nil
	}
	switch expr.Kind {
	case rebac.RewriteThis:
		return e.expandBaseTuple(ctx, relation, object, st, seen)
	case rebac.RewriteComputedUserset:
		return e.expandDirect(ctx, expr.ComputedUserset, object, st, seen)
	case rebac.RewriteUnion:
		for _, child := range expr.Children {
			if err := e.expandExpr(ctx, relation, child, object, ns, st, depth+1, seen); err != nil {
				return err
			}
		}
		return nil
	case rebac.RewriteIntersection:
		// Expand has no finite closed form for intersection without
		// enumerating both branches and intersecting the sets; do that
		// directly since branches are already fully enumerated here.
		branchSets := make([]map[rebac.Entity]bool, 0, len(expr.Children))
		for _, child := range expr.Children {
			local := make(map[rebac.Entity]bool)
			if err := e.expandExpr(ctx, relation, child, object, ns, st, depth+1, local); err != nil {
				return err
			}
			branchSets = append(branchSets, local)
		}
		for subj := range intersectAll(branchSets) {
			seen[subj] = true
		}
		return nil
	case rebac.RewriteExclusion:
		e.log.WithFields(logrus.Fields{"object": object.String()}).Warn("graph: expand does not support exclusion, skipping")
		return nil
	case rebac.RewriteTupleToUserset:
		if expr.TupleToUserset == nil {
			return rebac.ErrInvalidRewrite
		}
		neighbors, err := e.tuples.FindRelatedObjects(ctx, object, expr.TupleToUserset.Tupleset)
		if err != nil {
			return err
		}
		for _, neighbor := range neighbors {
			if err := e.expandDirect(ctx, expr.TupleToUserset.ComputedUserset, neighbor, st, seen); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("graph: %w: unknown rewrite kind %q", rebac.ErrInvalidRewrite, expr.Kind)
	}
}

func (e *Evaluator) expandBaseTuple(ctx context.Context, relation string, object rebac.Entity, st *evalState, seen map[rebac.Entity]bool) error {
	rows, err := e.tuples.FindRelatedObjects(ctx, object, relation)
	if err != nil {
		return err
	}
	for _, subj := range rows {
		if subj.IsWildcard() {
			continue
		}
		seen[subj] = true
	}

	sets, err := e.tuples.FindSubjectSets(ctx, object, relation, st.tenantID, st.hasTenant)
	if err != nil {
		return err
	}
	for _, set := range sets {
		setEntity := rebac.Entity{Type: set.SetType, ID: set.SetID}
		if err := e.expandDirect(ctx, set.SetRelation, setEntity, st, seen); err != nil {
			return err
		}
	}
	return nil
}

// Explain traces Check's graph walk, recording a node for every branch
// visited rather than short-circuiting on the result alone (spec §4.3,
// §6's Explain API). It never consults L1/L2/Tiger -- like Check, that
// caching decision belongs to rebac/engine -- and it shares Check's
// cycle-detection and depth-cap rules so the trace reflects exactly what
// Check would have walked.
func (e *Evaluator) Explain(ctx context.Context, subject rebac.Entity, permission string, object rebac.Entity, opts rebac.CheckOptions) (bool, *rebac.ExplainNode, error) {
	st := &evalState{context: opts.Context, visited: make(map[string]bool)}
	if opts.Zone != "" {
		z := opts.Zone
		st.tenantID, st.hasTenant = &z, true
	}
	return e.explainPermission(ctx, subject, permission, object, st, 0)
}

// FirstGrantingPath walks a trace tree and returns the single chain of
// nodes from root to the first granting leaf, or nil if root denied.
func FirstGrantingPath(n *rebac.ExplainNode) *rebac.ExplainNode {
	if n == nil || !n.Result {
		return nil
	}
	path := &rebac.ExplainNode{Subject: n.Subject, Permission: n.Permission, Object: n.Object, Kind: n.Kind, Result: true}
	for _, c := range n.Children {
		if sub := FirstGrantingPath(c); sub != nil {
			path.Children = []*rebac.ExplainNode{sub}
			break
		}
	}
	return path
}

func (e *Evaluator) explainPermission(ctx context.Context, subject rebac.Entity, permission string, object rebac.Entity, st *evalState, depth int) (bool, *rebac.ExplainNode, error) {
	node := &rebac.ExplainNode{Subject: subject, Permission: permission, Object: object, Kind: "permission"}
	if depth > e.maxDepth {
		node.Kind = "max_depth"
		return false, node, nil
	}

	ns, err := e.namespaces.Get(ctx, object.Type)
	if err != nil {
		if err == rebac.ErrNamespaceNotFound {
			ok, child, err := e.explainDirect(ctx, subject, permission, object, st, depth)
			node.Kind = "namespace_not_found"
			node.Children = []*rebac.ExplainNode{child}
			node.Result = ok
			return ok, node, err
		}
		return false, node, err
	}

	if candidates, ok := ns.Permissions[permission]; ok {
		for _, cand := range candidates {
			key := visitKey(subject, "perm:"+permission+":"+canonicalCandidate(cand), object)
			if st.visited[key] {
				node.Children = append(node.Children, &rebac.ExplainNode{Subject: subject, Permission: permission, Object: object, Kind: "cycle"})
				continue
			}
			st.visited[key] = true
			ok, child, err := e.explainExpr(ctx, subject, permission, cand, object, ns, st, depth+1)
			delete(st.visited, key)
			if err != nil {
				return false, node, err
			}
			node.Children = append(node.Children, child)
			if ok {
				node.Result = true
				return true, node, nil
			}
		}
		return false, node, nil
	}

	ok, child, err := e.explainDirect(ctx, subject, permission, object, st, depth)
	node.Children = []*rebac.ExplainNode{child}
	node.Result = ok
	return ok, node, err
}

func (e *Evaluator) explainDirect(ctx context.Context, subject rebac.Entity, relation string, object rebac.Entity, st *evalState, depth int) (bool, *rebac.ExplainNode, error) {
	key := visitKey(subject, relation, object)
	if st.visited[key] {
		return false, &rebac.ExplainNode{Subject: subject, Permission: relation, Object: object, Kind: "cycle"}, nil
	}
	st.visited[key] = true
	defer delete(st.visited, key)

	ns, err := e.namespaces.Get(ctx, object.Type)
	if err != nil && err != rebac.ErrNamespaceNotFound {
		return false, &rebac.ExplainNode{Subject: subject, Permission: relation, Object: object, Kind: "error"}, err
	}
	if ns != nil {
		if rw, ok := ns.Relations[relation]; ok {
			return e.explainExpr(ctx, subject, relation, rw, object, ns, st, depth+1)
		}
	}
	return e.explainBaseTuple(ctx, subject, relation, object, st)
}

// explainExpr mirrors evalExpr node-for-node, building an ExplainNode per
// branch instead of short-circuiting past untaken branches.
func (e *Evaluator) explainExpr(ctx context.Context, subject rebac.Entity, relation string, expr rebac.RewriteExpr, object rebac.Entity, ns *rebac.NamespaceConfig, st *evalState, depth int) (bool, *rebac.ExplainNode, error) {
	if depth > e.maxDepth {
		return false, &rebac.ExplainNode{Subject: subject, Permission: relation, Object: object, Kind: "max_depth"}, nil
	}

	switch expr.Kind {
	case rebac.RewriteThis:
		return e.explainBaseTuple(ctx, subject, relation, object, st)

	case rebac.RewriteComputedUserset:
		ok, child, err := e.explainDirect(ctx, subject, expr.ComputedUserset, object, st, depth)
		node := &rebac.ExplainNode{Subject: subject, Permission: relation, Object: object, Kind: "computed_userset", Result: ok, Children: []*rebac.ExplainNode{child}}
		return ok, node, err

	case rebac.RewriteUnion:
		node := &rebac.ExplainNode{Subject: subject, Permission: relation, Object: object, Kind: "union"}
		for _, child := range expr.Children {
			ok, cn, err := e.explainExpr(ctx, subject, relation, child, object, ns, st, depth+1)
			if err != nil {
				return false, node, err
			}
			node.Children = append(node.Children, cn)
			if ok {
				node.Result = true
				return true, node, nil
			}
		}
		return false, node, nil

	case rebac.RewriteIntersection:
		node := &rebac.ExplainNode{Subject: subject, Permission: relation, Object: object, Kind: "intersection"}
		allOK := true
		for _, child := range expr.Children {
			ok, cn, err := e.explainExpr(ctx, subject, relation, child, object, ns, st, depth+1)
			if err != nil {
				return false, node, err
			}
			node.Children = append(node.Children, cn)
			if !ok {
				allOK = false
			}
		}
		node.Result = allOK && len(expr.Children) > 0
		return node.Result, node, nil

	case rebac.RewriteExclusion:
		if expr.Exclusion == nil {
			return false, &rebac.ExplainNode{Subject: subject, Permission: relation, Object: object, Kind: "exclusion"}, rebac.ErrInvalidRewrite
		}
		ok, cn, err := e.explainExpr(ctx, subject, relation, *expr.Exclusion, object, ns, st, depth+1)
		node := &rebac.ExplainNode{Subject: subject, Permission: relation, Object: object, Kind: "exclusion", Children: []*rebac.ExplainNode{cn}, Result: !ok}
		return node.Result, node, err

	case rebac.RewriteTupleToUserset:
		if expr.TupleToUserset == nil {
			return false, &rebac.ExplainNode{Subject: subject, Permission: relation, Object: object, Kind: "tupleToUserset"}, rebac.ErrInvalidRewrite
		}
		return e.explainTupleToUserset(ctx, subject, *expr.TupleToUserset, object, st, depth)

	default:
		return false, &rebac.ExplainNode{Subject: subject, Permission: relation, Object: object, Kind: "unknown"}, fmt.Errorf("graph: %w: unknown rewrite kind %q", rebac.ErrInvalidRewrite, expr.Kind)
	}
}

func (e *Evaluator) explainTupleToUserset(ctx context.Context, subject rebac.Entity, ttu rebac.TupleToUsersetExpr, object rebac.Entity, st *evalState, depth int) (bool, *rebac.ExplainNode, error) {
	node := &rebac.ExplainNode{Subject: subject, Permission: ttu.ComputedUserset, Object: object, Kind: "tupleToUserset"}
	neighbors, err := e.tuples.FindRelatedObjects(ctx, object, ttu.Tupleset)
	if err != nil {
		return false, node, err
	}
	for _, neighbor := range neighbors {
		key := visitKey(subject, "ttu:"+ttu.ComputedUserset, neighbor)
		if st.visited[key] {
			node.Children = append(node.Children, &rebac.ExplainNode{Subject: subject, Permission: ttu.ComputedUserset, Object: neighbor, Kind: "cycle"})
			continue
		}
		st.visited[key] = true
		ok, cn, err := e.explainDirect(ctx, subject, ttu.ComputedUserset, neighbor, st, depth+1)
		delete(st.visited, key)
		if err != nil {
			return false, node, err
		}
		node.Children = append(node.Children, cn)
		if ok {
			node.Result = true
			return true, node, nil
		}
	}
	return false, node, nil
}

// explainBaseTuple mirrors evalBaseTuple, recording which of the direct,
// wildcard, or userset-as-subject sub-cases produced the result.
func (e *Evaluator) explainBaseTuple(ctx context.Context, subject rebac.Entity, relation string, object rebac.Entity, st *evalState) (bool, *rebac.ExplainNode, error) {
	node := &rebac.ExplainNode{Subject: subject, Permission: relation, Object: object, Kind: "direct"}
	if t, err := e.tuples.FindDirect(ctx, subject, relation, object); err != nil {
		return false, node, err
	} else if t != nil {
		if e.abacAllows(t, st) {
			node.Result = true
			return true, node, nil
		}
	}

	if subject != rebac.Wildcard {
		if t, err := e.tuples.FindDirect(ctx, rebac.Wildcard, relation, object); err != nil {
			return false, node, err
		} else if t != nil && e.abacAllows(t, st) {
			node.Kind = "wildcard"
			node.Result = true
			return true, node, nil
		}
	}

	sets, err := e.tuples.FindSubjectSets(ctx, object, relation, st.tenantID, st.hasTenant)
	if err != nil {
		return false, node, err
	}
	node.Kind = "userset-as-subject"
	for _, set := range sets {
		setEntity := rebac.Entity{Type: set.SetType, ID: set.SetID}
		key := visitKey(subject, "set:"+set.SetRelation, setEntity)
		if st.visited[key] {
			node.Children = append(node.Children, &rebac.ExplainNode{Subject: subject, Permission: set.SetRelation, Object: setEntity, Kind: "cycle"})
			continue
		}
		st.visited[key] = true
		ok, cn, err := e.explainDirect(ctx, subject, set.SetRelation, setEntity, st, 1)
		delete(st.visited, key)
		if err != nil {
			return false, node, err
		}
		node.Children = append(node.Children, cn)
		if ok {
			node.Result = true
			return true, node, nil
		}
	}
	return false, node, nil
}

func intersectAll(sets []map[rebac.Entity]bool) map[rebac.Entity]bool {
	if len(sets) == 0 {
		return nil
	}
	result := make(map[rebac.Entity]bool, len(sets[0]))
	for e := range sets[0] {
		result[e] = true
	}
	for _, s := range sets[1:] {
		for e := range result {
			if !s[e] {
				delete(result, e)
			}
		}
	}
	return result
}
