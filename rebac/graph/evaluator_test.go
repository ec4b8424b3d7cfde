package graph

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexi-lab/nexus/rebac"
	"github.com/nexi-lab/nexus/rebac/tuplestore"
)

// fakeNamespaces and fakeTuples are in-memory stand-ins for
// rebac/namespace.Store and rebac/tuplestore.Store, letting the evaluator
// be exercised without a database, in the teacher's table-driven-fake
// style (db/repository tests fake out the wire, not the package under
// test).
type fakeNamespaces struct {
	configs map[string]rebac.NamespaceConfig
}

func (f *fakeNamespaces) Get(ctx context.Context, objectType string) (*rebac.NamespaceConfig, error) {
	cfg, ok := f.configs[objectType]
	if !ok {
		return nil, rebac.ErrNamespaceNotFound
	}
	return &cfg, nil
}

type fakeTuple struct {
	subject  rebac.Entity
	relation string
	object   rebac.Entity
	setRel   *string // non-nil => userset-as-subject
}

type fakeTuples struct {
	rows []fakeTuple
}

func (f *fakeTuples) FindDirect(ctx context.Context, subject rebac.Entity, relation string, object rebac.Entity) (*rebac.Tuple, error) {
	for _, r := range f.rows {
		if r.subject == subject && r.relation == relation && r.object == object && r.setRel == nil {
			return &rebac.Tuple{SubjectType: subject.Type, SubjectID: subject.ID, Relation: relation, ObjectType: object.Type, ObjectID: object.ID}, nil
		}
	}
	return nil, nil
}

func (f *fakeTuples) FindRelatedObjects(ctx context.Context, object rebac.Entity, relation string) ([]rebac.Entity, error) {
	var out []rebac.Entity
	for _, r := range f.rows {
		if r.object == object && r.relation == relation {
			out = append(out, r.subject)
		}
	}
	return out, nil
}

func (f *fakeTuples) FindSubjectSets(ctx context.Context, object rebac.Entity, relation string, tenantID *string, hasTenant bool) ([]tuplestore.SubjectSet, error) {
	var out []tuplestore.SubjectSet
	for _, r := range f.rows {
		if r.object == object && r.relation == relation && r.setRel != nil {
			out = append(out, tuplestore.SubjectSet{SetType: r.subject.Type, SetID: r.subject.ID, SetRelation: *r.setRel})
		}
	}
	return out, nil
}

func newTestLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func strPtr(s string) *string { return &s }

var (
	alice = rebac.Entity{Type: "user", ID: "alice"}
	bob   = rebac.Entity{Type: "user", ID: "bob"}
	doc1  = rebac.Entity{Type: "document", ID: "doc1"}
	org1  = rebac.Entity{Type: "org", ID: "org1"}
)

// documentNamespace mirrors spec.md's canonical example: owner/editor/viewer
// relations, editor inherits viewer, and a "parent" tupleToUserset pulling
// in an org's members.
func documentNamespace() rebac.NamespaceConfig {
	return rebac.NamespaceConfig{
		Relations: map[string]rebac.RewriteExpr{
			"owner":  {Kind: rebac.RewriteThis},
			"editor": {Kind: rebac.RewriteUnion, Children: []rebac.RewriteExpr{{Kind: rebac.RewriteThis}, {Kind: rebac.RewriteComputedUserset, ComputedUserset: "owner"}}},
			"viewer": {Kind: rebac.RewriteUnion, Children: []rebac.RewriteExpr{
				{Kind: rebac.RewriteThis},
				{Kind: rebac.RewriteComputedUserset, ComputedUserset: "editor"},
				{Kind: rebac.RewriteTupleToUserset, TupleToUserset: &rebac.TupleToUsersetExpr{Tupleset: "parent", ComputedUserset: "member"}},
			}},
			"parent": {Kind: rebac.RewriteThis},
		},
		Permissions: map[string][]rebac.RewriteExpr{
			"view": {{Kind: rebac.RewriteComputedUserset, ComputedUserset: "viewer"}},
			"edit": {{Kind: rebac.RewriteComputedUserset, ComputedUserset: "editor"}},
		},
	}
}

func orgNamespace() rebac.NamespaceConfig {
	return rebac.NamespaceConfig{
		Relations: map[string]rebac.RewriteExpr{
			"member": {Kind: rebac.RewriteThis},
		},
	}
}

func TestCheck_OwnerCanViewAndEdit(t *testing.T) {
	nsReader := &fakeNamespaces{configs: map[string]rebac.NamespaceConfig{"document": documentNamespace()}}
	tuples := &fakeTuples{rows: []fakeTuple{{subject: alice, relation: "owner", object: doc1}}}
	ev := New(nsReader, tuples, 0, newTestLog())

	ok, err := ev.Check(context.Background(), alice, "view", doc1, rebac.CheckOptions{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.Check(context.Background(), alice, "edit", doc1, rebac.CheckOptions{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheck_ViewerCannotEdit(t *testing.T) {
	nsReader := &fakeNamespaces{configs: map[string]rebac.NamespaceConfig{"document": documentNamespace()}}
	tuples := &fakeTuples{rows: []fakeTuple{{subject: bob, relation: "viewer", object: doc1}}}
	ev := New(nsReader, tuples, 0, newTestLog())

	ok, err := ev.Check(context.Background(), bob, "view", doc1, rebac.CheckOptions{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.Check(context.Background(), bob, "edit", doc1, rebac.CheckOptions{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheck_ParentInheritanceViaTupleToUserset(t *testing.T) {
	nsReader := &fakeNamespaces{configs: map[string]rebac.NamespaceConfig{
		"document": documentNamespace(),
		"org":      orgNamespace(),
	}}
	tuples := &fakeTuples{rows: []fakeTuple{
		{subject: org1, relation: "parent", object: doc1},
		{subject: bob, relation: "member", object: org1},
	}}
	ev := New(nsReader, tuples, 0, newTestLog())

	ok, err := ev.Check(context.Background(), bob, "view", doc1, rebac.CheckOptions{})
	require.NoError(t, err)
	assert.True(t, ok, "org membership should grant view via the parent tupleToUserset")
}

func TestCheck_UnrelatedSubjectDenied(t *testing.T) {
	nsReader := &fakeNamespaces{configs: map[string]rebac.NamespaceConfig{"document": documentNamespace()}}
	tuples := &fakeTuples{rows: []fakeTuple{{subject: alice, relation: "owner", object: doc1}}}
	ev := New(nsReader, tuples, 0, newTestLog())

	ok, err := ev.Check(context.Background(), bob, "view", doc1, rebac.CheckOptions{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheck_WildcardGrant(t *testing.T) {
	nsReader := &fakeNamespaces{configs: map[string]rebac.NamespaceConfig{"document": documentNamespace()}}
	tuples := &fakeTuples{rows: []fakeTuple{{subject: rebac.Wildcard, relation: "viewer", object: doc1}}}
	ev := New(nsReader, tuples, 0, newTestLog())

	ok, err := ev.Check(context.Background(), bob, "view", doc1, rebac.CheckOptions{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheck_UsersetAsSubject(t *testing.T) {
	nsReader := &fakeNamespaces{configs: map[string]rebac.NamespaceConfig{
		"document": documentNamespace(),
		"org":      orgNamespace(),
	}}
	tuples := &fakeTuples{rows: []fakeTuple{
		{subject: org1, relation: "viewer", object: doc1, setRel: strPtr("member")},
		{subject: bob, relation: "member", object: org1},
	}}
	ev := New(nsReader, tuples, 0, newTestLog())

	ok, err := ev.Check(context.Background(), bob, "view", doc1, rebac.CheckOptions{})
	require.NoError(t, err)
	assert.True(t, ok, "org:org1#member should be a valid subject-set grant on doc1's viewer relation")
}

func TestCheck_CycleDetectionDeniesRatherThanLoops(t *testing.T) {
	nsReader := &fakeNamespaces{configs: map[string]rebac.NamespaceConfig{
		"document": {
			Relations: map[string]rebac.RewriteExpr{
				"viewer": {Kind: rebac.RewriteTupleToUserset, TupleToUserset: &rebac.TupleToUsersetExpr{Tupleset: "parent", ComputedUserset: "viewer"}},
				"parent": {Kind: rebac.RewriteThis},
			},
		},
	}}
	// doc1 -> parent -> doc1 (self-referential cycle)
	tuples := &fakeTuples{rows: []fakeTuple{{subject: doc1, relation: "parent", object: doc1}}}
	ev := New(nsReader, tuples, 0, newTestLog())

	ok, err := ev.Check(context.Background(), alice, "viewer", doc1, rebac.CheckOptions{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheck_DepthCapDenies(t *testing.T) {
	nsReader := &fakeNamespaces{configs: map[string]rebac.NamespaceConfig{"document": documentNamespace()}}
	tuples := &fakeTuples{}
	ev := New(nsReader, tuples, 1, newTestLog())

	// viewer -> union[this, editor, tupleToUserset] already exceeds depth 1
	// once recursed into; with no matching tuples this must deny, not error.
	ok, err := ev.Check(context.Background(), alice, "view", doc1, rebac.CheckOptions{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheck_ExclusionDenies(t *testing.T) {
	banned := rebac.RewriteExpr{Kind: rebac.RewriteComputedUserset, ComputedUserset: "banned"}
	nsReader := &fakeNamespaces{configs: map[string]rebac.NamespaceConfig{
		"document": {
			Relations: map[string]rebac.RewriteExpr{
				"viewer": {Kind: rebac.RewriteThis},
				"banned": {Kind: rebac.RewriteThis},
				"can_view": {Kind: rebac.RewriteExclusion, Exclusion: &banned},
			},
			Permissions: map[string][]rebac.RewriteExpr{
				"view": {{Kind: rebac.RewriteComputedUserset, ComputedUserset: "can_view"}},
			},
		},
	}}
	tuples := &fakeTuples{rows: []fakeTuple{{subject: alice, relation: "banned", object: doc1}}}
	ev := New(nsReader, tuples, 0, newTestLog())

	ok, err := ev.Check(context.Background(), alice, "view", doc1, rebac.CheckOptions{})
	require.NoError(t, err)
	assert.False(t, ok, "an excluded relation must deny even though 'this' on the excluded branch matched")
}

func TestCheck_NamespaceNotFoundFallsBackToDirectTuple(t *testing.T) {
	nsReader := &fakeNamespaces{configs: map[string]rebac.NamespaceConfig{}}
	tuples := &fakeTuples{rows: []fakeTuple{{subject: alice, relation: "owner", object: doc1}}}
	ev := New(nsReader, tuples, 0, newTestLog())

	ok, err := ev.Check(context.Background(), alice, "owner", doc1, rebac.CheckOptions{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckBatch_PreservesOrdering(t *testing.T) {
	nsReader := &fakeNamespaces{configs: map[string]rebac.NamespaceConfig{"document": documentNamespace()}}
	tuples := &fakeTuples{rows: []fakeTuple{{subject: alice, relation: "owner", object: doc1}}}
	ev := New(nsReader, tuples, 0, newTestLog())

	checks := []CheckTuple{
		{Subject: alice, Permission: "view", Object: doc1},
		{Subject: bob, Permission: "view", Object: doc1},
		{Subject: alice, Permission: "edit", Object: doc1},
	}
	results, err := ev.CheckBatch(context.Background(), checks, rebac.CheckOptions{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []bool{true, false, true}, results)
}

func TestExpand_ReturnsDirectAndInheritedMembers(t *testing.T) {
	nsReader := &fakeNamespaces{configs: map[string]rebac.NamespaceConfig{"document": documentNamespace()}}
	tuples := &fakeTuples{rows: []fakeTuple{
		{subject: alice, relation: "owner", object: doc1},
		{subject: bob, relation: "viewer", object: doc1},
	}}
	ev := New(nsReader, tuples, 0, newTestLog())

	members, err := ev.Expand(context.Background(), "view", doc1, "")
	require.NoError(t, err)

	assert.Contains(t, members, alice)
	assert.Contains(t, members, bob)
}
