package rebac

import "errors"

// Sentinel errors at the API boundary, matching spec §7's error taxonomy.
// Policy denials (cycle, depth, ABAC mismatch) never surface as errors from
// Check itself -- they resolve to a logged security event and a plain
// false. These sentinels are for input validation and invariant failures.
var (
	// ErrCrossTenant is returned by TupleStore.Write when a tuple's tenant_id
	// conflicts with its subject or object tenant.
	ErrCrossTenant = errors.New("rebac: cross-tenant write rejected")

	// ErrNamespaceNotFound is returned by NamespaceStore.Get for an unknown
	// object_type. The Graph Evaluator treats this as "deny with warn", not
	// a hard failure.
	ErrNamespaceNotFound = errors.New("rebac: namespace not found")

	// ErrConditionFailed marks an ABAC evaluation that explicitly denied.
	ErrConditionFailed = errors.New("rebac: condition failed")

	// ErrDepthLimitExceeded marks a graph traversal that exceeded max_depth.
	// Callers of Check never see this directly; it is logged and folded
	// into a false result.
	ErrDepthLimitExceeded = errors.New("rebac: depth limit exceeded")

	// ErrCycleDetected marks a graph traversal that revisited a node.
	// Like ErrDepthLimitExceeded, this never escapes Check as an error.
	ErrCycleDetected = errors.New("rebac: cycle detected")

	// ErrThisAsPermission is raised when a bare "this" rewrite is used
	// directly as a permission entry rather than nested inside a relation.
	// See SPEC_FULL.md §4.3 and rebac_manager.py's original treatment.
	ErrThisAsPermission = errors.New("rebac: \"this\" cannot be used directly as a permission")

	// ErrInvalidRewrite marks a namespace config whose RewriteExpr JSON does
	// not match any known shape.
	ErrInvalidRewrite = errors.New("rebac: invalid rewrite expression")

	// ErrUnknownConsistencyMode is returned for a Check call naming a
	// consistency mode other than minimize_latency, at_least_as_fresh, or
	// fully_consistent.
	ErrUnknownConsistencyMode = errors.New("rebac: unknown consistency mode")

	// ErrIntIDOverflow is a fatal invariant violation: the resource map ran
	// out of 32-bit int ids. Per spec §7 this must refuse to start, not be
	// recovered from.
	ErrIntIDOverflow = errors.New("rebac: resource int id overflow")

	// ErrBitmapDeserialize marks a fatal Roaring Bitmap decode failure.
	ErrBitmapDeserialize = errors.New("rebac: bitmap deserialize failure")

	// ErrTupleNotFound is returned internally by store lookups; TupleStore.Delete
	// folds this into a plain `false`, matching spec's NOT_FOUND semantics.
	ErrTupleNotFound = errors.New("rebac: tuple not found")

	// ErrStampedeTimeout marks a waiter that timed out waiting for an
	// in-flight recompute to finish.
	ErrStampedeTimeout = errors.New("rebac: stampede wait timed out")
)
