// Package concurrency is the Concurrency Glue (spec §4.10): a circuit
// breaker guarding relational-store calls, a bounded worker pool adapting
// synchronous Postgres access for async callers, a recompute queue feeding
// Tiger bitmap updates, and refresh-token-style stampede-ticket bookkeeping
// repurposed from credential rotation into cache-recompute leases.
package concurrency

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nexi-lab/nexus/rebac"
)

// Breaker wraps relational-store calls in a circuit breaker (spec §4.10):
// on open, reads may fall back to a cached value if the caller supplies
// one; writes always propagate the error.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

// NewBreaker constructs a Breaker tripping after 5 consecutive failures
// within a 60s window, half-opening after 10s -- matching the teacher's
// resilience-oriented defaults elsewhere in the codebase (conservative,
// slow to re-trust a recovering dependency).
func NewBreaker(name string) *Breaker {
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker[any](settings)}
}

// Do executes fn through the breaker. If the breaker is open and fallback
// is non-nil, fallback's value is returned instead of ErrOpenState.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) (any, error), fallback func() (any, bool)) (any, error) {
	v, err := b.cb.Execute(func() (any, error) { return fn(ctx) })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) && fallback != nil {
			if fv, ok := fallback(); ok {
				return fv, nil
			}
		}
		return nil, err
	}
	return v, nil
}

// Pool adapts synchronous relational calls for async callers with a
// bounded worker count; cancellation of the caller's context must not
// leak a worker (spec §4.10, §5).
type Pool struct {
	sem chan struct{}
}

// NewPool constructs a Pool with the given worker capacity.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 8
	}
	return &Pool{sem: make(chan struct{}, workers)}
}

// Submit runs fn on a pooled worker slot, returning fn's result or the
// caller's context error if cancelled before a slot was acquired.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		// The goroutine above still runs to completion (and drains into
		// the buffered channel) even though we stop waiting for it here;
		// the worker slot is released by the deferred receive once it
		// finishes, so no worker leaks.
		return nil, ctx.Err()
	}
}

// RecomputeJob is one queued Tiger bitmap recompute request.
type RecomputeJob struct {
	Subject      rebac.Entity
	Permission   string
	ResourceType string
	ZoneID       string
}

// RecomputeQueue is a bounded worker-pool-backed queue feeding Tiger
// bitmap recompute jobs asynchronously after a tuple write, so the write
// path never blocks on bitmap maintenance (spec §4.8/§4.9).
type RecomputeQueue struct {
	jobs    chan RecomputeJob
	handler func(ctx context.Context, job RecomputeJob)
	wg      sync.WaitGroup
}

// NewRecomputeQueue starts workers consuming from a buffered channel.
// handler performs the actual Tiger recompute; ctx governs worker
// lifetime, not individual job lifetime.
func NewRecomputeQueue(ctx context.Context, workers, bufferSize int, handler func(ctx context.Context, job RecomputeJob)) *RecomputeQueue {
	q := &RecomputeQueue{jobs: make(chan RecomputeJob, bufferSize), handler: handler}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	return q
}

func (q *RecomputeQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.handler(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

// Enqueue submits a job, dropping it (and logging is the handler's
// responsibility) if the buffer is full rather than blocking the write
// path that triggered it.
func (q *RecomputeQueue) Enqueue(ctx context.Context, subject rebac.Entity, permission, resourceType, zoneID string) {
	job := RecomputeJob{Subject: subject, Permission: permission, ResourceType: resourceType, ZoneID: zoneID}
	select {
	case q.jobs <- job:
	default:
	}
}

// Close stops accepting jobs and waits for in-flight workers to drain.
func (q *RecomputeQueue) Close() {
	close(q.jobs)
	q.wg.Wait()
}

// StampedeTicket is a recompute lease: the same mechanism as refresh-token
// rotation (token_family_id, rotation_counter) repurposed so only one
// caller recomputes an expensive cache entry while others wait, with a
// bounded timeout matching spec §5's stampede_timeout_seconds default (5s).
type StampedeTicket struct {
	Key          string
	Token        string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// DefaultStampedeTimeout is the bound on how long a waiter blocks for the
// holder of a StampedeTicket before deny-with-ERROR (spec §5).
const DefaultStampedeTimeout = 5 * time.Second

// StampedeLeases tracks in-flight compute leases per key. Unlike
// singleflight.Group (used for same-process call coalescing in
// rebac/cache), this is for cross-process coordination via a shared store
// (e.g. Redis) where the ticket token, not a goroutine, is the identity of
// the lease holder.
type StampedeLeases struct {
	mu     sync.Mutex
	leases map[string]StampedeTicket
}

// NewStampedeLeases constructs an empty tracker.
func NewStampedeLeases() *StampedeLeases {
	return &StampedeLeases{leases: make(map[string]StampedeTicket)}
}

// TryAcquire issues a new ticket for key if none is held or the held one
// has expired, mirroring try_acquire_compute (spec §4.6).
func (s *StampedeLeases) TryAcquire(key string, timeout time.Duration) (ticket StampedeTicket, acquired bool) {
	if timeout <= 0 {
		timeout = DefaultStampedeTimeout
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.leases[key]; ok && existing.ExpiresAt.After(now) {
		return StampedeTicket{}, false
	}
	token, err := newStampedeToken()
	if err != nil {
		return StampedeTicket{}, false
	}
	t := StampedeTicket{Key: key, Token: token, IssuedAt: now, ExpiresAt: now.Add(timeout)}
	s.leases[key] = t
	return t, true
}

// Release clears the lease for key, provided token matches the current
// holder (prevents a timed-out holder from clobbering a newer lease).
func (s *StampedeLeases) Release(key, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.leases[key]; ok && existing.Token == token {
		delete(s.leases, key)
	}
}

// newStampedeToken generates an opaque lease token. crypto/rand is chosen
// over bcrypt deliberately: this runs on every cache miss for a hot
// permission key, and bcrypt's tunable slowness is the wrong tool for an
// identifier that is never compared against an untrusted input, only
// matched for equality against what this process itself issued.
func newStampedeToken() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
