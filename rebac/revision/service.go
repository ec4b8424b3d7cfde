// Package revision implements the Revision Service (spec §4.5): a
// monotonic per-zone counter used for at_least_as_fresh consistency checks
// and for the L1 cache's revision-quantized keys.
package revision

import (
	"context"
	"sync"
	"time"

	"github.com/nexi-lab/nexus/db/repository"
)

// Service serves zone revisions with a short local amortization window so
// a burst of at_least_as_fresh checks against the same zone doesn't hammer
// Postgres for the current value on every request.
type Service struct {
	repo repository.RevisionRepository

	amortize time.Duration
	mu       sync.Mutex
	cached   map[string]cachedRevision
}

type cachedRevision struct {
	value   int64
	fetched time.Time
}

// New constructs a Service. amortize is how long a locally-cached Current()
// read is trusted before re-querying Postgres; 1 second matches the
// teacher's poll-interval idiom for cheap freshness (common/health.go).
func New(repo repository.RevisionRepository, amortize time.Duration) *Service {
	if amortize <= 0 {
		amortize = time.Second
	}
	return &Service{repo: repo, amortize: amortize, cached: make(map[string]cachedRevision)}
}

// Bump increments the zone's revision after a tuple or namespace write.
// Always goes straight to Postgres -- writes must never read the local
// amortized cache or Write/Check ordering guarantees break.
func (s *Service) Bump(ctx context.Context, zone string) (int64, error) {
	rev, err := s.repo.Bump(ctx, zone)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.cached[zone] = cachedRevision{value: rev, fetched: time.Now()}
	s.mu.Unlock()
	return rev, nil
}

// Current returns the zone's revision, served from the local amortization
// window when fresh enough.
func (s *Service) Current(ctx context.Context, zone string) (int64, error) {
	s.mu.Lock()
	if c, ok := s.cached[zone]; ok && time.Since(c.fetched) < s.amortize {
		s.mu.Unlock()
		return c.value, nil
	}
	s.mu.Unlock()

	rev, err := s.repo.Current(ctx, zone)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.cached[zone] = cachedRevision{value: rev, fetched: time.Now()}
	s.mu.Unlock()
	return rev, nil
}

// Quantize rounds revision down to the nearest multiple of window, used by
// the L1 cache to key entries so a steady trickle of unrelated writes
// elsewhere in the zone doesn't invalidate every L1 entry on every write
// (spec §4.6's revision-quantized keying).
func Quantize(rev int64, window int64) int64 {
	if window <= 1 {
		return rev
	}
	return (rev / window) * window
}
