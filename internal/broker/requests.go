package broker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

const (
	// decidedRequestTTL is how long a decided request stays queryable.
	decidedRequestTTL = 10 * time.Minute

	// undecidedRequestTTL bounds how long a request waits for the operator.
	// Abandoned requests are never decided, so they expire here.
	undecidedRequestTTL = time.Hour
)

var (
	errRateLimited     = errors.New("too many permission requests")
	errRequestNotFound = errors.New("permission request not found")
	errAlreadyDecided  = errors.New("permission request already decided")
)

type pendingRequest struct {
	req       domain.PermissionRequest
	done      chan struct{}
	decidedAt time.Time
}

// requestQueue holds permission requests until the operator decides them.
// Each request's done channel is closed exactly once, on decision.
type requestQueue struct {
	mu       sync.Mutex
	requests map[string]*pendingRequest
	limiters map[uint32]*rate.Limiter

	grants domain.GrantStore
	limit  rate.Limit
	burst  int
	now    func() time.Time
}

func newRequestQueue(grants domain.GrantStore, perMinute float64, burst int) *requestQueue {
	if burst < 1 {
		burst = 1
	}
	return &requestQueue{
		requests: make(map[string]*pendingRequest),
		limiters: make(map[uint32]*rate.Limiter),
		grants:   grants,
		limit:    rate.Limit(perMinute / 60),
		burst:    burst,
		now:      time.Now,
	}
}

// create queues a request for uid. A uid that already holds the
// permission gets a request that is decided on creation.
func (q *requestQueue) create(uid uint32, pid int32) (domain.PermissionRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	limiter, ok := q.limiters[uid]
	if !ok {
		limiter = rate.NewLimiter(q.limit, q.burst)
		q.limiters[uid] = limiter
	}
	if !limiter.AllowN(q.now(), 1) {
		return domain.PermissionRequest{}, errRateLimited
	}

	q.pruneLocked()

	p := &pendingRequest{
		req: domain.PermissionRequest{
			ID:        uuid.NewString(),
			UID:       uid,
			PID:       pid,
			CreatedAt: q.now(),
		},
		done: make(chan struct{}),
	}

	granted, err := q.grants.IsGranted(uid)
	if err != nil {
		return domain.PermissionRequest{}, err
	}
	if granted {
		q.markDecidedLocked(p, true)
	}

	q.requests[p.req.ID] = p
	return p.req, nil
}

// get returns a request and a channel closed once it is decided.
func (q *requestQueue) get(id string) (domain.PermissionRequest, <-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.requests[id]
	if !ok {
		return domain.PermissionRequest{}, nil, errRequestNotFound
	}
	return p.req, p.done, nil
}

// pending lists undecided requests, oldest first.
func (q *requestQueue) pending() []domain.PermissionRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneLocked()

	out := make([]domain.PermissionRequest, 0, len(q.requests))
	for _, p := range q.requests {
		if !p.req.Decided {
			out = append(out, p.req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// decide persists the decision for the request's uid and wakes waiters.
func (q *requestQueue) decide(id string, granted bool) (domain.PermissionRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.requests[id]
	if !ok {
		return domain.PermissionRequest{}, errRequestNotFound
	}
	if p.req.Decided {
		return p.req, errAlreadyDecided
	}
	if err := q.grants.SetGranted(p.req.UID, granted); err != nil {
		return domain.PermissionRequest{}, err
	}
	q.markDecidedLocked(p, granted)

	// Other requests of the same uid are answered by the same decision.
	for _, other := range q.requests {
		if other.req.UID == p.req.UID && !other.req.Decided {
			q.markDecidedLocked(other, granted)
		}
	}
	return p.req, nil
}

func (q *requestQueue) markDecidedLocked(p *pendingRequest, granted bool) {
	p.req.Decided = true
	p.req.Granted = granted
	p.decidedAt = q.now()
	close(p.done)
}

// pruneLocked drops decided requests after decidedRequestTTL and undecided
// ones after undecidedRequestTTL. Waiters on an expired request are woken
// and find it gone.
func (q *requestQueue) pruneLocked() {
	now := q.now()
	for id, p := range q.requests {
		switch {
		case p.req.Decided && p.decidedAt.Before(now.Add(-decidedRequestTTL)):
			delete(q.requests, id)
		case !p.req.Decided && p.req.CreatedAt.Before(now.Add(-undecidedRequestTTL)):
			delete(q.requests, id)
			close(p.done)
		}
	}
}
