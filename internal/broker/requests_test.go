package broker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(grants *memGrants) (*requestQueue, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := newRequestQueue(grants, 60, 10)
	q.now = func() time.Time { return now }
	return q, &now
}

func TestRequestQueue_DecideWakesWaiters(t *testing.T) {
	q, _ := newTestQueue(newMemGrants())

	req, err := q.create(clientUID, 99)
	require.NoError(t, err)

	_, done, err := q.get(req.ID)
	require.NoError(t, err)

	select {
	case <-done:
		t.Fatal("undecided request must not be done")
	default:
	}

	decided, err := q.decide(req.ID, true)
	require.NoError(t, err)
	assert.True(t, decided.Granted)

	select {
	case <-done:
	default:
		t.Fatal("decided request must be done")
	}
}

func TestRequestQueue_DecisionCoversSameUID(t *testing.T) {
	grants := newMemGrants()
	q, _ := newTestQueue(grants)

	first, _ := q.create(clientUID, 1)
	second, _ := q.create(clientUID, 2)
	other, _ := q.create(clientUID+1, 3)

	_, err := q.decide(first.ID, false)
	require.NoError(t, err)

	got, _, _ := q.get(second.ID)
	assert.True(t, got.Decided)
	assert.False(t, got.Granted)

	pending := q.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, other.ID, pending[0].ID)
}

func TestRequestQueue_PendingOrder(t *testing.T) {
	q, now := newTestQueue(newMemGrants())

	a, _ := q.create(1, 1)
	*now = now.Add(time.Second)
	b, _ := q.create(2, 2)
	*now = now.Add(time.Second)
	c, _ := q.create(3, 3)

	pending := q.pending()
	require.Len(t, pending, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{pending[0].ID, pending[1].ID, pending[2].ID})
}

func TestRequestQueue_PrunesOldDecisions(t *testing.T) {
	q, now := newTestQueue(newMemGrants())

	old, _ := q.create(1, 1)
	_, err := q.decide(old.ID, true)
	require.NoError(t, err)

	*now = now.Add(decidedRequestTTL + time.Minute)
	_, err = q.create(2, 2)
	require.NoError(t, err)

	_, _, err = q.get(old.ID)
	assert.ErrorIs(t, err, errRequestNotFound)
}

func TestRequestQueue_ExpiresUndecided(t *testing.T) {
	q, now := newTestQueue(newMemGrants())

	abandoned, err := q.create(1, 1)
	require.NoError(t, err)
	_, done, err := q.get(abandoned.ID)
	require.NoError(t, err)

	*now = now.Add(undecidedRequestTTL - time.Minute)
	assert.Len(t, q.pending(), 1, "still waiting for the operator")

	*now = now.Add(24 * time.Hour)
	fresh, err := q.create(2, 2)
	require.NoError(t, err)

	pending := q.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.ID, pending[0].ID)
	assert.Len(t, q.requests, 1)

	_, _, err = q.get(abandoned.ID)
	assert.ErrorIs(t, err, errRequestNotFound)

	select {
	case <-done:
	default:
		t.Fatal("waiters on an expired request must be woken")
	}
}

func TestRequestQueue_ExpiryWithoutNewRequests(t *testing.T) {
	q, now := newTestQueue(newMemGrants())

	_, err := q.create(1, 1)
	require.NoError(t, err)

	*now = now.Add(undecidedRequestTTL + time.Second)
	assert.Empty(t, q.pending())
}

func TestRequestQueue_GrantStoreFailure(t *testing.T) {
	grants := newMemGrants()
	q, _ := newTestQueue(grants)

	req, err := q.create(clientUID, 1)
	require.NoError(t, err)

	grants.err = errors.New("disk full")
	_, err = q.decide(req.ID, true)
	assert.Error(t, err)

	got, _, _ := q.get(req.ID)
	assert.False(t, got.Decided, "a decision that was not stored must not resolve the request")
}

func TestRequestQueue_RateLimitRefills(t *testing.T) {
	q, now := newTestQueue(newMemGrants())
	q.limit = 1 // one per second
	q.burst = 1

	_, err := q.create(clientUID, 1)
	require.NoError(t, err)
	_, err = q.create(clientUID, 1)
	assert.ErrorIs(t, err, errRateLimited)

	*now = now.Add(2 * time.Second)
	_, err = q.create(clientUID, 1)
	assert.NoError(t, err)
}
