package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/maxpert/pushwatch/id"
	"github.com/maxpert/pushwatch/rangeq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepository records calls and tracks ids the way a real repository does
type fakeRepository struct {
	mu             sync.Mutex
	subs           map[string]Request
	subscribeErr   error
	unsubscribeErr map[string]error
	unsubscribed   []string
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{subs: make(map[string]Request), unsubscribeErr: make(map[string]error)}
}

func (r *fakeRepository) Subscribe(_ context.Context, req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscribeErr != nil {
		return r.subscribeErr
	}
	if _, ok := r.subs[req.ID]; ok {
		return &DuplicateSubscriptionError{ID: req.ID}
	}
	r.subs[req.ID] = req
	return nil
}

func (r *fakeRepository) Unsubscribe(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribed = append(r.unsubscribed, id)
	if err := r.unsubscribeErr[id]; err != nil {
		return err
	}
	if _, ok := r.subs[id]; !ok {
		return &NoSuchSubscriptionError{ID: id}
	}
	delete(r.subs, id)
	return nil
}

func request(id string) Request {
	set, _ := rangeq.Compile("eventTime", "2006-06-25T00:01:00Z")
	return Request{
		ID:          id,
		Predicates:  set,
		Destination: "http://127.0.0.1:9999/",
		Schedule:    Every(10),
	}
}

func TestManager_SubscribeActivates(t *testing.T) {
	repo := newFakeRepository()
	m := NewManager(repo)

	h, err := m.Subscribe(context.Background(), request("s1"))
	require.NoError(t, err)
	assert.Equal(t, "s1", h.ID())
	assert.Equal(t, Active, h.State())
	assert.False(t, h.ActivatedAt().IsZero())
	assert.Equal(t, DefaultQueryName, h.Request().QueryName)
	assert.Contains(t, repo.subs, "s1")

	got, ok := m.Get("s1")
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, 1, m.ActiveSubscriptions())
}

func TestManager_DuplicateIsDiscarded(t *testing.T) {
	repo := newFakeRepository()
	m := NewManager(repo)

	first, err := m.Subscribe(context.Background(), request("s1"))
	require.NoError(t, err)

	second, err := m.Subscribe(context.Background(), request("s1"))
	assert.Nil(t, second)
	assert.True(t, IsDuplicateSubscription(err))

	got, _ := m.Get("s1")
	assert.Same(t, first, got, "the original handle stays registered")
	assert.Equal(t, Active, first.State())
}

func TestManager_DuplicateAtRepository(t *testing.T) {
	repo := newFakeRepository()
	repo.subs["s1"] = Request{ID: "s1"} // Left over from another harness

	m := NewManager(repo)
	h, err := m.Subscribe(context.Background(), request("s1"))
	assert.Nil(t, h)

	var dup *DuplicateSubscriptionError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "s1", dup.ID)

	_, ok := m.Get("s1")
	assert.False(t, ok, "handle must be discarded")
	assert.Empty(t, m.Active())
}

func TestManager_SubscribeFailurePropagatesTyped(t *testing.T) {
	repo := newFakeRepository()
	repo.subscribeErr = &InvalidDestinationError{URI: "x", Reason: "bad"}
	m := NewManager(repo)

	_, err := m.Subscribe(context.Background(), request("s1"))
	var derr *InvalidDestinationError
	assert.True(t, errors.As(err, &derr))
	assert.Empty(t, m.Active())
}

func TestManager_GeneratesIDs(t *testing.T) {
	m := NewManager(newFakeRepository(), WithIDGenerator(id.NewSequenceGenerator("fx")))

	h1, err := m.Subscribe(context.Background(), request(""))
	require.NoError(t, err)
	h2, err := m.Subscribe(context.Background(), request(""))
	require.NoError(t, err)

	assert.Equal(t, "fx-1", h1.ID())
	assert.Equal(t, "fx-2", h2.ID())
}

func TestManager_UnsubscribeUnknownIsNoop(t *testing.T) {
	repo := newFakeRepository()
	m := NewManager(repo)

	assert.NoError(t, m.Unsubscribe(context.Background(), "never-subscribed"))
	assert.Equal(t, []string{"never-subscribed"}, repo.unsubscribed)
}

func TestManager_UnsubscribeTwice(t *testing.T) {
	m := NewManager(newFakeRepository())

	h, err := m.Subscribe(context.Background(), request("s1"))
	require.NoError(t, err)

	require.NoError(t, m.Unsubscribe(context.Background(), "s1"))
	assert.Equal(t, Unsubscribed, h.State())
	assert.False(t, h.EndedAt().IsZero())

	require.NoError(t, m.Unsubscribe(context.Background(), "s1"))
	assert.Equal(t, Unsubscribed, h.State())
}

func TestManager_ResubscribeAfterUnsubscribe(t *testing.T) {
	m := NewManager(newFakeRepository())

	_, err := m.Subscribe(context.Background(), request("s1"))
	require.NoError(t, err)
	require.NoError(t, m.Unsubscribe(context.Background(), "s1"))

	h, err := m.Subscribe(context.Background(), request("s1"))
	require.NoError(t, err)
	assert.Equal(t, Active, h.State())
}

func TestManager_UnsubscribeRealFailureKeepsHandle(t *testing.T) {
	repo := newFakeRepository()
	m := NewManager(repo)

	h, err := m.Subscribe(context.Background(), request("s1"))
	require.NoError(t, err)

	repo.unsubscribeErr["s1"] = errors.New("connection refused")
	assert.Error(t, m.Unsubscribe(context.Background(), "s1"))
	assert.Equal(t, Active, h.State())
}

func TestManager_TeardownJoinsOnlyRealFailures(t *testing.T) {
	repo := newFakeRepository()
	m := NewManager(repo)

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Subscribe(context.Background(), request(id))
		require.NoError(t, err)
	}

	// "a" vanished at the repository; "b" cannot be reached
	delete(repo.subs, "a")
	boom := errors.New("connection refused")
	repo.unsubscribeErr["b"] = boom

	err := m.Teardown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsNoSuchSubscription(err))

	assert.Equal(t, []string{"a", "b", "c"}, repo.unsubscribed, "every handle is attempted")
	assert.Len(t, m.Active(), 1)
	assert.Equal(t, "b", m.Active()[0].ID())
}

func TestManager_TeardownClean(t *testing.T) {
	m := NewManager(newFakeRepository())
	_, err := m.Subscribe(context.Background(), request("a"))
	require.NoError(t, err)

	assert.NoError(t, m.Teardown(context.Background()))
	assert.NoError(t, m.Teardown(context.Background()))
	assert.Empty(t, m.Active())
}

func TestManager_Expire(t *testing.T) {
	m := NewManager(newFakeRepository())
	h, err := m.Subscribe(context.Background(), request("a"))
	require.NoError(t, err)

	assert.True(t, m.Expire("a"))
	assert.Equal(t, Expired, h.State())
	assert.False(t, m.Expire("a"))
	assert.False(t, h.Expire(), "only Active handles expire")
	assert.Empty(t, m.Active())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "requested", Requested.String())
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "unsubscribed", Unsubscribed.String())
	assert.Equal(t, "expired", Expired.String())
}
