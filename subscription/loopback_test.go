package subscription

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/pushwatch/epcis"
	"github.com/maxpert/pushwatch/rangeq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sink collects pushed documents
type sink struct {
	mu     sync.Mutex
	bodies [][]byte
	status int
}

func newSink(t *testing.T) (*sink, *httptest.Server) {
	s := &sink{status: http.StatusOK}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bodies = append(s.bodies, body)
		status := s.status
		s.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bodies)
}

func (s *sink) batch(t *testing.T, i int) epcis.ResultBatch {
	t.Helper()
	s.mu.Lock()
	body := s.bodies[i]
	s.mu.Unlock()

	b, err := epcis.Decode(body)
	require.NoError(t, err)
	return b
}

var fixtureEvents = StaticEvents{
	{Kind: epcis.ObjectEvent, EventTime: utc("2006-06-25T00:00:59Z"), RecordTime: utc("2006-06-25T00:10:00Z"), EPCList: []string{"e0"}, Action: "ADD"},
	{Kind: epcis.ObjectEvent, EventTime: utc("2006-06-25T00:01:00Z"), RecordTime: utc("2006-06-25T00:10:00Z"), EPCList: []string{"e1"}, Action: "ADD"},
	{Kind: epcis.QuantityEvent, EventTime: utc("2006-06-25T00:01:30Z"), RecordTime: utc("2006-06-25T00:20:00Z"), EPCClass: "c", Quantity: epcis.Int64(5)},
	{Kind: epcis.ObjectEvent, EventTime: utc("2006-06-25T00:02:00Z"), RecordTime: utc("2006-06-25T00:20:00Z"), EPCList: []string{"e2"}, Action: "OBSERVE"},
	{Kind: epcis.ObjectEvent, EventTime: utc("2006-06-25T00:02:01Z"), RecordTime: utc("2006-06-25T00:20:00Z"), EPCList: []string{"e3"}, Action: "OBSERVE"},
}

func intervalRequest(t *testing.T, id, dest string) Request {
	set, err := rangeq.Compile("eventTime", "2006-06-25T00:01:00Z..2006-06-25T00:02:00Z")
	require.NoError(t, err)
	return Request{ID: id, Predicates: set, Destination: dest}
}

func TestLoopback_FireDeliversMatchingEvents(t *testing.T) {
	s, srv := newSink(t)
	lb := NewLoopback(fixtureEvents)
	defer lb.Close()

	require.NoError(t, lb.Subscribe(context.Background(), intervalRequest(t, "s1", srv.URL)))

	n, err := lb.Fire(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Equal(t, 1, s.count())

	b := s.batch(t, 0)
	assert.Equal(t, "s1", b.SubscriptionID)
	assert.Equal(t, DefaultQueryName, b.QueryName)
	require.Len(t, b.Events, 3)
	assert.Equal(t, []string{"e1"}, b.Events[0].EPCList)
	assert.Equal(t, epcis.QuantityEvent, b.Events[1].Kind)
	assert.Equal(t, []string{"e2"}, b.Events[2].EPCList, "inclusive upper bound")
}

func TestLoopback_WatermarkAdvances(t *testing.T) {
	s, srv := newSink(t)

	now := utc("2006-06-25T00:15:00Z")
	lb := NewLoopback(fixtureEvents, WithClock(func() time.Time { return now }))
	defer lb.Close()

	req := Request{ID: "s1", Destination: srv.URL, InitialRecordTime: utc("2006-06-25T00:05:00Z")}
	require.NoError(t, lb.Subscribe(context.Background(), req))

	n, err := lb.Fire(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// Only events recorded after the previous execution are reported
	n, err = lb.Fire(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	now = utc("2006-06-25T00:30:00Z")
	n, err = lb.Fire(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = lb.Fire(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 3, s.count(), "empty results are not reported by default")
}

func TestLoopback_InitialRecordTimeFilters(t *testing.T) {
	_, srv := newSink(t)
	lb := NewLoopback(fixtureEvents)
	defer lb.Close()

	req := Request{ID: "s1", Destination: srv.URL, InitialRecordTime: utc("2006-06-25T00:15:00Z")}
	require.NoError(t, lb.Subscribe(context.Background(), req))

	n, err := lb.Fire(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestLoopback_ReportIfEmpty(t *testing.T) {
	s, srv := newSink(t)
	lb := NewLoopback(StaticEvents{})
	defer lb.Close()

	require.NoError(t, lb.Subscribe(context.Background(), Request{ID: "quiet", Destination: srv.URL}))
	require.NoError(t, lb.Subscribe(context.Background(), Request{ID: "loud", Destination: srv.URL, ReportIfEmpty: true}))

	_, err := lb.Fire(context.Background(), "quiet")
	require.NoError(t, err)
	assert.Equal(t, 0, s.count())

	n, err := lb.Fire(context.Background(), "loud")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.Equal(t, 1, s.count())

	b := s.batch(t, 0)
	assert.Equal(t, "loud", b.SubscriptionID)
	assert.Empty(t, b.Events)
}

func TestLoopback_SubscribeErrors(t *testing.T) {
	_, srv := newSink(t)
	lb := NewLoopback(fixtureEvents)
	defer lb.Close()
	ctx := context.Background()

	require.NoError(t, lb.Subscribe(ctx, Request{ID: "s1", Destination: srv.URL}))

	err := lb.Subscribe(ctx, Request{ID: "s1", Destination: srv.URL})
	assert.True(t, IsDuplicateSubscription(err))

	err = lb.Subscribe(ctx, Request{ID: "s2", Destination: "mailto:someone"})
	var derr *InvalidDestinationError
	assert.True(t, errors.As(err, &derr))

	err = lb.Subscribe(ctx, Request{ID: "s3", Destination: srv.URL, Schedule: Schedule{Minute: "99"}})
	var serr *ScheduleRangeError
	assert.True(t, errors.As(err, &serr))

	err = lb.Subscribe(ctx, Request{ID: "s4", Destination: srv.URL, Schedule: Schedule{DayOfMonth: "31", Month: "4"}})
	assert.True(t, errors.As(err, &serr), "a schedule that never fires is rejected")

	assert.ElementsMatch(t, []string{"s1"}, lb.Subscriptions())
}

func TestLoopback_UnsubscribeUnknown(t *testing.T) {
	lb := NewLoopback(fixtureEvents)
	defer lb.Close()

	err := lb.Unsubscribe(context.Background(), "nope")
	assert.True(t, IsNoSuchSubscription(err))

	_, err = lb.Fire(context.Background(), "nope")
	assert.True(t, IsNoSuchSubscription(err))
}

func TestLoopback_DeliveryRejected(t *testing.T) {
	s, srv := newSink(t)
	s.status = http.StatusInternalServerError

	lb := NewLoopback(fixtureEvents)
	defer lb.Close()
	require.NoError(t, lb.Subscribe(context.Background(), Request{ID: "s1", Destination: srv.URL}))

	_, err := lb.Fire(context.Background(), "s1")
	assert.Error(t, err)
}

func TestLoopback_FailedDeliveryKeepsWatermark(t *testing.T) {
	s, srv := newSink(t)
	s.status = http.StatusServiceUnavailable

	now := utc("2006-06-25T00:30:00Z")
	lb := NewLoopback(fixtureEvents, WithClock(func() time.Time { return now }))
	defer lb.Close()

	req := Request{ID: "s1", Destination: srv.URL, InitialRecordTime: utc("2006-06-25T00:15:00Z")}
	require.NoError(t, lb.Subscribe(context.Background(), req))

	_, err := lb.Fire(context.Background(), "s1")
	require.Error(t, err)

	s.mu.Lock()
	s.status = http.StatusOK
	s.mu.Unlock()

	// The rejected events are reported again on the next execution
	n, err := lb.Fire(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Equal(t, 2, s.count())
	assert.Len(t, s.batch(t, 1).Events, 3)

	n, err = lb.Fire(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLoopback_ScheduledDelivery(t *testing.T) {
	s, srv := newSink(t)
	lb := NewLoopback(fixtureEvents)

	req := Request{ID: "tick", Destination: srv.URL, Schedule: Every(1), ReportIfEmpty: true}
	require.NoError(t, lb.Subscribe(context.Background(), req))

	require.Eventually(t, func() bool { return s.count() >= 1 }, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, lb.Unsubscribe(context.Background(), "tick"))
	lb.Close()

	after := s.count()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, after, s.count(), "no deliveries after unsubscribe")
}

func TestLoopback_ClosedRejectsSubscribe(t *testing.T) {
	lb := NewLoopback(fixtureEvents)
	lb.Close()

	err := lb.Subscribe(context.Background(), Request{ID: "s1", Destination: "http://127.0.0.1:1/"})
	assert.ErrorIs(t, err, ErrLoopbackClosed)
}

func TestManagerWithLoopback(t *testing.T) {
	_, srv := newSink(t)
	lb := NewLoopback(fixtureEvents)
	defer lb.Close()

	m := NewManager(lb)
	ctx := context.Background()

	_, err := m.Subscribe(ctx, intervalRequest(t, "s1", srv.URL))
	require.NoError(t, err)

	_, err = m.Subscribe(ctx, intervalRequest(t, "s1", srv.URL))
	assert.True(t, IsDuplicateSubscription(err))

	// Unknown at the repository: NoSuchSubscriptionError is swallowed
	require.NoError(t, lb.Unsubscribe(ctx, "s1"))
	assert.NoError(t, m.Teardown(ctx))
	assert.Empty(t, lb.Subscriptions())
}
