package admin

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maxpert/pushwatch/epcis"
	"github.com/maxpert/pushwatch/gate"
	"github.com/maxpert/pushwatch/journal"
	"github.com/maxpert/pushwatch/listener"
	"github.com/maxpert/pushwatch/rangeq"
	"github.com/maxpert/pushwatch/relay"
	"github.com/maxpert/pushwatch/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeListener struct{}

func (fakeListener) State() listener.State { return listener.Running }
func (fakeListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}
}
func (fakeListener) Received() uint64 { return 2 }

type fakeRelays []relay.Status

func (f fakeRelays) Statuses() []relay.Status { return f }

type acceptAll struct{}

func (acceptAll) Subscribe(context.Context, subscription.Request) error { return nil }
func (acceptAll) Unsubscribe(context.Context, string) error             { return nil }

var samplePush = epcis.ResultBatch{
	QueryName:      "SimpleEventQuery",
	SubscriptionID: "sub-1",
	Events: []epcis.Event{{
		Kind:      epcis.ObjectEvent,
		EventTime: time.Date(2006, 6, 25, 0, 1, 0, 0, time.UTC),
		EPCList:   []string{"urn:epc:id:sgtin:1.2.3"},
		Action:    "ADD",
	}},
}

type envelope struct {
	Data     json.RawMessage `json:"data"`
	HasMore  bool            `json:"has_more"`
	LastKey  string          `json:"last_key"`
	ErrorMsg string          `json:"error"`
}

func setup(t *testing.T, secret string) (*httptest.Server, *journal.Journal, *subscription.Manager) {
	t.Helper()

	j, err := journal.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	doc, err := epcis.Encode(samplePush)
	require.NoError(t, err)
	_, err = j.Append(gate.Push{Seq: 1, Payload: doc, ReceivedAt: time.Now(), Remote: "127.0.0.1:5000"})
	require.NoError(t, err)
	_, err = j.Append(gate.Push{Seq: 2, Payload: []byte(`<?xml version="1.0"?><junk/>`), ReceivedAt: time.Now()})
	require.NoError(t, err)

	m := subscription.NewManager(acceptAll{})
	set, err := rangeq.Compile("eventTime", "2006-06-25T00:00:00Z..2006-06-26T00:00:00Z")
	require.NoError(t, err)
	_, err = m.Subscribe(context.Background(), subscription.Request{
		ID:          "sub-1",
		Predicates:  set,
		Destination: "http://127.0.0.1:9999/",
		Schedule:    subscription.Every(10),
	})
	require.NoError(t, err)

	h := NewHandlers(Sources{
		HarnessID:     "ci",
		Listener:      fakeListener{},
		Journal:       j,
		Subscriptions: m,
		Relays:        fakeRelays{{Name: "observers", Running: true, Cursor: 2, Published: 2}},
	})
	srv := httptest.NewServer(NewRouter(h, secret))
	t.Cleanup(srv.Close)
	return srv, j, m
}

func get(t *testing.T, url string, headers ...string) (int, envelope) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func TestStatus(t *testing.T) {
	srv, _, _ := setup(t, "")

	code, env := get(t, srv.URL+"/status")
	require.Equal(t, http.StatusOK, code)

	var view statusView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, "ci", view.HarnessID)
	require.NotNil(t, view.Listener)
	assert.Equal(t, "running", view.Listener.State)
	assert.Equal(t, "127.0.0.1:9999", view.Listener.Address)
	require.NotNil(t, view.JournalSeq)
	assert.Equal(t, uint64(2), *view.JournalSeq)
	assert.Equal(t, 1, view.Subscriptions)
	require.Len(t, view.Relays, 1)
	assert.Equal(t, "observers", view.Relays[0].Name)
}

func TestListPushes(t *testing.T) {
	srv, _, _ := setup(t, "")

	code, env := get(t, srv.URL+"/pushes")
	require.Equal(t, http.StatusOK, code)
	var pushes []pushSummary
	require.NoError(t, json.Unmarshal(env.Data, &pushes))
	require.Len(t, pushes, 2)
	assert.Equal(t, "sub-1", pushes[0].SubscriptionID)
	assert.Equal(t, "127.0.0.1:5000", pushes[0].Remote)
	assert.False(t, env.HasMore)

	code, env = get(t, srv.URL+"/pushes?limit=1")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &pushes))
	require.Len(t, pushes, 1)
	assert.True(t, env.HasMore)
	assert.Equal(t, "1", env.LastKey)

	code, env = get(t, srv.URL+"/pushes?from=1")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &pushes))
	require.Len(t, pushes, 1)
	assert.Equal(t, uint64(2), pushes[0].Seq)

	code, _ = get(t, srv.URL+"/pushes?limit=0")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = get(t, srv.URL+"/pushes?from=x")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGetPush(t *testing.T) {
	srv, j, _ := setup(t, "")

	code, env := get(t, srv.URL+"/pushes/1")
	require.Equal(t, http.StatusOK, code)
	var detail pushDetail
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	stored, err := j.Get(1)
	require.NoError(t, err)
	assert.Equal(t, string(stored.Payload), detail.Payload)

	code, env = get(t, srv.URL+"/pushes/99")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, env.ErrorMsg, "not found")

	code, _ = get(t, srv.URL+"/pushes/abc")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGetPushRaw(t *testing.T) {
	srv, j, _ := setup(t, "")

	resp, err := http.Get(srv.URL + "/pushes/1?raw=true")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	stored, err := j.Get(1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/xml")
	assert.Equal(t, stored.Payload, body)
}

func TestGetPushBatch(t *testing.T) {
	srv, _, _ := setup(t, "")

	code, env := get(t, srv.URL+"/pushes/1/batch")
	require.Equal(t, http.StatusOK, code)
	var batch epcis.ResultBatch
	require.NoError(t, json.Unmarshal(env.Data, &batch))
	assert.Equal(t, "sub-1", batch.SubscriptionID)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, []string{"urn:epc:id:sgtin:1.2.3"}, batch.Events[0].EPCList)

	code, _ = get(t, srv.URL+"/pushes/2/batch")
	assert.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestSubscriptions(t *testing.T) {
	srv, _, m := setup(t, "")

	code, env := get(t, srv.URL+"/subscriptions")
	require.Equal(t, http.StatusOK, code)
	var subs []subscriptionView
	require.NoError(t, json.Unmarshal(env.Data, &subs))
	require.Len(t, subs, 1)
	assert.Equal(t, "sub-1", subs[0].ID)
	assert.Equal(t, "active", subs[0].State)
	assert.Equal(t, subscription.DefaultQueryName, subs[0].QueryName)
	assert.NotEmpty(t, subs[0].Predicates)
	assert.NotEmpty(t, subs[0].Schedule)

	require.NoError(t, m.Unsubscribe(context.Background(), "sub-1"))
	_, env = get(t, srv.URL+"/subscriptions")
	require.NoError(t, json.Unmarshal(env.Data, &subs))
	assert.Empty(t, subs)
}

func TestRelays(t *testing.T) {
	srv, _, _ := setup(t, "")

	code, env := get(t, srv.URL+"/relays")
	require.Equal(t, http.StatusOK, code)
	var statuses []relay.Status
	require.NoError(t, json.Unmarshal(env.Data, &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, uint64(2), statuses[0].Cursor)
}

func TestDisabledComponents(t *testing.T) {
	srv := httptest.NewServer(NewRouter(NewHandlers(Sources{}), ""))
	defer srv.Close()

	code, env := get(t, srv.URL+"/status")
	require.Equal(t, http.StatusOK, code)
	var view statusView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Nil(t, view.Listener)
	assert.Nil(t, view.JournalSeq)

	code, _ = get(t, srv.URL+"/pushes")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = get(t, srv.URL+"/subscriptions")
	assert.Equal(t, http.StatusOK, code)
}

func TestAuthMiddleware(t *testing.T) {
	srv, _, _ := setup(t, "s3cret")

	code, _ := get(t, srv.URL+"/status")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = get(t, srv.URL+"/status", "Authorization", "Basic abc")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = get(t, srv.URL+"/status", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = get(t, srv.URL+"/status", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, code)

	code, _ = get(t, srv.URL+"/status", SecretHeader, "s3cret")
	assert.Equal(t, http.StatusOK, code)
}

func TestMetricsUnauthenticated(t *testing.T) {
	srv, _, _ := setup(t, "s3cret")

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEqual(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServerLifecycle(t *testing.T) {
	s := NewServer("127.0.0.1:0", NewHandlers(Sources{HarnessID: "x"}), "")
	assert.Nil(t, s.Addr())

	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	addr := s.Addr()
	require.NotNil(t, addr)

	code, _ := get(t, "http://"+addr.String()+"/status")
	assert.Equal(t, http.StatusOK, code)

	s.Stop()
	s.Stop()
	assert.Nil(t, s.Addr())
}
