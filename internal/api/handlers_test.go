package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roadside/internal/dispatch"
	"roadside/internal/estimate"
	"roadside/internal/events"
	"roadside/internal/presence"
	"roadside/internal/store"
)

type downEstimator struct{}

func (downEstimator) Estimate(context.Context, estimate.Input) (estimate.Quote, error) {
	return estimate.Quote{}, errors.New("pricing offline")
}

func newTestServer(t *testing.T, est estimate.Estimator) *httptest.Server {
	t.Helper()
	srv, _ := newTestServerWithPresence(t, est)
	return srv
}

func newTestServerWithPresence(t *testing.T, est estimate.Estimator) (*httptest.Server, presence.Registry) {
	t.Helper()
	st := store.NewMemory()
	broker := events.NewMemoryBroker()
	reg := presence.NewMemory(time.Minute)
	coord := dispatch.New(dispatch.Deps{
		Store:     st,
		Presence:  reg,
		Estimator: est,
		Events:    events.NewFanout(events.NewSequencer(broker, 20*time.Millisecond, nil)),
	}, dispatch.Config{EstimateTimeout: 200 * time.Millisecond})
	s := New(Options{Coordinator: coord, Store: st, Broker: broker, Presence: reg})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv, reg
}

func call(t *testing.T, srv *httptest.Server, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

var cityHall = map[string]any{"lat": 40.7128, "lng": -74.0060, "address": "City Hall"}

func putMechanic(t *testing.T, srv *httptest.Server, id string) {
	t.Helper()
	resp, _ := call(t, srv, http.MethodPut, "/v1/mechanics/"+id, "mechanic:"+id, map[string]any{
		"name":     id,
		"location": map[string]any{"lat": 40.72, "lng": -74.0},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func createBroadcast(t *testing.T, srv *httptest.Server, customer string) string {
	t.Helper()
	resp, out := call(t, srv, http.MethodPost, "/v1/requests", "customer:"+customer, map[string]any{
		"issueType": "battery",
		"location":  cityHall,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	req := out["request"].(map[string]any)
	return req["id"].(string)
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, estimate.Rules{})

	resp, out := call(t, srv, http.MethodGet, "/v1/requests", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
	assert.EqualValues(t, 401, out["status"])

	resp, _ = call(t, srv, http.MethodGet, "/v1/requests", "pilot:x", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateAndSingleWinnerOverHTTP(t *testing.T) {
	srv := newTestServer(t, estimate.Rules{})
	putMechanic(t, srv, "m-1")
	putMechanic(t, srv, "m-2")

	resp, out := call(t, srv, http.MethodPost, "/v1/requests", "customer:c-1", map[string]any{
		"issueType": "flat_tire",
		"location":  cityHall,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, out["quotationAvailable"])
	assert.Len(t, out["candidates"], 2)
	req := out["request"].(map[string]any)
	assert.Equal(t, "pending", req["status"])
	assert.Equal(t, "c-1", req["customerId"])
	assert.Equal(t, false, req["paymentEligible"])
	id := req["id"].(string)
	assert.Equal(t, "/v1/requests/"+id, resp.Header.Get("Location"))

	resp, out = call(t, srv, http.MethodPost, "/v1/requests/"+id+"/accept", "mechanic:m-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "assigned", out["status"])
	assert.Equal(t, "m-1", out["mechanicId"])

	resp, out = call(t, srv, http.MethodPost, "/v1/requests/"+id+"/accept", "mechanic:m-2", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "request_no_longer_available", out["kind"])
	assert.Equal(t, "This request is no longer available", out["title"])
}

func TestRolesEnforced(t *testing.T) {
	srv := newTestServer(t, estimate.Rules{})
	id := createBroadcast(t, srv, "c-1")

	resp, out := call(t, srv, http.MethodPost, "/v1/requests", "mechanic:m-1", map[string]any{"issueType": "battery", "location": cityHall})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", out["kind"])

	resp, _ = call(t, srv, http.MethodPost, "/v1/requests/"+id+"/accept", "customer:c-1", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = call(t, srv, http.MethodGet, "/v1/requests/"+id, "customer:c-2", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = call(t, srv, http.MethodPut, "/v1/mechanics/m-9", "mechanic:m-1", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, out = call(t, srv, http.MethodPost, "/v1/requests", "admin:a-1", map[string]any{"issueType": "battery", "location": cityHall})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", out["kind"])
}

func TestAcceptWithoutLocation(t *testing.T) {
	srv := newTestServer(t, estimate.Rules{})
	id := createBroadcast(t, srv, "c-1")

	resp, out := call(t, srv, http.MethodPost, "/v1/requests/"+id+"/accept", "mechanic:ghost", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "missing_location", out["kind"])
}

func TestCreateWithoutLocation(t *testing.T) {
	srv := newTestServer(t, estimate.Rules{})

	resp, out := call(t, srv, http.MethodPost, "/v1/requests", "customer:c-1", map[string]any{"issueType": "battery"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", out["kind"])
	assert.Equal(t, "location is required", out["detail"])

	resp, out = call(t, srv, http.MethodGet, "/v1/requests", "customer:c-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, out["items"])
}

func TestLifecycleToPayment(t *testing.T) {
	srv := newTestServer(t, downEstimator{})
	putMechanic(t, srv, "m-1")

	resp, out := call(t, srv, http.MethodPost, "/v1/requests", "customer:c-1", map[string]any{"issueType": "towing", "location": cityHall})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, false, out["quotationAvailable"])
	id := out["request"].(map[string]any)["id"].(string)

	resp, _ = call(t, srv, http.MethodPost, "/v1/requests/"+id+"/accept", "mechanic:m-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out = call(t, srv, http.MethodPost, "/v1/requests/"+id+"/status", "mechanic:m-1", map[string]any{"status": "completed"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_transition", out["kind"])
	assert.Contains(t, out["detail"], "cannot move from assigned to completed")

	for _, next := range []string{"enroute", "in_progress"} {
		resp, _ = call(t, srv, http.MethodPost, "/v1/requests/"+id+"/status", "mechanic:m-1", map[string]any{"status": next})
		require.Equal(t, http.StatusOK, resp.StatusCode, next)
	}

	resp, out = call(t, srv, http.MethodPost, "/v1/requests/"+id+"/status", "mechanic:m-1", map[string]any{"status": "completed"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "missing_amount", out["kind"])

	resp, out = call(t, srv, http.MethodPost, "/v1/requests/"+id+"/status", "mechanic:m-1", map[string]any{"status": "completed", "finalAmount": 120.5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, true, out["paymentEligible"])

	resp, out = call(t, srv, http.MethodPost, "/v1/requests/"+id+"/cancel", "customer:c-1", map[string]any{"reason": "changed mind"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "not_cancellable", out["kind"])

	resp, out = call(t, srv, http.MethodPost, "/v1/requests/"+id+"/notes", "customer:c-1", map[string]any{"text": "great service"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Len(t, out["notes"], 1)
}

func TestListScopedToCaller(t *testing.T) {
	srv := newTestServer(t, estimate.Rules{})
	createBroadcast(t, srv, "c-1")
	createBroadcast(t, srv, "c-1")
	createBroadcast(t, srv, "c-2")

	resp, out := call(t, srv, http.MethodGet, "/v1/requests", "customer:c-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["items"], 2)

	resp, out = call(t, srv, http.MethodGet, "/v1/requests?limit=10", "admin:a-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["items"], 3)

	resp, _ = call(t, srv, http.MethodGet, "/v1/requests?status=bogus", "admin:a-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNearbyAndHeartbeat(t *testing.T) {
	srv := newTestServer(t, estimate.Rules{})
	putMechanic(t, srv, "m-1")

	resp, _ := call(t, srv, http.MethodPost, "/v1/mechanics/m-1/heartbeat", "mechanic:m-1", map[string]any{"location": map[string]any{"lat": 40.713, "lng": -74.006}})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, out := call(t, srv, http.MethodGet, "/v1/mechanics/nearby?lat=40.7128&lng=-74.0060&radius=5", "customer:c-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["items"], 1)

	resp, _ = call(t, srv, http.MethodGet, "/v1/mechanics/nearby?lat=abc&lng=1", "customer:c-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = call(t, srv, http.MethodGet, "/v1/mechanics/nearby?lat=40&lng=-74", "mechanic:m-1", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = call(t, srv, http.MethodDelete, "/v1/mechanics/m-1/presence", "mechanic:m-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestOpsEndpoints(t *testing.T) {
	srv := newTestServer(t, estimate.Rules{})

	resp, out := call(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])

	resp, out = call(t, srv, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", out["status"])

	resp, out = call(t, srv, http.MethodGet, "/openapi.json", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "3.0.3", out["openapi"])

	resp, out = call(t, srv, http.MethodGet, "/v1/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Not Found", out["title"])
}

func TestRequestStreamSnapshotThenEvents(t *testing.T) {
	srv := newTestServer(t, estimate.Rules{})
	putMechanic(t, srv, "m-1")
	id := createBroadcast(t, srv, "c-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/requests/"+id+"/events/stream?access_token=customer:c-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	nextEvent := func() string {
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
				return name
			}
		}
		return ""
	}
	require.Equal(t, "snapshot", nextEvent())

	r2, _ := call(t, srv, http.MethodPost, "/v1/requests/"+id+"/accept", "mechanic:m-1", nil)
	require.Equal(t, http.StatusOK, r2.StatusCode)
	assert.Equal(t, events.TypeAccepted, nextEvent())
}

func TestWebSocketSubscriptions(t *testing.T) {
	srv := newTestServer(t, estimate.Rules{})
	putMechanic(t, srv, "m-1")
	id := createBroadcast(t, srv, "c-1")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws?access_token=customer:c-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() wsMessage {
		var m wsMessage
		require.NoError(t, conn.ReadJSON(&m))
		return m
	}
	require.NoError(t, conn.WriteJSON(wsMessage{Type: "connection_init"}))
	assert.Equal(t, "connection_ack", read().Type)

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "other", Payload: json.RawMessage(`{"channel":"user:c-2"}`)}))
	m := read()
	assert.Equal(t, "error", m.Type)
	assert.Equal(t, "other", m.ID)

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "mine", Payload: json.RawMessage(`{"channel":"user:c-1"}`)}))
	// ping/pong confirms the subscription is registered
	require.NoError(t, conn.WriteJSON(wsMessage{Type: "ping"}))
	assert.Equal(t, "pong", read().Type)

	resp, _ := call(t, srv, http.MethodPost, "/v1/requests/"+id+"/accept", "mechanic:m-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	m = read()
	require.Equal(t, "next", m.Type)
	assert.Equal(t, "mine", m.ID)
	var evt events.Event
	require.NoError(t, json.Unmarshal(m.Payload, &evt))
	assert.Equal(t, events.TypeAccepted, evt.Type)
	assert.Equal(t, id, evt.RequestID)
}

func TestPoolPresenceOutlivesOneSocket(t *testing.T) {
	srv, reg := newTestServerWithPresence(t, estimate.Rules{})
	putMechanic(t, srv, "m-1")
	ctx := context.Background()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws?access_token=mechanic:m-1"

	join := func() *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var m wsMessage
		require.NoError(t, conn.WriteJSON(wsMessage{Type: "connection_init"}))
		require.NoError(t, conn.ReadJSON(&m))
		sub, _ := json.Marshal(map[string]string{"channel": events.AvailableMechanics})
		require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "pool", Payload: sub}))
		require.NoError(t, conn.WriteJSON(wsMessage{Type: "ping"}))
		require.NoError(t, conn.ReadJSON(&m))
		require.Equal(t, "pong", m.Type)
		return conn
	}
	present := func() bool {
		ok, err := reg.IsPresent(ctx, "m-1")
		return err == nil && ok
	}

	phone, tablet := join(), join()
	require.True(t, present())

	require.NoError(t, phone.Close())
	assert.Never(t, func() bool { return !present() }, 300*time.Millisecond, 20*time.Millisecond)

	require.NoError(t, tablet.Close())
	assert.Eventually(t, func() bool { return !present() }, 2*time.Second, 20*time.Millisecond)
}
