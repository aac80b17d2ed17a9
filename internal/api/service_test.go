package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmdmdm-nz/netwatchd/internal/connectivity"
	"github.com/dmdmdm-nz/netwatchd/pkg/version"
)

// mockMonitor is a mock implementation of Monitor for testing
type mockMonitor struct {
	up       atomic.Bool
	rechecks atomic.Int32
}

func (m *mockMonitor) IsUp() bool { return m.up.Load() }

func (m *mockMonitor) Status() connectivity.Status {
	return connectivity.Status{
		Up:      m.up.Load(),
		Enabled: true,
		Target:  connectivity.DefaultTarget,
		Period:  30 * time.Second,
		Checks:  3,
	}
}

func (m *mockMonitor) Recheck() { m.rechecks.Add(1) }

func newTestService() (*Service, *mockMonitor) {
	mon := &mockMonitor{}
	return NewService("127.0.0.1", 0, mon), mon
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestService()
	rec := do(t, s.Router(), http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReady_FollowsMonitor(t *testing.T) {
	s, mon := newTestService()
	h := s.Router()

	rec := do(t, h, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	mon.up.Store(true)
	rec = do(t, h, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatus_ReturnsJSON(t *testing.T) {
	s, mon := newTestService()
	mon.up.Store(true)

	rec := do(t, s.Router(), http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st connectivity.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.True(t, st.Up)
	assert.True(t, st.Enabled)
	assert.Equal(t, connectivity.DefaultTarget, st.Target)
	assert.Equal(t, uint64(3), st.Checks)
	assert.NotContains(t, rec.Body.String(), "lastCheck")
}

func TestCheck_RequestsRecheck(t *testing.T) {
	s, mon := newTestService()
	h := s.Router()

	rec := do(t, h, http.MethodPost, "/check")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, int32(1), mon.rechecks.Load())

	rec = do(t, h, http.MethodGet, "/check")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, int32(1), mon.rechecks.Load())
}

func TestVersion(t *testing.T) {
	s, _ := newTestService()
	rec := do(t, s.Router(), http.MethodGet, "/version")
	require.Equal(t, http.StatusOK, rec.Code)

	var info version.Info
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, version.Version, info.Version)
	assert.False(t, info.Release)
}

func TestUnknownRoute(t *testing.T) {
	s, _ := newTestService()
	rec := do(t, s.Router(), http.MethodGet, "/tunnels")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORS(t *testing.T) {
	s, _ := newTestService()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestPublish_NoSubscribers(t *testing.T) {
	s, _ := newTestService()
	assert.NotPanics(t, func() {
		s.Publish(connectivity.NewEvent(true))
	})
}

func dialEvents(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func readEvent(t *testing.T, c *websocket.Conn) connectivity.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var ev connectivity.Event
	require.NoError(t, wsjson.Read(ctx, c, &ev))
	return ev
}

func TestEvents_SnapshotThenTransitions(t *testing.T) {
	s, mon := newTestService()
	mon.up.Store(true)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()
	defer s.Close()

	c := dialEvents(t, srv)

	snap := readEvent(t, c)
	assert.True(t, snap.Snapshot)
	assert.True(t, snap.Up())

	lost := connectivity.NewEvent(false)
	restored := connectivity.NewEvent(true)
	s.Publish(lost)
	s.Publish(restored)

	got := readEvent(t, c)
	assert.Equal(t, lost.ID, got.ID)
	assert.Equal(t, connectivity.ConnectionLost, got.Type)
	assert.False(t, got.Snapshot)

	got = readEvent(t, c)
	assert.Equal(t, restored.ID, got.ID)
}

func TestEvents_FanOut(t *testing.T) {
	s, _ := newTestService()
	srv := httptest.NewServer(s.Router())
	defer srv.Close()
	defer s.Close()

	a := dialEvents(t, srv)
	b := dialEvents(t, srv)
	assert.False(t, readEvent(t, a).Up())
	assert.False(t, readEvent(t, b).Up())

	ev := connectivity.NewEvent(true)
	s.Publish(ev)

	assert.Equal(t, ev.ID, readEvent(t, a).ID)
	assert.Equal(t, ev.ID, readEvent(t, b).ID)
}

func TestEvents_ClientDisconnectUnsubscribes(t *testing.T) {
	s, _ := newTestService()
	srv := httptest.NewServer(s.Router())
	defer srv.Close()
	defer s.Close()

	c := dialEvents(t, srv)
	readEvent(t, c)
	assert.Equal(t, 1, s.subscribers())

	c.Close(websocket.StatusNormalClosure, "")

	assert.Eventually(t, func() bool {
		return s.subscribers() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEvents_CloseEndsStream(t *testing.T) {
	s, _ := newTestService()
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	c := dialEvents(t, srv)
	readEvent(t, c)

	require.NoError(t, s.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var ev connectivity.Event
	err := wsjson.Read(ctx, c, &ev)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	s, _ := newTestService()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	assert.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServe_AfterClose(t *testing.T) {
	s, _ := newTestService()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.NoError(t, s.Serve(context.Background(), ln))
}

func TestStart_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	s := NewService("127.0.0.1", port, &mockMonitor{})
	err = s.Start(context.Background())
	assert.ErrorContains(t, err, "listen on")
}
