package core

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTimeout = time.Second

type wsFixture struct {
	cm       *ConnManager
	server   *httptest.Server
	opened   chan ConnID
	closed   chan ConnID
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	t        *testing.T
	tearDown func()
}

func newWSFixture(t *testing.T) *wsFixture {
	ctx, cancel := context.WithCancel(context.Background())

	f := &wsFixture{
		opened: make(chan ConnID, 8),
		closed: make(chan ConnID, 8),
		cancel: cancel,
		t:      t,
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	f.cm = NewConnManager(ctx, &f.wg, logger)
	f.cm.OnConnectionOpened(func(id ConnID) { f.opened <- id })
	f.cm.OnConnectionClosed(func(id ConnID) { f.closed <- id })

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.cm.Connect(w, r)
	}))

	f.tearDown = func() {
		f.server.Close()
		cancel()
	}
	return f
}

func (f *wsFixture) dial() (*websocket.Conn, ConnID) {
	url := strings.Replace(f.server.URL, "http://", "ws://", 1)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(f.t, err)

	select {
	case id := <-f.opened:
		return conn, id
	case <-time.After(baseTimeout):
		f.t.Fatal("timeout waiting for connection to open")
		return nil, ""
	}
}

func TestConnManagerConnect(t *testing.T) {
	f := newWSFixture(t)
	defer f.tearDown()

	conn, id := f.dial()
	defer conn.Close()

	require.NotEmpty(t, id)
	f.cm.mu.RLock()
	_, ok := f.cm.conns[id]
	f.cm.mu.RUnlock()
	assert.True(t, ok, "connection should be tracked by the manager")
}

func TestConnManagerReceive(t *testing.T) {
	f := newWSFixture(t)
	defer f.tearDown()

	conn, id := f.dial()
	defer conn.Close()

	var buf bytes.Buffer
	require.NoError(t, EncodeEvent(&buf, &Event{Type: "identify", AckID: "ack-1"}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, buf.Bytes()))

	select {
	case e := <-f.cm.Receive():
		assert.Equal(t, "identify", e.Type)
		assert.Equal(t, "ack-1", e.AckID)
		// the manager stamps the receiving connection onto the event
		assert.Equal(t, id, e.ConnID)
	case <-time.After(baseTimeout):
		t.Fatal("timeout waiting for event")
	}
}

func TestConnManagerSendToConn(t *testing.T) {
	f := newWSFixture(t)
	defer f.tearDown()

	conn, id := f.dial()
	defer conn.Close()

	e, err := NewEvent("user-online", map[string]string{"userID": "u-1"})
	require.NoError(t, err)
	f.cm.SendToConn(id, e)

	conn.SetReadDeadline(time.Now().Add(baseTimeout))
	_, r, err := conn.NextReader()
	require.NoError(t, err)

	var got Event
	require.NoError(t, DecodeEvent(r, &got))
	assert.Equal(t, "user-online", got.Type)

	// sends to unknown connections are dropped, not a panic
	f.cm.SendToConn("no-such-conn", e)
}

func TestConnManagerSlowConsumer(t *testing.T) {
	f := newWSFixture(t)
	defer f.tearDown()

	// a connection whose write pump never drains, registered by hand so
	// the buffer state is deterministic
	stalled := &Conn{id: "conn-stalled", writeStream: make(chan *Event, 1)}
	f.cm.mu.Lock()
	f.cm.conns[stalled.id] = stalled
	f.cm.mu.Unlock()

	e, err := NewEvent("user-online", map[string]string{"userID": "u-1"})
	require.NoError(t, err)
	f.cm.SendToConn(stalled.id, e)

	// a send to the full buffer must return instead of stalling the caller
	done := make(chan struct{})
	go func() {
		f.cm.SendToConn(stalled.id, e)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(baseTimeout):
		t.Fatal("send to a full write buffer blocked")
	}

	select {
	case closedID := <-f.closed:
		assert.Equal(t, stalled.id, closedID)
	case <-time.After(baseTimeout):
		t.Fatal("timeout waiting for the stalled connection to be dropped")
	}

	f.cm.mu.RLock()
	_, ok := f.cm.conns[stalled.id]
	f.cm.mu.RUnlock()
	assert.False(t, ok, "stalled connection should be removed from the manager")
}

func TestConnManagerDisconnect(t *testing.T) {
	f := newWSFixture(t)
	defer f.tearDown()

	conn, id := f.dial()

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	select {
	case closedID := <-f.closed:
		assert.Equal(t, id, closedID)
	case <-time.After(baseTimeout):
		t.Fatal("timeout waiting for close callback")
	}

	require.Eventually(t, func() bool {
		f.cm.mu.RLock()
		defer f.cm.mu.RUnlock()
		_, ok := f.cm.conns[id]
		return !ok
	}, baseTimeout, baseTimeout/20, "connection should be removed from the manager")
}
