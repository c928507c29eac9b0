package core

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// ConnManager owns every live websocket connection of this process. It
// upgrades inbound requests, runs the read/write pumps, and exposes the
// merged inbound event stream. Users are not known at upgrade time; the
// identify event binds a connection to a user later.
type ConnManager struct {
	conns   map[ConnID]*Conn
	mu      sync.RWMutex
	connWg  *sync.WaitGroup
	context context.Context
	logger  *slog.Logger

	onConnectionOpened func(ConnID)
	onConnectionClosed func(ConnID)

	receivedEvent chan *Event

	upgrader        websocket.Upgrader
	ReadStreamSize  int
	WriteStreamSize int
}

var defaultUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type ManagerOption func(*ConnManager)

func WithCheckOrigin(f func(r *http.Request) bool) ManagerOption {
	return func(m *ConnManager) {
		m.upgrader.CheckOrigin = f
	}
}

func NewConnManager(context context.Context, wg *sync.WaitGroup, logger *slog.Logger, opts ...ManagerOption) *ConnManager {
	m := &ConnManager{
		connWg:             wg,
		conns:              make(map[ConnID]*Conn),
		logger:             logger,
		context:            context,
		upgrader:           defaultUpgrader,
		ReadStreamSize:     100,
		WriteStreamSize:    100,
		onConnectionOpened: func(ConnID) {},
		onConnectionClosed: func(ConnID) {},
	}

	for _, opt := range opts {
		opt(m)
	}

	m.receivedEvent = make(chan *Event, m.ReadStreamSize)

	return m
}

// Receive returns the merged stream of events read from all connections.
func (m *ConnManager) Receive() <-chan *Event {
	return m.receivedEvent
}

func (m *ConnManager) OnConnectionOpened(f func(ConnID)) {
	m.onConnectionOpened = f
}

func (m *ConnManager) OnConnectionClosed(f func(ConnID)) {
	m.onConnectionClosed = f
}

// Connect upgrades the request and starts the connection's pumps. It
// returns the assigned connection ID.
func (m *ConnManager) Connect(w http.ResponseWriter, r *http.Request) (ConnID, error) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return "", err
	}

	id := ConnID(uuid.New().String())
	wsConn := &Conn{
		id:          id,
		conn:        conn,
		context:     m.context,
		writeStream: make(chan *Event, m.WriteStreamSize),
		readStream:  m.receivedEvent,
		ticker:      time.NewTicker(pingPeriod),
		logger:      m.logger.With(slog.String("connection", string(id))),
		notifyDisconnect: func() {
			m.disconnect(id)
		},
	}
	m.mu.Lock()
	m.conns[id] = wsConn
	m.mu.Unlock()

	m.connWg.Add(1)
	go func() {
		defer m.connWg.Done()
		wsConn.readLoop()
	}()
	m.connWg.Add(1)
	go func() {
		defer m.connWg.Done()
		wsConn.writeLoop()
	}()

	m.onConnectionOpened(id)

	return id, nil
}

func (m *ConnManager) disconnect(id ConnID) {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	conn.close()
	delete(m.conns, id)
	m.mu.Unlock()

	m.onConnectionClosed(id)
}

// SendToConn delivers the event to one live connection. Unknown
// connections are a no-op. The send never blocks: a connection whose
// write buffer is full is not draining its socket, so the event is
// dropped and the connection is torn down instead of stalling the
// caller, which is the serial event router.
func (m *ConnManager) SendToConn(id ConnID, e *Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[id]
	if !ok {
		return
	}
	if !conn.trySend(e) {
		m.logger.Error("write buffer full, dropping connection", slog.String("connection", string(id)))
		go m.disconnect(id)
	}
}

// Send delivers the event to every live connection, with the same
// non-blocking contract as SendToConn.
func (m *ConnManager) Send(e *Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, conn := range m.conns {
		if !conn.trySend(e) {
			m.logger.Error("write buffer full, dropping connection", slog.String("connection", string(id)))
			go m.disconnect(id)
		}
	}
}
