package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/da-live/collab/internal/v1/logging"
	"github.com/da-live/collab/internal/v1/types"
)

// wsConnection is the slice of *websocket.Conn the pumps use; tests
// substitute mocks.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
)

// Connection is one client's WebSocket bound to a room. Frames queued
// before the socket is attached (the initial handshake frames) are
// delivered once the write pump starts.
type Connection struct {
	id         types.ConnIDType
	credential types.CredentialType
	room       types.Roomer

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	conn     wsConnection
	readOnly bool
}

func newConnection(credential types.CredentialType) *Connection {
	return &Connection{
		id:         types.ConnIDType(uuid.NewString()),
		credential: credential,
		send:       make(chan []byte, sendBufferSize),
		done:       make(chan struct{}),
	}
}

func (c *Connection) GetID() types.ConnIDType {
	return c.id
}

func (c *Connection) GetCredential() types.CredentialType {
	return c.credential
}

func (c *Connection) IsReadOnly() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readOnly
}

func (c *Connection) SetReadOnly(readOnly bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readOnly = readOnly
}

// Send enqueues a binary frame. It never blocks: a client too slow to
// drain its buffer is disconnected, since a silently dropped sync update
// would leave it stale until the next full handshake. It resyncs on
// reconnect instead.
func (c *Connection) Send(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "connection send buffer full, disconnecting slow client",
			zap.String("conn", string(c.id)))
		c.Disconnect()
	}
}

// Disconnect closes the connection. Idempotent; safe from any goroutine.
func (c *Connection) Disconnect() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	})
}

// attach binds the upgraded socket and room, then starts the pumps.
func (c *Connection) attach(conn wsConnection, room types.Roomer) {
	c.mu.Lock()
	c.conn = conn
	c.room = room
	c.mu.Unlock()
	go c.writePump()
	go c.readPump()
}

func (c *Connection) readPump() {
	defer func() {
		c.Disconnect()
		c.room.HandleClose(c)
	}()
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		c.room.HandleMessage(c, data)
	}
}

func (c *Connection) writePump() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				c.Disconnect()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
