package transport

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/zond/marionette"
	"github.com/zond/marionette/dispatch"
	"github.com/zond/marionette/wire"
)

const (
	// flushInterval is how often ambient envelopes queued between
	// controller batches are pushed out.
	flushInterval = 100 * time.Millisecond
	writeTimeout  = 10 * time.Second
)

// SocketHandler serves the push transport over WebSocket: every
// inbound message is a batch, every outbound message is a batch, and
// ambient events are pushed without waiting for the controller.
type SocketHandler struct {
	Dispatcher *dispatch.Dispatcher
	Upgrader   websocket.Upgrader
}

func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrading %v: %v", r.RemoteAddr, err)
		return
	}
	session := uuid.NewString()
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writeMutex := &sync.Mutex{}
	write := func(batch wire.Batch) error {
		if len(batch) == 0 {
			return nil
		}
		body, err := wire.MarshalBatch(batch)
		if err != nil {
			return marionette.WithStack(err)
		}
		writeMutex.Lock()
		defer writeMutex.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return marionette.WithStack(conn.WriteMessage(websocket.TextMessage, body))
	}

	go func() {
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := write(h.Dispatcher.Flush()); err != nil {
					log.Printf("session %s: pushing: %v", session, err)
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, body, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("session %s: reading: %v", session, err)
			}
			return
		}
		batch, err := wire.UnmarshalBatch(body)
		if err != nil {
			log.Printf("session %s: bad batch: %v", session, err)
			continue
		}
		out, err := h.Dispatcher.HandleBatch(ctx, batch)
		if err != nil {
			log.Printf("session %s: %v", session, err)
			return
		}
		if err := write(out); err != nil {
			log.Printf("session %s: responding: %v", session, err)
			return
		}
	}
}

// SocketClient is the controller side of the push transport.
type SocketClient struct {
	conn *websocket.Conn

	mutex   sync.Mutex
	pending []wire.Batch
	readErr error
	wake    chan struct{}
}

// DialSocket connects to a SocketHandler and starts buffering pushed
// batches.
func DialSocket(ctx context.Context, url string) (*SocketClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, marionette.WithStack(err)
	}
	c := &SocketClient{
		conn: conn,
		wake: make(chan struct{}, 1),
	}
	go c.readLoop()
	return c, nil
}

func (c *SocketClient) readLoop() {
	for {
		_, body, err := c.conn.ReadMessage()
		c.mutex.Lock()
		if err != nil {
			c.readErr = marionette.WithStack(err)
			c.mutex.Unlock()
			select {
			case c.wake <- struct{}{}:
			default:
			}
			return
		}
		if batch, err := wire.UnmarshalBatch(body); err == nil && len(batch) > 0 {
			c.pending = append(c.pending, batch)
		}
		c.mutex.Unlock()
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

func (c *SocketClient) SendBatch(ctx context.Context, batch wire.Batch) error {
	body, err := wire.MarshalBatch(batch)
	if err != nil {
		return marionette.WithStack(err)
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return marionette.WithStack(c.conn.WriteMessage(websocket.TextMessage, body))
}

// ReceiveBatch returns the oldest buffered batch, or an empty batch if
// none has been pushed.
func (c *SocketClient) ReceiveBatch(ctx context.Context) (wire.Batch, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(c.pending) > 0 {
		batch := c.pending[0]
		c.pending = c.pending[1:]
		return batch, nil
	}
	if c.readErr != nil {
		return nil, c.readErr
	}
	return wire.Batch{}, nil
}

// WaitReceive blocks until a batch arrives, the connection fails or
// the context ends.
func (c *SocketClient) WaitReceive(ctx context.Context) (wire.Batch, error) {
	for {
		batch, err := c.ReceiveBatch(ctx)
		if err != nil || len(batch) > 0 {
			return batch, err
		}
		select {
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		case <-c.wake:
		}
	}
}

func (c *SocketClient) Close() error {
	return marionette.WithStack(c.conn.Close())
}
