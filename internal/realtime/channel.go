package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tinywideclouds/go-trigger-relay/pkg/relay"
)

const defaultWriteTimeout = 10 * time.Second

// wsChannel adapts a gorilla websocket connection to relay.Channel.
// gorilla allows one concurrent writer, so writes are serialized.
type wsChannel struct {
	id           string
	userID       string
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	done         chan struct{}
	closeOnce    sync.Once
}

func newWSChannel(userID string, conn *websocket.Conn, writeTimeout time.Duration) *wsChannel {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &wsChannel{
		id:           uuid.NewString(),
		userID:       userID,
		conn:         conn,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (c *wsChannel) ID() string            { return c.id }
func (c *wsChannel) UserID() string        { return c.userID }
func (c *wsChannel) Done() <-chan struct{} { return c.done }

// Send writes one frame. Writes to a closed channel are dropped silently.
func (c *wsChannel) Send(ctx context.Context, frame relay.Frame) error {
	if c.isClosed() {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return nil
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)

	if err := c.conn.WriteJSON(frame); err != nil {
		if c.isClosed() {
			return nil
		}
		return fmt.Errorf("failed to write %s frame to channel %s: %w", frame.Event, c.id, err)
	}
	return nil
}

func (c *wsChannel) markClosed() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *wsChannel) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
