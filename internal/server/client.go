package server

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

const writeTimeout = 10 * time.Second

// client wraps one TCP connection behind the session.Conn interface.
// Writes are serialized so replies and background pushes never interleave.
type client struct {
	id   uuid.UUID
	conn net.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newClient(conn net.Conn) *client {
	return &client{id: uuid.New(), conn: conn}
}

func (c *client) ID() uuid.UUID { return c.id }

func (c *client) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *client) Send(text string) error {
	data, err := encodeText(text)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *client) SendBlob(tag string, blob []byte) error {
	data, err := encodeBlob(tag, "", blob)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *client) sendReplyBlob(tag, text string, blob []byte) error {
	data, err := encodeBlob(tag, text, blob)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(data)
	return err
}

func (c *client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
