package ipc

import (
	"fmt"
	"net"
	"time"

	"github.com/nixpig/shellcompose/internal/protocol"
)

// PingTimeout bounds the liveness check against an existing socket file.
const PingTimeout = 500 * time.Millisecond

// Client is one connection to the daemon, already past the version
// handshake.
type Client struct {
	conn net.Conn
}

// Dial connects to the daemon socket and performs the version handshake.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, PingTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}

	c := &Client{conn: conn}

	if err := c.Send(&protocol.Hello{Version: protocol.Version}); err != nil {
		conn.Close()
		return nil, err
	}

	reply, err := c.recvDeadline(PingTimeout)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}

	switch reply := reply.(type) {
	case *protocol.HelloOK:
		return c, nil
	case *protocol.Error:
		conn.Close()
		return nil, reply
	default:
		conn.Close()
		return nil, protocol.NewError(protocol.KindProtocolError, fmt.Sprintf("unexpected handshake reply %T", reply))
	}
}

// Ping reports whether a live daemon answers on path within PingTimeout.
func Ping(path string) error {
	c, err := Dial(path)
	if err != nil {
		return err
	}

	return c.Close()
}

func (c *Client) Send(msg any) error {
	return protocol.WriteMessage(c.conn, msg)
}

func (c *Client) Recv() (any, error) {
	return protocol.ReadMessage(c.conn)
}

func (c *Client) recvDeadline(d time.Duration) (any, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(d))
	defer c.conn.SetReadDeadline(time.Time{})

	return protocol.ReadMessage(c.conn)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// EnsureDaemon pings the socket and, when nothing answers, invokes start
// to launch the daemon, polling until it binds or the wait limit passes.
func EnsureDaemon(path string, start func() error) error {
	if Ping(path) == nil {
		return nil
	}

	if err := start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if Ping(path) == nil {
			return nil
		}

		time.Sleep(50 * time.Millisecond)
	}

	return fmt.Errorf("daemon did not answer on %s", path)
}
