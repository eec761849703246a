package uds

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrUnreachable wraps dial failures so callers can fall back to offline paths.
var ErrUnreachable = errors.New("daemon unreachable")

// Client issues one request per connection against a daemon socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 30 * time.Second}
}

// SetTimeout bounds dialing and the whole request/response exchange.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Call sends command and decodes the result into out, which may be nil.
// A daemon-side failure comes back as *ErrorDetail, a missing daemon as
// ErrUnreachable.
func (c *Client) Call(command string, params, out any) error {
	resp, err := c.SendCommand(command, params)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// Send writes req as is and returns the raw response.
func (c *Client) Send(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %w\nIs the daemon running? Start it with: courier daemon",
			ErrUnreachable, c.socketPath, err)
	}
	defer func() { _ = conn.Close() }()
	return exchange(conn, req, time.Now().Add(c.timeout))
}

func exchange(conn net.Conn, req *Request, deadline time.Time) (*Response, error) {
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Command, err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Command, err)
	}
	return &resp, nil
}
