package toolsurface

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is a thin line-delimited-JSON client for a SocketServer, the
// external-CLI-collaborator side of the transport spec.md §4.9 explicitly
// leaves unspecified. Grounded on internal/rpc/client.go's dial-then-
// write-line-then-read-line shape.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to a SocketServer listening at socketPath.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("toolsurface: dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Call sends req and waits for one Response.
func (c *Client) Call(req *Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')
	if _, err := c.conn.Write(data); err != nil {
		return nil, fmt.Errorf("toolsurface: write request: %w", err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("toolsurface: read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("toolsurface: decode response: %w", err)
	}
	return &resp, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
