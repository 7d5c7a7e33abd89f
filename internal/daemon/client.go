package daemon

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/ehrlich-b/historian"
)

// Client connects to a daemon via Unix socket. It is not safe for
// concurrent use.
type Client struct {
	conn    net.Conn
	writer  *bufio.Writer
	scanner *bufio.Scanner
}

// Connect connects to a daemon at the given socket path.
func Connect(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB buffer

	return &Client{
		conn:    conn,
		writer:  bufio.NewWriter(conn),
		scanner: scanner,
	}, nil
}

// Close closes the connection. Unflushed records may be lost; call Flush first.
func (c *Client) Close() error {
	werr := c.writer.Flush()
	return errors.Join(werr, c.conn.Close())
}

// Record sends one record. The daemon does not acknowledge records;
// rejections surface on the next Flush.
func (c *Client) Record(level historian.Level, tag, message string) error {
	return c.send(TypeRecord, Record{Level: int(level), Tag: tag, Message: message})
}

// Flush asks the daemon to persist everything it has received and waits
// for the answer.
func (c *Client) Flush() error {
	if err := c.send(TypeFlush, nil); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}

	// Skip errors reported for earlier records, but remember the first.
	var first error
	for {
		msgType, payload, err := c.recv()
		if err != nil {
			return err
		}
		switch msgType {
		case TypeFlushed:
			return first
		case TypeError:
			msg, _ := DecodePayload[Error](payload)
			if first == nil {
				first = fmt.Errorf("daemon error: %s", msg.Message)
			}
		default:
			return fmt.Errorf("unexpected response type: %s", msgType)
		}
	}
}

func (c *Client) send(msgType string, payload any) error {
	data, err := Encode(msgType, payload)
	if err != nil {
		return err
	}
	if _, err := c.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

func (c *Client) recv() (string, json.RawMessage, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("connection closed")
	}
	return Decode(c.scanner.Bytes())
}

// IsDaemonRunning checks if a daemon is running at the given socket path.
func IsDaemonRunning(socketPath string) bool {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
