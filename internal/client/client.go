// Package client is the dialing side of the node protocol: a small RESP
// client plus typed wrappers for registration, dispatch, and object fetch.
//
// redcon only implements the server half, so the request encoding and reply
// parsing live here.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	perrors "github.com/capserve/capserve/pkg/errors"
)

// Error is a RESP error reply, already mapped through the error taxonomy by
// Do; this type only surfaces for codes outside it.
type Error string

func (e Error) Error() string { return string(e) }

// Conn is one protocol connection. Calls are serialized; a failed call
// poisons the connection and every later call fails fast until redial.
type Conn struct {
	mu     sync.Mutex
	nc     net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	broken bool
}

// Dial connects to a node.
func Dial(addr string) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, perrors.Wrap(perrors.ErrTransport, fmt.Sprintf("dial %s: %v", addr, err))
	}
	return &Conn{nc: nc, r: bufio.NewReader(nc), w: bufio.NewWriter(nc)}, nil
}

// Do sends one command and reads its reply. Replies decode to string (simple
// string), int64, []byte (bulk), []any (array), nil (null bulk), or an error.
// RESP error replies carrying a taxonomy code come back as the matching
// sentinel.
func (c *Conn) Do(ctx context.Context, args ...[]byte) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken {
		return nil, perrors.Wrap(perrors.ErrTransport, "connection is broken")
	}

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	c.nc.SetDeadline(deadline)

	if err := c.writeCommand(args); err != nil {
		c.broken = true
		return nil, perrors.Wrap(perrors.ErrTransport, err.Error())
	}
	reply, err := c.readReply()
	if err != nil {
		// Error replies were fully consumed off the wire; the connection
		// stays usable. Anything else leaves it in an unknown state.
		var respErr Error
		if errors.As(err, &respErr) || perrors.Code(err) != "ERR" {
			return nil, err
		}
		c.broken = true
		return nil, perrors.Wrap(perrors.ErrTransport, err.Error())
	}
	return reply, nil
}

func (c *Conn) writeCommand(args [][]byte) error {
	c.w.WriteByte('*')
	c.w.WriteString(strconv.Itoa(len(args)))
	c.w.WriteString("\r\n")
	for _, a := range args {
		c.w.WriteByte('$')
		c.w.WriteString(strconv.Itoa(len(a)))
		c.w.WriteString("\r\n")
		c.w.Write(a)
		c.w.WriteString("\r\n")
	}
	return c.w.Flush()
}

func (c *Conn) readReply() (any, error) {
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, io.ErrUnexpectedEOF
	}

	switch line[0] {
	case '+':
		return string(line[1:]), nil
	case '-':
		return nil, replyError(string(line[1:]))
	case ':':
		return strconv.ParseInt(string(line[1:]), 10, 64)
	case '$':
		n, err := strconv.Atoi(string(line[1:]))
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, nil
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return nil, err
		}
		return buf[:n], nil
	case '*':
		n, err := strconv.Atoi(string(line[1:]))
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, nil
		}
		items := make([]any, n)
		for i := range items {
			items[i], err = c.readReply()
			if err != nil {
				return nil, err
			}
		}
		return items, nil
	default:
		return nil, fmt.Errorf("unexpected reply type %q", line[0])
	}
}

func (c *Conn) readLine() ([]byte, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, fmt.Errorf("malformed reply line")
	}
	return line[:len(line)-2], nil
}

// replyError maps a RESP error message onto the taxonomy when it carries a
// known code.
func replyError(msg string) error {
	err := perrors.FromWire(msg)
	if perrors.Code(err) != "ERR" {
		return err
	}
	return Error(msg)
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broken = true
	return c.nc.Close()
}

// Pool keeps one connection per endpoint, redialing on the next call after a
// failure.
type Pool struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

func NewPool() *Pool {
	return &Pool{conns: make(map[string]*Conn)}
}

// Do runs a command against endpoint, dialing as needed. A transport failure
// drops the pooled connection so the next call redials, but the failed
// command is never resent: the command may have reached the node before the
// connection died, and commands like DISPATCH are not idempotent. Retrying
// is the caller's decision.
func (p *Pool) Do(ctx context.Context, endpoint string, args ...[]byte) (any, error) {
	conn, err := p.get(endpoint)
	if err != nil {
		return nil, err
	}
	reply, err := conn.Do(ctx, args...)
	if err != nil && errors.Is(err, perrors.ErrTransport) {
		p.drop(endpoint, conn)
	}
	return reply, err
}

func (p *Pool) get(endpoint string) (*Conn, error) {
	p.mu.Lock()
	conn := p.conns[endpoint]
	p.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	conn, err := Dial(endpoint)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if existing := p.conns[endpoint]; existing != nil {
		p.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	p.conns[endpoint] = conn
	p.mu.Unlock()
	return conn, nil
}

func (p *Pool) drop(endpoint string, conn *Conn) {
	p.mu.Lock()
	if p.conns[endpoint] == conn {
		delete(p.conns, endpoint)
	}
	p.mu.Unlock()
	conn.Close()
}

// Close closes every pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*Conn)
	p.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
