// Package stream implements the bridge between a running streaming handler
// and the outbound transport: an ordered queue of messages terminated by
// exactly one sentinel (clean close or error).
package stream

import (
	"fmt"
	"io"
	"sync"

	perrors "github.com/capserve/capserve/pkg/errors"
)

// Stream carries an ordered sequence of response messages from one producer
// to one consumer running on different goroutines. The queue is unbounded;
// backpressure, if any, belongs to the transport draining it, and so does any
// timeout. The stream itself never imposes one.
type Stream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
	err    error // terminal error, set by Error
}

// New creates an open stream.
func New() *Stream {
	s := &Stream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Send enqueues one message. Sending on a closed stream is a programming
// error and fails loudly rather than being dropped.
func (s *Stream) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return perrors.ErrStreamClosed
	}
	s.queue = append(s.queue, msg)
	s.cond.Signal()
	return nil
}

// Close terminates the stream cleanly. The consumer drains any queued
// messages, then observes io.EOF. Closing twice is a no-op.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.cond.Signal()
}

// Error terminates the stream with a failure. Messages already queued are
// still delivered in order; after them the consumer observes the error
// instead of io.EOF.
func (s *Stream) Error(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.err = fmt.Errorf("%w: %s", perrors.ErrHandler, msg)
	s.closed = true
	s.cond.Signal()
}

// Fail terminates the stream with an error that is already classified.
// Unlike Error, the error is kept as-is, so a taxonomy sentinel wrapped by
// the router or a transport survives to the consumer. Fail after the
// terminal marker is a no-op.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	s.cond.Signal()
}

// Recv blocks until a message or the terminal marker is available. It returns
// (msg, nil) for data, (nil, io.EOF) after a clean close, and (nil, err) after
// an Error termination. Calls after the terminal marker keep returning it.
func (s *Stream) Recv() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}

	if len(s.queue) > 0 {
		msg := s.queue[0]
		s.queue = s.queue[1:]
		return msg, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

// Drain consumes the stream until the terminal marker, invoking fn per
// message. A clean close returns nil; an Error termination returns that
// error; an fn failure stops the drain and is returned as-is.
func (s *Stream) Drain(fn func(msg []byte) error) error {
	for {
		msg, err := s.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}

// Closed reports whether the stream has been terminated. The producer may use
// it to stop generating early when it shares shutdown state with the closer.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
