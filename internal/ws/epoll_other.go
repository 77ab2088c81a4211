//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is a goroutine-per-connection stand-in for platforms without epoll.
// Each monitor peeks the buffered reader, so no bytes are consumed, and
// waits for Resume before peeking again.
type Epoll struct {
	mu     sync.Mutex
	rearm  map[*Connection]chan struct{}
	ready  chan *Connection
	done   chan struct{}
	closed bool
}

func NewEpoll() (*Epoll, error) {
	return &Epoll{
		rearm: make(map[*Connection]chan struct{}),
		ready: make(chan *Connection, 128),
		done:  make(chan struct{}),
	}, nil
}

func (e *Epoll) Add(c *Connection) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return net.ErrClosed
	}
	rearm := make(chan struct{}, 1)
	e.rearm[c] = rearm
	go e.monitor(c, rearm)
	return nil
}

func (e *Epoll) monitor(c *Connection, rearm chan struct{}) {
	for {
		// An error also counts as readiness: the worker's read sees it.
		_, err := c.reader.Peek(1)
		select {
		case e.ready <- c:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case _, ok := <-rearm:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

func (e *Epoll) Resume(c *Connection) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rearm, ok := e.rearm[c]
	if !ok {
		return net.ErrClosed
	}
	select {
	case rearm <- struct{}{}:
	default:
	}
	return nil
}

func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rearm, ok := e.rearm[c]; ok {
		delete(e.rearm, c)
		close(rearm)
	}
	return nil
}

// Wait blocks until at least one connection is ready, then drains whatever
// else is ready without blocking.
func (e *Epoll) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-e.ready:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []*Connection{first}
	for {
		select {
		case c := <-e.ready:
			conns = append(conns, c)
		default:
			return conns, nil
		}
	}
}

func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.done)
	}
	e.rearm = make(map[*Connection]chan struct{})
	return nil
}

func isEINTR(error) bool { return false }
