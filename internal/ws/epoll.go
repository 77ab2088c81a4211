//go:build linux

package ws

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Registrations are one-shot: after an event fires the fd stays silent
// until Resume, so a connection is read by one worker at a time.
const pollEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLONESHOT

// waitTimeoutMs bounds EpollWait so the event loop notices shutdown.
const waitTimeoutMs = 200

// Epoll wraps Linux epoll for read readiness of many connections.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]*Connection
	events []unix.EpollEvent
}

func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		conns:  make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers c for the next read readiness event.
func (e *Epoll) Add(c *Connection) error {
	fd := socketFD(c.Conn)
	if fd < 0 {
		return fmt.Errorf("ws: connection %s has no file descriptor", c.ID)
	}
	c.fd = fd

	e.mu.Lock()
	e.conns[fd] = c
	e.mu.Unlock()

	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: pollEvents, Fd: int32(fd)}); err != nil {
		e.mu.Lock()
		delete(e.conns, fd)
		e.mu.Unlock()
		return err
	}
	return nil
}

// Resume re-arms c after a worker finished reading it.
func (e *Epoll) Resume(c *Connection) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.conns[c.fd] != c {
		return net.ErrClosed
	}
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, c.fd, &unix.EpollEvent{Events: pollEvents, Fd: int32(c.fd)})
}

// Remove must run before the connection is closed; once the fd is closed
// the kernel may hand the same number to a new connection.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c.fd < 0 || e.conns[c.fd] != c {
		return nil
	}
	delete(e.conns, c.fd)
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, c.fd, nil)
}

// Wait returns the connections that became readable. It returns an empty
// slice when the wait times out.
func (e *Epoll) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMs)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	conns := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := e.conns[int(e.events[i].Fd)]; ok {
			conns = append(conns, c)
		}
	}
	return conns, nil
}

func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.conns)
	return unix.Close(e.fd)
}

// socketFD extracts the descriptor without dup'ing it, as File() would.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}

func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}
