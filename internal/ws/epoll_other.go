//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is the portable poller used off Linux. It cannot test a socket for
// readiness without consuming bytes, so it hands each connection to Wait
// immediately and again after every Resume; the worker's read then blocks
// until a frame arrives or the server's read timeout expires.
type Epoll struct {
	mu      sync.Mutex
	resume  map[net.Conn]chan struct{}
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates the portable poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		resume:  make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers conn and reports it ready once.
func (e *Epoll) Add(conn net.Conn) error {
	ch := make(chan struct{}, 1)
	ch <- struct{}{}

	e.mu.Lock()
	e.resume[conn] = ch
	e.mu.Unlock()

	go e.monitor(conn, ch)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, resume chan struct{}) {
	for {
		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
	}
}

// Resume re-arms conn after a worker has finished reading from it.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.resume[conn]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Remove unregisters conn and stops its monitor.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.resume[conn]; ok {
		close(ch)
		delete(e.resume, conn)
	}
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection ready at that moment.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops every monitor.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

func isEINTR(error) bool { return false }

func socketFD(net.Conn) int { return -1 }
