//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll is a goroutine-per-connection stand-in for platforms without epoll.
// Each registered connection is wrapped in a peekConn whose monitor goroutine
// peeks (without consuming) for the next byte and reports the connection
// ready. The monitor then waits for Rearm before peeking again, so it never
// reads concurrently with the frame reader.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*peekConn // raw conn -> wrapper
	readyCh chan net.Conn
	done    chan struct{}
}

// peekConn serves reads from a buffer shared with the monitor goroutine.
// Writes go straight to the embedded connection.
type peekConn struct {
	net.Conn
	r     *bufio.Reader
	fd    int
	rearm chan struct{}
	gone  chan struct{}
	once  sync.Once
}

func (p *peekConn) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

func (p *peekConn) stop() {
	p.once.Do(func() { close(p.gone) })
}

var (
	fdMu   sync.Mutex
	fdNext = 1
	fds    = make(map[net.Conn]int)
)

// NewEpoll creates a fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*peekConn),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add wraps conn and starts its monitor goroutine.
func (e *Epoll) Add(conn net.Conn) error {
	p := &peekConn{
		Conn:  conn,
		r:     bufio.NewReader(conn),
		fd:    socketFD(conn),
		rearm: make(chan struct{}, 1),
		gone:  make(chan struct{}),
	}
	e.mu.Lock()
	e.conns[conn] = p
	e.mu.Unlock()

	go e.monitor(p)
	return nil
}

func (e *Epoll) monitor(p *peekConn) {
	for {
		// An error is reported as readiness too so the reader observes it.
		_, err := p.r.Peek(1)

		select {
		case e.readyCh <- p:
		case <-p.gone:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-p.rearm:
		case <-p.gone:
			return
		case <-e.done:
			return
		}
	}
}

// Rearm lets the monitor of conn look for the next frame. conn is the value
// returned by Wait.
func (e *Epoll) Rearm(conn net.Conn) {
	p, ok := conn.(*peekConn)
	if !ok {
		return
	}
	select {
	case p.rearm <- struct{}{}:
	default:
	}
}

// Remove unregisters a connection and releases its pseudo descriptor.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	p, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		p.stop()
	}

	fdMu.Lock()
	delete(fds, conn)
	fdMu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready or the instance is
// closed, then drains every other ready connection without blocking.
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

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	for _, p := range e.conns {
		p.stop()
	}
	e.conns = make(map[net.Conn]*peekConn)
	e.mu.Unlock()
	return nil
}

// socketFD hands out a stable pseudo descriptor per connection so the
// connection manager can index connections the same way it does on Linux.
func socketFD(conn net.Conn) int {
	if p, ok := conn.(*peekConn); ok {
		return p.fd
	}
	fdMu.Lock()
	defer fdMu.Unlock()
	if fd, ok := fds[conn]; ok {
		return fd
	}
	fd := fdNext
	fdNext++
	fds[conn] = fd
	return fd
}
