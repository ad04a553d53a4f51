package recursor

import (
	"context"
	"net"

	"golang.org/x/sync/semaphore"
)

// boundedListener caps concurrent accepted connections at the recursor's
// TCP semaphore limit.
type boundedListener struct {
	net.Listener
	sem *semaphore.Weighted
}

func newBoundedListener(ln net.Listener, sem *semaphore.Weighted) *boundedListener {
	return &boundedListener{Listener: ln, sem: sem}
}

func (b *boundedListener) Accept() (net.Conn, error) {
	if err := b.sem.Acquire(context.Background(), 1); err != nil {
		return nil, err
	}
	conn, err := b.Listener.Accept()
	if err != nil {
		b.sem.Release(1)
		return nil, err
	}
	return &releasingConn{Conn: conn, sem: b.sem}, nil
}

type releasingConn struct {
	net.Conn
	sem      *semaphore.Weighted
	released bool
}

func (c *releasingConn) Close() error {
	if !c.released {
		c.released = true
		c.sem.Release(1)
	}
	return c.Conn.Close()
}
