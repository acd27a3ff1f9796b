package backend

import (
	"sync"
)

// Cache is a per-worker pool of idle, reusable backend connections keyed by
// backend. Exactly one of {a client's active set, the cache} holds a live
// connection at any time.
type Cache struct {
	mu    sync.Mutex
	max   int
	conns map[*Server][]*Conn
}

// NewCache creates a cache capping each backend's idle list at max.
func NewCache(max int) *Cache {
	return &Cache{
		max:   max,
		conns: make(map[*Server][]*Conn),
	}
}

// Acquire returns an idle cached connection for ds, flagging it reused, or
// dials a fresh one. Dead cached connections found on the way are discarded.
func (c *Cache) Acquire(ds *Server) (*Conn, error) {
	c.mu.Lock()
	list := c.conns[ds]
	for len(list) > 0 {
		conn := list[0]
		list = list[1:]
		if !conn.Usable() {
			conn.Close()
			continue
		}
		if len(list) == 0 {
			delete(c.conns, ds)
		} else {
			c.conns[ds] = list
		}
		c.mu.Unlock()
		conn.MarkReused()
		return conn, nil
	}
	if len(list) == 0 {
		delete(c.conns, ds)
	}
	c.mu.Unlock()

	return NewConn(ds)
}

// Release puts an idle connection back at the tail of its backend's list,
// unless it cannot be reused or the list is full, in which case it is closed.
func (c *Cache) Release(conn *Conn) {
	if conn == nil {
		return
	}
	conn.Detach()
	if !conn.CanBeReused() {
		conn.Close()
		return
	}

	c.mu.Lock()
	list := c.conns[conn.ds]
	if len(list) >= c.max {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conns[conn.ds] = append(list, conn)
	c.mu.Unlock()
}

// CleanupClosed evicts every cached connection whose socket is no longer
// usable and drops empty backend entries. Idempotent.
func (c *Cache) CleanupClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for ds, list := range c.conns {
		kept := list[:0]
		for _, conn := range list {
			if conn.Usable() {
				kept = append(kept, conn)
			} else {
				conn.Close()
			}
		}
		if len(kept) == 0 {
			delete(c.conns, ds)
		} else {
			c.conns[ds] = kept
		}
	}
}

// Len returns the number of idle connections cached for ds.
func (c *Cache) Len(ds *Server) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns[ds])
}

// Total returns the number of idle connections across all backends.
func (c *Cache) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, list := range c.conns {
		n += len(list)
	}
	return n
}
