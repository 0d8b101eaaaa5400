package pgasync

import (
	"sync"

	"pgasync/internal/netpoll"
)

// connections is the set of busy Connections an EventLoop waits on, keyed to their socket descriptors. It is
// written by submitting goroutines and read by the loop goroutine.
type connections struct {
	mutex sync.Mutex
	list  map[*Connection]int
}

func (cs *connections) add(c *Connection, fd int) {
	if cs.list == nil {
		cs.list = make(map[*Connection]int)
	}
	cs.list[c] = fd
}

func (cs *connections) remove(c *Connection) bool {
	if _, ok := cs.list[c]; !ok {
		return false
	}
	delete(cs.list, c)
	return true
}

// interests returns the poll set and the Connection behind each descriptor.
func (cs *connections) interests(dst []netpoll.Interest, byFD map[int]*Connection) []netpoll.Interest {
	for fd := range byFD {
		delete(byFD, fd)
	}
	dst = dst[:0]
	for c, fd := range cs.list {
		if fd < 0 {
			continue
		}
		dst = append(dst, netpoll.Interest{FD: fd, Read: true})
		byFD[fd] = c
	}
	return dst
}
