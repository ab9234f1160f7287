// Package eventloop implements the single-threaded, epoll-backed
// reactor that drives every socket, connection, and hypervisor channel
// fd in the manager from one goroutine, so service methods always run
// to completion before control returns to multiplexing.
package eventloop

import (
	"sync"
	"syscall"

	"github.com/eapache/queue"

	"github.com/behrlich/nica-manager/internal/logging"
	"github.com/behrlich/nica-manager/internal/nicaerr"
)

// FDEventType is a bitmask of the readiness conditions a callback cares
// about.
type FDEventType int

const (
	EventRead FDEventType = 1 << iota
	EventWrite
	EventError
)

// Callback is invoked once per readiness event for a registered fd.
type Callback func(fd int, events FDEventType)

// ready is an (fd, events) pair queued for dispatch after a single
// epoll_wait call returns; callbacks run FIFO, in the order epoll_wait
// reported the events.
type ready struct {
	fd     int
	events FDEventType
}

// Reactor is a single-threaded epoll event loop.
type Reactor struct {
	epfd      int
	callbacks map[int]Callback
	mu        sync.Mutex
	log       *logging.Logger
	closed    bool
}

// New creates a Reactor backed by a fresh epoll instance.
func New(log *logging.Logger) (*Reactor, error) {
	if log == nil {
		log = logging.Default()
	}
	epfd, err := syscall.EpollCreate1(0)
	if err != nil {
		return nil, nicaerr.Wrap("eventloop.New", err)
	}
	return &Reactor{epfd: epfd, callbacks: make(map[int]Callback), log: log}, nil
}

// Register adds fd to the epoll set, invoking cb when the requested
// events become ready.
func (r *Reactor) Register(fd int, events FDEventType, cb Callback) error {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= syscall.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= syscall.EPOLLOUT
	}
	ev := syscall.EpollEvent{Events: epollEvents, Fd: int32(fd)}
	if err := syscall.EpollCtl(r.epfd, syscall.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nicaerr.Wrap("eventloop.Register", err)
	}
	r.mu.Lock()
	r.callbacks[fd] = cb
	r.mu.Unlock()
	return nil
}

// Unregister removes fd from the epoll set.
func (r *Reactor) Unregister(fd int) error {
	r.mu.Lock()
	delete(r.callbacks, fd)
	r.mu.Unlock()
	if err := syscall.EpollCtl(r.epfd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil {
		return nicaerr.Wrap("eventloop.Unregister", err)
	}
	return nil
}

// Poll blocks up to timeoutMs for readiness, then dispatches every
// ready fd's callback in arrival order before returning. All callback
// work — including blocking Gateway I/O — runs synchronously here, on
// the Reactor's single goroutine.
func (r *Reactor) Poll(timeoutMs int) error {
	var events [64]syscall.EpollEvent
	n, err := syscall.EpollWait(r.epfd, events[:], timeoutMs)
	if err != nil {
		if err == syscall.EINTR {
			return nil
		}
		return nicaerr.Wrap("eventloop.Poll", err)
	}

	q := queue.New()
	for i := 0; i < n; i++ {
		ev := events[i]
		var e FDEventType
		if ev.Events&syscall.EPOLLIN != 0 {
			e |= EventRead
		}
		if ev.Events&syscall.EPOLLOUT != 0 {
			e |= EventWrite
		}
		if ev.Events&(syscall.EPOLLERR|syscall.EPOLLHUP) != 0 {
			e |= EventError
		}
		q.Add(ready{fd: int(ev.Fd), events: e})
	}

	for q.Length() > 0 {
		item := q.Remove().(ready)
		r.mu.Lock()
		cb, ok := r.callbacks[item.fd]
		r.mu.Unlock()
		if !ok {
			continue
		}
		r.dispatch(item.fd, item.events, cb)
	}
	return nil
}

func (r *Reactor) dispatch(fd int, events FDEventType, cb Callback) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in reactor callback", "fd", fd, "panic", p)
		}
	}()
	cb(fd, events)
}

// Close releases the epoll fd.
func (r *Reactor) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return syscall.Close(r.epfd)
}
