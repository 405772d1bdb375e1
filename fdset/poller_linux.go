//go:build linux

package fdset

import (
	"sync"

	"golang.org/x/sys/unix"
)

// poller is the epoll-backed platform poller. Grounded directly on the
// teacher's poller_linux.go FastPoller, trimmed of the cache-line-padding
// micro-optimizations that don't serve a gateway connection core (this is
// not a promise-scheduler hot path measured in tens of millions of ops per
// second; it is a handful of sockets per process).
type poller struct {
	epfd     int
	mu       sync.RWMutex
	fds      map[int]entry
	eventBuf [256]unix.EpollEvent
}

type entry struct {
	cb     Callback
	events Events
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{epfd: epfd, fds: make(map[int]entry)}, nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}

func (p *poller) register(fd int, events Events, cb Callback) error {
	p.mu.Lock()
	if _, ok := p.fds[fd]; ok {
		p.mu.Unlock()
		return ErrAlreadyRegistered
	}
	p.fds[fd] = entry{cb: cb, events: events}
	p.mu.Unlock()

	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		p.mu.Lock()
		delete(p.fds, fd)
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *poller) modify(fd int, events Events) error {
	p.mu.Lock()
	e, ok := p.fds[fd]
	if !ok {
		p.mu.Unlock()
		return ErrNotRegistered
	}
	e.events = events
	p.fds[fd] = e
	p.mu.Unlock()

	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *poller) unregister(fd int) error {
	p.mu.Lock()
	if _, ok := p.fds[fd]; !ok {
		p.mu.Unlock()
		return ErrNotRegistered
	}
	delete(p.fds, fd)
	p.mu.Unlock()

	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks for up to timeoutMs (-1 = forever) and dispatches any ready
// callbacks inline. Returns the number of events processed.
func (p *poller) wait(timeoutMs int) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		p.mu.RLock()
		e, ok := p.fds[fd]
		p.mu.RUnlock()
		if ok && e.cb != nil {
			e.cb(epollToEvents(p.eventBuf[i].Events))
		}
	}
	return n, nil
}

func eventsToEpoll(events Events) uint32 {
	var e uint32
	if events&In != 0 {
		e |= unix.EPOLLIN
	}
	if events&Out != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) Events {
	var events Events
	if e&unix.EPOLLIN != 0 {
		events |= In
	}
	if e&unix.EPOLLOUT != 0 {
		events |= Out
	}
	if e&unix.EPOLLERR != 0 {
		events |= Err
	}
	if e&unix.EPOLLHUP != 0 {
		events |= Hup
	}
	return events
}
