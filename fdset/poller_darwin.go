//go:build darwin

package fdset

import (
	"sync"

	"golang.org/x/sys/unix"
)

// poller is the kqueue-backed platform poller, grounded on the teacher's
// poller_darwin.go FastPoller (trimmed of its dynamic-slice FD indexing
// in favor of a map, matching the Linux side of this package).
type poller struct {
	kq       int
	mu       sync.RWMutex
	fds      map[int]entry
	eventBuf [256]unix.Kevent_t
}

type entry struct {
	cb     Callback
	events Events
}

func newPoller() (*poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &poller{kq: kq, fds: make(map[int]entry)}, nil
}

func (p *poller) close() error {
	return unix.Close(p.kq)
}

func (p *poller) register(fd int, events Events, cb Callback) error {
	p.mu.Lock()
	if _, ok := p.fds[fd]; ok {
		p.mu.Unlock()
		return ErrAlreadyRegistered
	}
	p.fds[fd] = entry{cb: cb, events: events}
	p.mu.Unlock()

	kevents := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE)
	if len(kevents) > 0 {
		if _, err := unix.Kevent(p.kq, kevents, nil, nil); err != nil {
			p.mu.Lock()
			delete(p.fds, fd)
			p.mu.Unlock()
			return err
		}
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
	old := e.events
	e.events = events
	p.fds[fd] = e
	p.mu.Unlock()

	if del := old &^ events; del != 0 {
		if kevents := eventsToKevents(fd, del, unix.EV_DELETE); len(kevents) > 0 {
			_, _ = unix.Kevent(p.kq, kevents, nil, nil)
		}
	}
	if add := events &^ old; add != 0 {
		if kevents := eventsToKevents(fd, add, unix.EV_ADD|unix.EV_ENABLE); len(kevents) > 0 {
			if _, err := unix.Kevent(p.kq, kevents, nil, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *poller) unregister(fd int) error {
	p.mu.Lock()
	e, ok := p.fds[fd]
	if !ok {
		p.mu.Unlock()
		return ErrNotRegistered
	}
	delete(p.fds, fd)
	p.mu.Unlock()

	if kevents := eventsToKevents(fd, e.events, unix.EV_DELETE); len(kevents) > 0 {
		_, _ = unix.Kevent(p.kq, kevents, nil, nil)
	}
	return nil
}

func (p *poller) wait(timeoutMs int) (int, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}

	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Ident)
		p.mu.RLock()
		e, ok := p.fds[fd]
		p.mu.RUnlock()
		if ok && e.cb != nil {
			e.cb(keventToEvents(&p.eventBuf[i]))
		}
	}
	return n, nil
}

func eventsToKevents(fd int, events Events, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&In != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if events&Out != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return kevents
}

func keventToEvents(kev *unix.Kevent_t) Events {
	var events Events
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= In
	case unix.EVFILT_WRITE:
		events |= Out
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= Err
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= Hup
	}
	return events
}
