package fdset

import (
	"sync"
)

// FDSet is a shared, single-threaded, platform-native I/O multiplexer: the
// external collaborator the connection core's spec assumes is already
// available (epoll/kqueue registration, one private dispatch thread,
// wakeup). The spec calls it out as an external dependency rather than part
// of the connection core itself; this package supplies a concrete
// implementation so the rest of the module has something real to register
// against and test with, grounded on the teacher's poller_linux.go /
// poller_darwin.go dispatch loop.
type FDSet struct {
	p      *poller
	wakeFd int

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// New starts a new FDSet with its private dispatch goroutine running.
func New() (*FDSet, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	wakeFd, err := createWakeFd()
	if err != nil {
		_ = p.close()
		return nil, err
	}

	f := &FDSet{
		p:      p,
		wakeFd: wakeFd,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}

	if err := p.register(wakeFd, In, func(Events) { drainWake(wakeFd) }); err != nil {
		_ = p.close()
		_ = closeWakeFd(wakeFd)
		return nil, err
	}

	go f.run()
	return f, nil
}

// Register installs fd with the given interest mask and callback, per the
// spec's external register(fdset, fd, event_mask, callback, user_data).
// The callback is invoked from the FDSet's private dispatch goroutine; it
// must not block.
func (f *FDSet) Register(fd int, events Events, cb Callback) error {
	return f.p.register(fd, events, cb)
}

// Listen changes the interest mask for fd: bits set in mask are updated to
// the corresponding value in values, bits clear in mask are left alone. This
// mirrors the spec's listen(fdset, fd, event_mask_bits, new_bit_values),
// which changes interest for only the specified bits because toggling
// unrelated bits would mean an unnecessary cross-thread call into the
// poller.
func (f *FDSet) Listen(fd int, mask, values Events) error {
	f.p.mu.RLock()
	e, ok := f.p.fds[fd]
	f.p.mu.RUnlock()
	if !ok {
		return ErrNotRegistered
	}
	next := (e.events &^ mask) | (values & mask)
	if next == e.events {
		return nil
	}
	return f.p.modify(fd, next)
}

// Unregister removes fd from the multiplexer.
func (f *FDSet) Unregister(fd int) error {
	return f.p.unregister(fd)
}

// Wakeup interrupts a blocked dispatch cycle, used when a caller needs the
// poller to re-evaluate interest masks it changed out of band.
func (f *FDSet) Wakeup() error {
	return submitWake(f.wakeFd)
}

// Close stops the dispatch goroutine and releases the underlying fds.
func (f *FDSet) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.closed)
		_ = submitWake(f.wakeFd)
		<-f.done
		err = f.p.close()
		_ = closeWakeFd(f.wakeFd)
	})
	return err
}

func (f *FDSet) run() {
	defer close(f.done)
	for {
		select {
		case <-f.closed:
			return
		default:
		}
		if _, err := f.p.wait(1000); err != nil {
			return
		}
	}
}
