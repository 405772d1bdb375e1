//go:build linux || darwin

package fdset

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// ThreadID identifies a goroutine for the purposes of ThreadWakeup. It is
// derived the same way the teacher's loop.go derives caller identity for its
// isLoopThread assertion (parsing "goroutine N" out of runtime.Stack),
// repurposed here to name the one goroutine that may currently be blocked in
// PollFD so another goroutine can interrupt it.
type ThreadID uint64

// ThreadSelf returns the calling goroutine's ThreadID.
func ThreadSelf() ThreadID {
	return ThreadID(goroutineID())
}

var (
	waitersMu sync.Mutex
	waiters   = make(map[uint64]int) // goroutine id -> wake fd, present only while blocked in PollFD
)

// ThreadWakeup interrupts id's blocked PollFD call, if any. Waking a thread
// that is not currently blocked is a no-op, the same as poll(2) on an
// already-ready fd.
func ThreadWakeup(id ThreadID) error {
	waitersMu.Lock()
	fd, ok := waiters[uint64(id)]
	waitersMu.Unlock()
	if !ok {
		return nil
	}
	return submitWake(fd)
}

// PollFD blocks the calling goroutine in a single-fd poll, interruptible via
// ThreadWakeup(ThreadSelf()) from another goroutine. This backs the
// connection core's synchronous Wait/Flush: one fd, one caller, no shared
// dispatch thread involved. A timeoutMs of -1 blocks indefinitely. The woke
// return distinguishes a genuine timeout (woke=false, events=0) from an
// external wakeup that saw no target-fd activity (woke=true, events=0) -
// the caller needs that distinction to report timed-out vs interrupted.
func PollFD(fd int, events Events, timeoutMs int) (result Events, woke bool, err error) {
	gid := uint64(ThreadSelf())

	wakeFd, err := createWakeFd()
	if err != nil {
		return 0, false, err
	}
	waitersMu.Lock()
	waiters[gid] = wakeFd
	waitersMu.Unlock()
	defer func() {
		waitersMu.Lock()
		delete(waiters, gid)
		waitersMu.Unlock()
		_ = closeWakeFd(wakeFd)
	}()

	pfds := []unix.PollFd{
		{Fd: int32(fd), Events: eventsToPoll(events)},
		{Fd: int32(wakeFd), Events: unix.POLLIN},
	}

	n, err := unix.Poll(pfds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, false, nil
		}
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	if pfds[1].Revents&unix.POLLIN != 0 {
		drainWake(wakeFd)
		woke = true
	}
	return pollToEvents(pfds[0].Revents), woke, nil
}

func eventsToPoll(events Events) int16 {
	var p int16
	if events&In != 0 {
		p |= unix.POLLIN
	}
	if events&Out != 0 {
		p |= unix.POLLOUT
	}
	return p
}

func pollToEvents(revents int16) Events {
	var events Events
	if revents&unix.POLLIN != 0 {
		events |= In
	}
	if revents&unix.POLLOUT != 0 {
		events |= Out
	}
	if revents&unix.POLLERR != 0 {
		events |= Err
	}
	if revents&unix.POLLHUP != 0 {
		events |= Hup
	}
	if revents&unix.POLLNVAL != 0 {
		events |= Inval
	}
	return events
}

// goroutineID parses the calling goroutine's numeric id out of its own
// stack trace header ("goroutine 123 [running]:"), the same technique the
// teacher's loop.go uses for getGoroutineID. There is no supported runtime
// API for this; it is the idiomatic workaround when goroutine identity is
// needed for a single-owner assertion rather than for scheduling.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if i := bytes.Index(b, []byte(prefix)); i >= 0 {
		b = b[i+len(prefix):]
	}
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
