// Package fdset implements the external FDSet collaborator the connection
// core registers itself with: a shared, single-threaded, platform-native
// I/O multiplexer (epoll on Linux, kqueue on Darwin) that dispatches
// readiness callbacks from one private goroutine, plus the wakeup and
// single-fd poll primitives used by the connection core's own blocking
// Wait/Flush paths.
//
// Grounded on the teacher's poller_linux.go/poller_darwin.go (epoll/kqueue
// registration and dispatch) and wakeup_linux.go/wakeup_darwin.go
// (eventfd/pipe wakeup), adapted from a JS-event-loop's internal I/O
// registration into the gateway's externally-consumed FDSet shape
// described in the connection core's spec (register/listen/unregister plus
// a named-thread wakeup).
package fdset

import "errors"

// Events is a bitmask of the readiness conditions the connection core
// cares about: POLLIN/POLLOUT/POLLERR/POLLHUP/POLLNVAL in spec terms.
type Events uint32

const (
	// In indicates the fd is ready for reading (POLLIN).
	In Events = 1 << iota
	// Out indicates the fd is ready for writing (POLLOUT).
	Out
	// Err indicates an error condition (POLLERR).
	Err
	// Hup indicates the peer hung up (POLLHUP).
	Hup
	// Inval indicates the fd is invalid (POLLNVAL); only ever reported by
	// PollFD, never by the shared multiplexer (registering an invalid fd
	// there simply fails outright).
	Inval
)

// Callback is invoked from the FDSet's private polling goroutine whenever
// a registered fd becomes ready. It must not block.
type Callback func(events Events)

var (
	ErrClosed            = errors.New("fdset: closed")
	ErrAlreadyRegistered = errors.New("fdset: fd already registered")
	ErrNotRegistered     = errors.New("fdset: fd not registered")
)
