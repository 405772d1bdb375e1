package conn

import "sync/atomic"

// ConnState is the connection's tri-state lifecycle flag, grounded on the
// teacher's LoopState/FastState pattern (state.go): a small value type with
// a String() method, stored in an atomic word so connected/get_connect_result
// can be read lock-free from any thread per §4.1 ("fd, connected ... may be
// read lock-free").
type ConnState uint32

const (
	// StateConnecting is the state open_tcp_nb leaves a connection in when
	// the initial connect(2) did not complete synchronously.
	StateConnecting ConnState = iota
	// StateEstablished is the normal, usable state.
	StateEstablished
	// StateClosed is terminal: set by Destroy, or by GetConnectResult when
	// a non-blocking connect failed. Broken reads and writes do not change
	// the state.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connState is an atomic-word holder for ConnState.
type connState struct {
	v atomic.Uint32
}

func (s *connState) load() ConnState {
	return ConnState(s.v.Load())
}

func (s *connState) store(v ConnState) {
	s.v.Store(uint32(v))
}

// compareAndSwap transitions from->to atomically, reporting success.
func (s *connState) compareAndSwap(from, to ConnState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
