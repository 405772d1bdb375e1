package conn

import "errors"

// Sentinel errors, plain errors.New the way the teacher's errors.go defines
// its error values: no custom Is/As, stdlib errors.Is suffices.
var (
	// errWouldBlock is internal: transient read/write conditions never
	// escape the package, they are mapped to zero-byte progress instead.
	errWouldBlock = errors.New("conn: would block")

	// ErrBroken means the fd (or TLS session) hit a non-transient I/O
	// error or was found invalid. Sticky on the read side via ReadError.
	ErrBroken = errors.New("conn: broken")

	// ErrTimeout is returned by Wait when its deadline elapses with no
	// activity.
	ErrTimeout = errors.New("conn: timeout")

	// ErrInterrupted is returned by Flush when an external wakeup
	// interrupted the suspension before it could observe I/O. Wait reports
	// such a wakeup as OutcomeProgress with a nil error instead.
	ErrInterrupted = errors.New("conn: interrupted")

	// ErrEOF means the peer closed the stream in an orderly fashion.
	// Sticky via EOF().
	ErrEOF = errors.New("conn: eof")

	// ErrDifferentFDSet is returned by Register when the connection is
	// already registered with a different FDSet.
	ErrDifferentFDSet = errors.New("conn: already registered with a different fdset")

	// ErrClaimed is the panic value (per §8 scenario 6) when a lock
	// operation is attempted by a thread other than the one that claimed
	// the connection.
	ErrClaimed = errors.New("conn: claimed by another thread")

	// ErrNotConnecting is returned by GetConnectResult when the
	// connection is not in the connecting state.
	ErrNotConnecting = errors.New("conn: not connecting")

	// ErrClosed names the state a connection is in after Destroy. No
	// function in this package returns it; calls made after Destroy are not
	// checked against it.
	ErrClosed = errors.New("conn: closed")
)

// Outcome is the discrete result of a suspension or drain attempt, mirroring
// the five-ish result shapes §4.2/§4.3/§7 of the spec describe (clean,
// queued, progress, timed-out, interrupted, broken) rather than forcing
// every caller through error-string inspection.
type Outcome int

const (
	// OutcomeClean means outbuf is fully drained.
	OutcomeClean Outcome = iota
	// OutcomeQueued means bytes remain queued after a partial or
	// would-block send, or below the output_buffering threshold with no
	// send attempted. Write also returns it for an empty payload.
	OutcomeQueued
	// OutcomeProgress means Wait returned because of a write, a read
	// attempt, or an external wakeup, rather than a timeout.
	OutcomeProgress
	// OutcomeTimedOut means Wait's deadline elapsed with nothing to report.
	OutcomeTimedOut
	// OutcomeInterrupted means an external wakeup cut the suspension short.
	OutcomeInterrupted
	// OutcomeBroken means the connection hit a fatal I/O error.
	OutcomeBroken
)

func (o Outcome) String() string {
	switch o {
	case OutcomeClean:
		return "clean"
	case OutcomeQueued:
		return "queued"
	case OutcomeProgress:
		return "progress"
	case OutcomeTimedOut:
		return "timed-out"
	case OutcomeInterrupted:
		return "interrupted"
	case OutcomeBroken:
		return "broken"
	default:
		return "unknown"
	}
}
