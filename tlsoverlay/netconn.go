package tlsoverlay

import (
	"errors"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wapgw/conncore/fdset"
)

var (
	errWouldBlock error = wouldBlockError{}
	errPeerClosed       = errors.New("tlsoverlay: peer closed")

	// errHandshakeDeadline is returned by rawConn's handshake-mode Read/Write
	// once the handshake wall-clock deadline elapses without the fd
	// becoming ready.
	errHandshakeDeadline = errors.New("tlsoverlay: handshake poll deadline exceeded")
	// errHandshakeIOFailed is returned when a handshake-mode poll reports
	// POLLERR/POLLHUP/POLLNVAL on the fd.
	errHandshakeIOFailed = errors.New("tlsoverlay: handshake connection failed")
)

// wouldBlockError is the type of errWouldBlock. It is a net.Error whose
// Temporary() is true, so *tls.Conn returns it from Read without keeping it
// as the connection's stored read error.
type wouldBlockError struct{}

func (wouldBlockError) Error() string   { return "tlsoverlay: would block" }
func (wouldBlockError) Timeout() bool   { return true }
func (wouldBlockError) Temporary() bool { return true }

// errSyscall marks a raw syscall error surfaced through the net.Conn
// adapter, so ServerHandshake can distinguish it from other fatal errors.
type errSyscall struct {
	errno unix.Errno
}

func (e errSyscall) Error() string { return e.errno.Error() }
func (e errSyscall) Unwrap() error { return e.errno }

// rawConn adapts a raw non-blocking fd to net.Conn, the shape
// crypto/tls.Client/Server require.
//
// crypto/tls.Conn stores its handshake error stickily and never retries a
// failed Handshake call, so returning a transient "would block" error into
// it (as a genuinely non-blocking net.Conn would) permanently poisons the
// handshake on the first EAGAIN. Instead, while handshaking is true, a
// would-block condition is resolved by an interruptible single-fd poll
// (fdset.PollFD) for the fd's readiness, bounded by deadline, and the
// syscall is retried - the handshake blocks from crypto/tls's point of
// view without the fd itself ever leaving non-blocking mode. Once the
// handshake completes, handshaking is cleared and Read/Write revert to
// reporting would-block conditions as errWouldBlock, the convention the
// rest of this overlay's non-blocking I/O already relies on.
type rawConn struct {
	fd          int
	handshaking bool
	deadline    time.Time
}

func newRawConn(fd int) *rawConn {
	return &rawConn{fd: fd}
}

// beginHandshake switches the adapter into blocking-via-poll mode until
// deadline.
func (c *rawConn) beginHandshake(deadline time.Time) {
	c.handshaking = true
	c.deadline = deadline
}

// endHandshake reverts the adapter to its ordinary non-blocking behavior.
func (c *rawConn) endHandshake() {
	c.handshaking = false
}

func (c *rawConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		if err != nil {
			switch err {
			case unix.EAGAIN, unix.EINTR:
				if !c.handshaking {
					return 0, errWouldBlock
				}
				if werr := c.pollWait(fdset.In); werr != nil {
					return 0, werr
				}
				continue
			}
			if errno, ok := err.(unix.Errno); ok {
				return 0, errSyscall{errno: errno}
			}
			return 0, err
		}
		if n == 0 {
			return 0, errPeerClosed
		}
		return n, nil
	}
}

func (c *rawConn) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(c.fd, p)
		if err != nil {
			switch err {
			case unix.EAGAIN, unix.EINTR:
				if !c.handshaking {
					return 0, errWouldBlock
				}
				if werr := c.pollWait(fdset.Out); werr != nil {
					return 0, werr
				}
				continue
			}
			if errno, ok := err.(unix.Errno); ok {
				return 0, errSyscall{errno: errno}
			}
			return 0, err
		}
		return n, nil
	}
}

// pollWait blocks, via an interruptible single-fd poll rather than a
// blocking socket, until fd is ready for dir or the handshake deadline
// elapses.
func (c *rawConn) pollWait(dir fdset.Events) error {
	remaining := time.Until(c.deadline)
	if remaining <= 0 {
		return errHandshakeDeadline
	}
	ms := int(remaining / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	revents, woke, err := fdset.PollFD(c.fd, dir, ms)
	if err != nil {
		return err
	}
	if revents&(fdset.Err|fdset.Hup|fdset.Inval) != 0 {
		return errHandshakeIOFailed
	}
	if revents == 0 {
		if woke {
			// externally interrupted with nothing ready yet: let the
			// caller retry the syscall, which will simply see EAGAIN
			// again and poll once more against the remaining deadline.
			return nil
		}
		return errHandshakeDeadline
	}
	return nil
}

// Close is a no-op: the connection core owns fd lifecycle and closes it
// itself on Destroy, independent of the TLS session wrapping it.
func (c *rawConn) Close() error { return nil }

func (c *rawConn) LocalAddr() net.Addr                { return rawAddr{} }
func (c *rawConn) RemoteAddr() net.Addr               { return rawAddr{} }
func (c *rawConn) SetDeadline(t time.Time) error      { return nil }
func (c *rawConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *rawConn) SetWriteDeadline(t time.Time) error { return nil }

// rawAddr is a placeholder net.Addr: the connection core tracks peer
// identity at the socket layer already, so the TLS overlay has no need for
// a real implementation here.
type rawAddr struct{}

func (rawAddr) Network() string { return "tcp" }
func (rawAddr) String() string  { return "" }

var _ io.ReadWriteCloser = (*rawConn)(nil)
