// Package conn implements the WAP/SMS gateway connection core: a
// non-blocking, buffered, bidirectionally-locked wrapper around a
// byte-stream file descriptor, optionally overlaid with TLS, multiplexed
// behind either synchronous calls or FDSet-dispatched callbacks.
package conn

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"golang.org/x/sys/unix"

	"github.com/wapgw/conncore/buffer"
	"github.com/wapgw/conncore/fdset"
	"github.com/wapgw/conncore/gwlog"
	"github.com/wapgw/conncore/tlsoverlay"
)

var nextID atomic.Uint64

// Callback is the user-supplied notification target invoked from the
// FDSet's private dispatch goroutine. Per §9's "Send but not Sync" design
// note, exactly one callback runs at a time per connection; never call it
// inline from the caller's own goroutine.
type Callback func(c *Connection)

// brokenLogLimiter throttles "connection broken" log lines per fd, the
// generalization of the EOF polling-storm concern (§7.5) to the error path,
// wired per SPEC_FULL's DOMAIN STACK section.
var brokenLogLimiter = catrate.NewLimiter(map[time.Duration]int{time.Second: 1})

// Connection is the core entity: see package doc and spec §3 DATA MODEL.
type Connection struct {
	id int64
	fd int

	state connState

	outMu sync.Mutex
	out   buffer.Buffer

	inMu sync.Mutex
	in   buffer.Buffer

	outputBuffering int

	readEOF bool
	readErr error

	claimed        atomic.Bool
	claimingThread fdset.ThreadID

	registered *fdset.FDSet
	callback   Callback

	listeningPollIn  bool
	listeningPollOut bool

	tlsMu   sync.Mutex
	session *tlsoverlay.Session
}

// newConnection builds a Connection around an already non-blocking fd.
func newConnection(fd int) *Connection {
	return &Connection{
		id: int64(nextID.Add(1)),
		fd: fd,
	}
}

func setNonblocking(fd int) error {
	return unix.SetNonblock(fd, true)
}

// OpenTCP performs a blocking connect to host:port, optionally from
// localHost, and returns an established Connection.
func OpenTCP(host string, port int, localHost string) (*Connection, error) {
	dialer := net.Dialer{}
	if localHost != "" {
		dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(localHost)}
	}
	nc, err := dialer.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	fd, err := fdFromTCPConn(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if err := setNonblocking(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}
	c := newConnection(fd)
	c.state.store(StateEstablished)
	return c, nil
}

// OpenTCPWithPort is OpenTCP with an explicit local port, for protocols that
// need a stable source port.
func OpenTCPWithPort(host string, port int, localHost string, localPort int) (*Connection, error) {
	dialer := net.Dialer{}
	var ip net.IP
	if localHost != "" {
		ip = net.ParseIP(localHost)
	}
	dialer.LocalAddr = &net.TCPAddr{IP: ip, Port: localPort}
	nc, err := dialer.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	fd, err := fdFromTCPConn(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if err := setNonblocking(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}
	c := newConnection(fd)
	c.state.store(StateEstablished)
	return c, nil
}

// OpenTCPNB starts a non-blocking connect and returns immediately; the
// connection emerges in StateConnecting if the connect does not complete
// synchronously, and must be driven to established via one poll cycle
// (Register + GetConnectResult on the first POLLOUT callback), per §4.6.
func OpenTCPNB(host string, port int, localHost string) (*Connection, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	if err := setNonblocking(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if localHost != "" {
		lsa, err := sockaddrFor(localHost, 0)
		if err != nil {
			unix.Close(fd)
			return nil, err
		}
		if err := unix.Bind(fd, lsa); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	sa, err := sockaddrFor(host, port)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	c := newConnection(fd)
	err = unix.Connect(fd, sa)
	switch {
	case err == nil:
		c.state.store(StateEstablished)
	case errors.Is(err, unix.EINPROGRESS):
		c.state.store(StateConnecting)
	default:
		unix.Close(fd)
		return nil, err
	}
	return c, nil
}

func sockaddrFor(host string, port int) (unix.Sockaddr, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil {
			return nil, err
		}
		ip = ips[0]
	}
	if v4 := ip.To4(); v4 != nil {
		var addr [4]byte
		copy(addr[:], v4)
		return &unix.SockaddrInet4{Port: port, Addr: addr}, nil
	}
	var addr [16]byte
	copy(addr[:], ip.To16())
	return &unix.SockaddrInet6{Port: port, Addr: addr}, nil
}

// OpenSSL connects via TCP then performs a client TLS handshake.
func OpenSSL(host string, port int, localHost string) (*Connection, error) {
	c, err := OpenTCP(host, port, localHost)
	if err != nil {
		return nil, err
	}
	session, err := tlsoverlay.ClientHandshake(c.fd, host)
	if err != nil {
		c.Destroy()
		gwlog.Default().Err(gwlog.CategoryTLS).Err(err).Log("client handshake failed")
		return nil, err
	}
	c.session = session
	return c, nil
}

// WrapFD adopts an already-accepted fd (e.g. from accept(2)). If ssl is
// true, the server TLS handshake runs inline before returning; a failed
// handshake destroys the connection and returns an error, per §8 scenario 5.
func WrapFD(fd int, ssl bool) (*Connection, error) {
	if err := setNonblocking(fd); err != nil {
		return nil, err
	}
	c := newConnection(fd)
	c.state.store(StateEstablished)

	if !ssl {
		return c, nil
	}

	session, result, err := tlsoverlay.ServerHandshake(fd)
	if err != nil {
		switch result {
		case tlsoverlay.ServerPeerClosed:
			gwlog.Default().Warn(gwlog.CategoryTLS).Err(err).Log("peer closed during handshake")
		case tlsoverlay.ServerHTTPOnHTTPS:
			gwlog.Default().Warn(gwlog.CategoryTLS).Err(err).Log("http request on tls port")
		case tlsoverlay.ServerSyscallError:
			gwlog.Default().Err(gwlog.CategoryTLS).Err(err).Log("syscall error during handshake")
		default:
			gwlog.Default().Err(gwlog.CategoryTLS).Err(err).Log("handshake failed")
		}
		c.Destroy()
		return nil, err
	}
	c.session = session
	return c, nil
}

// Destroy unregisters the connection from any FDSet, attempts a final
// non-blocking flush for plain connections (TLS sessions instead issue a
// clean shutdown), closes fd, and marks the connection closed. The caller
// must ensure no other thread touches the connection concurrently with
// Destroy; this is a precondition per §3, not an enforced invariant.
func (c *Connection) Destroy() {
	if !c.state.compareAndSwap(StateConnecting, StateClosed) &&
		!c.state.compareAndSwap(StateEstablished, StateClosed) {
		return
	}

	if c.registered != nil {
		_ = c.registered.Unregister(c.fd)
		c.registered = nil
	}

	if c.session != nil {
		c.tlsMu.Lock()
		_ = c.session.Shutdown()
		c.tlsMu.Unlock()
	} else {
		c.lockOut()
		_, _ = c.unlockedWrite()
		c.unlockOut()
	}

	unix.Close(c.fd)
}

// Claim makes the connection single-threaded: every subsequent lock
// operation asserts the caller's identity instead of taking a mutex. Claim
// is one-shot and irrevocable, and is incompatible with Register (the
// poller thread would then also touch the connection).
func (c *Connection) Claim() {
	c.claimingThread = fdset.ThreadSelf()
	c.claimed.Store(true)
}

// IsConnected reports whether the connection has completed its handshake
// (TCP connect, and TLS handshake where applicable) and is usable for I/O.
func (c *Connection) IsConnected() bool {
	return c.state.load() == StateEstablished
}

// GetConnectResult queries the socket-level error after a non-blocking
// connect's first writability callback, transitioning StateConnecting to
// StateEstablished on success. Returns ErrNotConnecting if called outside
// the connecting state.
func (c *Connection) GetConnectResult() error {
	if c.state.load() != StateConnecting {
		return ErrNotConnecting
	}
	errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		c.state.store(StateClosed)
		return err
	}
	if errno != 0 {
		c.state.store(StateClosed)
		return fmt.Errorf("conn: connect failed: %w", unix.Errno(errno))
	}
	c.state.compareAndSwap(StateConnecting, StateEstablished)
	return nil
}

// GetID returns the connection's process-local identifier, useful for log
// correlation and as the rate-limiter category key.
func (c *Connection) GetID() int64 {
	return c.id
}

// OutbufLen returns the number of queued, untransmitted output octets.
func (c *Connection) OutbufLen() int {
	c.lockOut()
	defer c.unlockOut()
	return c.out.Len()
}

// InbufLen returns the number of buffered, unread input octets.
func (c *Connection) InbufLen() int {
	c.lockIn()
	defer c.unlockIn()
	return c.in.Len()
}

// EOF reports whether the peer has closed the stream in an orderly fashion.
func (c *Connection) EOF() bool {
	c.lockIn()
	defer c.unlockIn()
	return c.readEOF
}

// ReadError returns the sticky read-side error, if any.
func (c *Connection) ReadError() error {
	c.lockIn()
	defer c.unlockIn()
	return c.readErr
}

// SetOutputBuffering sets the minimum queued octet count before an
// opportunistic send is attempted.
func (c *Connection) SetOutputBuffering(n int) {
	c.lockOut()
	defer c.unlockOut()
	c.outputBuffering = n
}

// IsSSL reports whether the connection is TLS-overlaid.
func (c *Connection) IsSSL() bool {
	c.tlsMu.Lock()
	defer c.tlsMu.Unlock()
	return c.session != nil
}

// GetSSL returns the underlying TLS connection state, the spec's
// get_ssl(conn) exposed operation. ok is false for a plain connection.
func (c *Connection) GetSSL() (state tls.ConnectionState, ok bool) {
	c.tlsMu.Lock()
	defer c.tlsMu.Unlock()
	if c.session == nil {
		return tls.ConnectionState{}, false
	}
	return c.session.ConnectionState(), true
}

// GetPeerCertificate returns the peer's leaf certificate for a TLS
// connection, or nil for a plain connection or one presenting no
// certificate.
func (c *Connection) GetPeerCertificate() *x509.Certificate {
	c.tlsMu.Lock()
	defer c.tlsMu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.PeerCertificate()
}
