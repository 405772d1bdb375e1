// Package tlsoverlay is the connection core's TLS client/server handshake
// overlay: process-wide one-time context setup, a per-session handshake
// loop adapted to a non-blocking raw fd, and a lazily-cached peer
// certificate.
//
// The original library this spec describes needs a process-wide array of
// locking-callback mutexes because its per-session state is not reentrant
// across threads even when callers cooperate. crypto/tls sessions carry no
// such requirement — *tls.Conn is safe for the one-call-at-a-time-per-session
// discipline the connection core already enforces with its own ssl_mutex, so
// the "lock array" collapses to the sync.Once-guarded global context setup
// below (see DESIGN.md, Open Question 2).
package tlsoverlay

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/wapgw/conncore/gwlog"
)

var (
	ErrNotInitialized       = errors.New("tlsoverlay: not initialized")
	ErrPeerClosedDuringHandshake = errors.New("tlsoverlay: peer closed during handshake")
	ErrHandshakeTimeout     = errors.New("tlsoverlay: handshake deadline exceeded")
	ErrHTTPOnHTTPS          = errors.New("tlsoverlay: plaintext HTTP request on TLS port")
)

const handshakeDeadline = 30 * time.Second

var (
	globalMu    sync.Mutex
	clientOnce  sync.Once
	serverOnce  sync.Once
	clientCfg   *tls.Config
	serverCfg   *tls.Config
	clientReady bool
	serverReady bool

	httpOnHTTPSLimiter = catrate.NewLimiter(map[time.Duration]int{time.Minute: 1})
)

// InitSSL performs process-wide one-time setup of the client TLS context.
// Safe to call more than once; subsequent calls are no-ops.
func InitSSL() error {
	clientOnce.Do(func() {
		globalMu.Lock()
		clientCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		clientReady = true
		globalMu.Unlock()
	})
	return nil
}

// ShutdownSSL tears down the client TLS context. Intended for clean process
// shutdown and test isolation; it is not safe to call while connections are
// mid-handshake.
func ShutdownSSL() {
	globalMu.Lock()
	defer globalMu.Unlock()
	clientCfg = nil
	clientReady = false
	clientOnce = sync.Once{}
}

// ServerInitSSL performs process-wide one-time setup of the server TLS
// context, distinct from the client context per the spec's separate
// client/server contexts.
func ServerInitSSL() error {
	serverOnce.Do(func() {
		globalMu.Lock()
		serverCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		serverReady = true
		globalMu.Unlock()
	})
	return nil
}

// ServerShutdownSSL tears down the server TLS context.
func ServerShutdownSSL() {
	globalMu.Lock()
	defer globalMu.Unlock()
	serverCfg = nil
	serverReady = false
	serverOnce = sync.Once{}
}

// UseGlobalClientCertKeyFile loads a combined certificate+key PEM file for
// client-side mutual-TLS. A missing or mismatched cert/key pair is a fatal
// configuration error, per spec.
func UseGlobalClientCertKeyFile(path string) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if !clientReady {
		return ErrNotInitialized
	}
	cert, err := loadCombinedCertKey(path)
	if err != nil {
		return fmt.Errorf("tlsoverlay: client cert/key: %w", err)
	}
	clientCfg.Certificates = []tls.Certificate{cert}
	return nil
}

// UseGlobalServerCertKeyFile loads the server's certificate and key from
// separate files.
func UseGlobalServerCertKeyFile(certPath, keyPath string) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if !serverReady {
		return ErrNotInitialized
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return fmt.Errorf("tlsoverlay: server cert/key: %w", err)
	}
	serverCfg.Certificates = []tls.Certificate{cert}
	return nil
}

func loadCombinedCertKey(path string) (tls.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, err
	}
	var certPEM, keyPEM []byte
	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		enc := pem.EncodeToMemory(block)
		switch block.Type {
		case "CERTIFICATE":
			certPEM = append(certPEM, enc...)
		default:
			keyPEM = append(keyPEM, enc...)
		}
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

// Session is a handshaken TLS session bound to one connection's fd. Every
// library call touching it must go through the owning connection's ssl_mutex
// (conn package); this type itself holds none, matching the spec's model of
// the mutex being owned by the connection, not the session.
type Session struct {
	conn     *tls.Conn
	raw      *rawConn
	peerCert *x509.Certificate
}

// ClientHandshake performs the client-side TLS handshake over fd, set
// non-blocking by the caller already. The underlying net.Conn adapter polls
// for fd readiness on transient would-block conditions instead of returning
// them into crypto/tls, bounded by a 30-second wall-clock deadline.
func ClientHandshake(fd int, serverName string) (*Session, error) {
	globalMu.Lock()
	cfg := clientCfg
	globalMu.Unlock()
	if cfg == nil {
		return nil, ErrNotInitialized
	}
	cfg = cfg.Clone()
	cfg.ServerName = serverName

	raw := newRawConn(fd)
	raw.beginHandshake(time.Now().Add(handshakeDeadline))
	tconn := tls.Client(raw, cfg)

	err := tconn.Handshake()
	raw.endHandshake()
	if err != nil {
		if errors.Is(err, errHandshakeDeadline) {
			return nil, ErrHandshakeTimeout
		}
		return nil, err
	}
	return &Session{conn: tconn, raw: raw}, nil
}

// ServerResult is the outcome of a failed server-side handshake, so the
// caller can distinguish the four failure modes the spec names.
type ServerResult int

const (
	ServerOK ServerResult = iota
	ServerPeerClosed
	ServerHTTPOnHTTPS
	ServerSyscallError
	ServerOtherFatal
)

// ServerHandshake performs the server-side TLS handshake over an accepted,
// non-blocking fd. On failure it classifies the outcome per §4.5: a peer
// that closed mid-handshake, a plaintext HTTP request arriving on the TLS
// port (in which case the remainder of the request line is consumed from
// the raw fd so a higher layer may send a courtesy response), a syscall
// error, or anything else.
func ServerHandshake(fd int) (*Session, ServerResult, error) {
	globalMu.Lock()
	cfg := serverCfg
	globalMu.Unlock()
	if cfg == nil {
		return nil, ServerOtherFatal, ErrNotInitialized
	}

	raw := newRawConn(fd)
	raw.beginHandshake(time.Now().Add(handshakeDeadline))
	tconn := tls.Server(raw, cfg)

	err := tconn.Handshake()
	raw.endHandshake()
	if err == nil {
		return &Session{conn: tconn, raw: raw}, ServerOK, nil
	}

	if errors.Is(err, errHandshakeDeadline) {
		return nil, ServerOtherFatal, ErrHandshakeTimeout
	}
	var rhe tls.RecordHeaderError
	if errors.As(err, &rhe) {
		if _, ok := httpOnHTTPSLimiter.Allow(fd); ok {
			gwlog.Default().Warn(gwlog.CategoryTLS).Log("plaintext request on TLS port")
		}
		consumeRequestLine(raw, rhe.RecordHeader[:])
		return nil, ServerHTTPOnHTTPS, ErrHTTPOnHTTPS
	}
	if errors.Is(err, errPeerClosed) {
		return nil, ServerPeerClosed, ErrPeerClosedDuringHandshake
	}
	var errno errSyscall
	if errors.As(err, &errno) {
		return nil, ServerSyscallError, err
	}
	return nil, ServerOtherFatal, err
}

// consumeRequestLine reads the rest of a plaintext request line directly
// off the raw fd, having already seen the bytes TLS peeked as a would-be
// record header. It stops at the first LF or a short bound of attempts,
// since a non-blocking fd with no data left simply means the peer paused.
func consumeRequestLine(raw *rawConn, alreadyRead []byte) {
	for _, b := range alreadyRead {
		if b == '\n' {
			return
		}
	}
	var buf [1]byte
	for i := 0; i < 4096; i++ {
		n, err := raw.Read(buf[:])
		if err != nil {
			if errors.Is(err, errWouldBlock) {
				time.Sleep(time.Millisecond)
				continue
			}
			return
		}
		if n == 0 {
			return
		}
		if buf[0] == '\n' {
			return
		}
	}
}

// Read performs a TLS-layer read. A WANT_READ/WANT_WRITE condition (mapped
// from the raw fd's would-block error) is reported as zero bytes with no
// error, the same "try again" outcome plain reads use; a true error marks
// the session broken, for the caller to surface.
func (s *Session) Read(p []byte) (int, error) {
	n, err := s.conn.Read(p)
	if err != nil {
		if errors.Is(err, errWouldBlock) {
			return 0, nil
		}
		return n, err
	}
	return n, nil
}

// Write performs a TLS-layer write with the same would-block mapping as
// Read. The peculiarity the spec calls out - that WANT_READ on a write (or
// WANT_WRITE on a read) may need a zero-length op on the other direction to
// unblock - is handled by crypto/tls internally, since the record layer
// multiplexes both directions over the same net.Conn; nothing extra to nudge
// here beyond retrying the original op.
func (s *Session) Write(p []byte) (int, error) {
	n, err := s.conn.Write(p)
	if err != nil {
		if errors.Is(err, errWouldBlock) {
			return 0, nil
		}
		return n, err
	}
	return n, nil
}

// Shutdown issues a clean TLS close_notify.
func (s *Session) Shutdown() error {
	return s.conn.Close()
}

// PeerCertificate returns the peer's leaf certificate, fetched and cached
// on first call.
func (s *Session) PeerCertificate() *x509.Certificate {
	if s.peerCert != nil {
		return s.peerCert
	}
	state := s.conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	s.peerCert = state.PeerCertificates[0]
	return s.peerCert
}

// ConnectionState exposes the underlying TLS connection state, the
// get_ssl(conn) equivalent for callers that need raw access (e.g. cipher
// suite reporting in diagnostics).
func (s *Session) ConnectionState() tls.ConnectionState {
	return s.conn.ConnectionState()
}
