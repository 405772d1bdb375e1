package conn

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"

	"github.com/wapgw/conncore/gwlog"
)

const maxReadChunk = 4096

// Write appends data to outbuf under out_lock, then attempts an
// opportunistic drain. Writing an empty payload is a no-op (§8 boundary
// behavior): listening_pollout must not change.
func (c *Connection) Write(data []byte) (Outcome, error) {
	if len(data) == 0 {
		return OutcomeQueued, nil
	}
	c.lockOut()
	defer c.unlockOut()
	c.out.Append(data)
	return c.tryWriteLocked()
}

// WriteData is the byte-slice equivalent of Write (the spec's
// write_data(conn, ptr, len) distinguishes a raw pointer+length call from a
// managed-string write; in Go both are just []byte).
func (c *Connection) WriteData(data []byte) (Outcome, error) {
	return c.Write(data)
}

// WriteWithLen prepends a four-octet big-endian length before the payload,
// appended atomically under the same out_lock acquisition as the length
// prefix, before attempting an opportunistic drain.
func (c *Connection) WriteWithLen(data []byte) (Outcome, error) {
	c.lockOut()
	defer c.unlockOut()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	c.out.Append(hdr[:])
	c.out.Append(data)
	return c.tryWriteLocked()
}

// tryWriteLocked implements try_write (§4.2). Caller must hold out_lock.
func (c *Connection) tryWriteLocked() (Outcome, error) {
	pending := c.out.Len()
	if pending == 0 {
		return OutcomeClean, nil
	}
	if pending < c.outputBuffering {
		return OutcomeQueued, nil
	}
	return c.unlockedWrite()
}

// unlockedWrite attempts one non-blocking send of outbuf[outbuf_pos:].
// Caller must hold out_lock. Transient conditions are "wrote 0 bytes";
// true errors mark the connection broken and are surfaced to the caller,
// never silently swallowed.
func (c *Connection) unlockedWrite() (Outcome, error) {
	var n int
	var err error
	if c.session != nil {
		c.tlsMu.Lock()
		n, err = c.session.Write(c.out.Bytes())
		c.tlsMu.Unlock()
	} else {
		n, err = unix.Write(c.fd, c.out.Bytes())
		if err != nil {
			if isTransient(err) {
				n, err = 0, nil
			}
		}
	}
	if err != nil {
		c.logBroken(err)
		return OutcomeBroken, ErrBroken
	}
	if n > 0 {
		c.out.Advance(n)
		c.out.CompactIfOverHalf()
	}

	c.refreshPollOutLocked()

	if c.out.Len() == 0 {
		return OutcomeClean, nil
	}
	return OutcomeQueued, nil
}

// unlockedRead implements §4.3's unlocked_read. Caller must hold in_lock.
func (c *Connection) unlockedRead() (Outcome, error) {
	c.in.Compact()
	tail := c.in.Reserve(maxReadChunk)
	before := c.in.TotalLen() - maxReadChunk

	var n int
	var err error
	var wouldBlock bool
	if c.session != nil {
		c.tlsMu.Lock()
		n, err = c.session.Read(tail)
		c.tlsMu.Unlock()
		// A TLS session reports WANT_READ/WANT_WRITE as (0, nil): there is
		// no zero-byte-read-means-EOF convention at this layer, a true close
		// surfaces as a non-nil error instead (§4.5).
		wouldBlock = n == 0 && err == nil
	} else {
		n, err = unix.Read(c.fd, tail)
		if err != nil && isTransient(err) {
			n, err, wouldBlock = 0, nil, true
		}
	}
	c.in.Truncate(before + max(n, 0))

	if err != nil {
		c.readErr = err
		c.refreshPollInLocked()
		c.logBroken(err)
		return OutcomeBroken, ErrBroken
	}
	if wouldBlock {
		return OutcomeProgress, nil
	}
	if n == 0 {
		c.readEOF = true
		c.refreshPollInLocked()
		return OutcomeProgress, nil
	}
	return OutcomeProgress, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.EWOULDBLOCK)
}

func (c *Connection) logBroken(err error) {
	if _, ok := brokenLogLimiter.Allow(c.id); ok {
		gwlog.Default().Err(gwlog.CategoryConn).Err(err).Log("connection broken")
	}
}

// ReadEverything returns any currently buffered data; if the buffer was
// empty, one refill attempt is made first.
func (c *Connection) ReadEverything() ([]byte, error) {
	c.lockIn()
	defer c.unlockIn()
	if c.in.Len() == 0 {
		if _, err := c.unlockedRead(); err != nil {
			return nil, err
		}
	}
	if c.in.Len() == 0 {
		return nil, nil
	}
	return c.in.Take(c.in.Len()), nil
}

// ReadFixed returns exactly n octets or nil if fewer are available after at
// most one refill attempt. ReadFixed(0) returns an empty result immediately
// without touching the socket (§8 boundary behavior).
func (c *Connection) ReadFixed(n int) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	c.lockIn()
	defer c.unlockIn()
	if c.in.Len() < n {
		if _, err := c.unlockedRead(); err != nil {
			return nil, err
		}
	}
	if c.in.Len() < n {
		return nil, nil
	}
	return c.in.Take(n), nil
}

// ReadLine scans for LF, returning the preceding bytes with a trailing CR
// stripped if present; the LF is consumed. Returns nil if no complete line
// is buffered after at most one refill attempt.
func (c *Connection) ReadLine() ([]byte, error) {
	c.lockIn()
	defer c.unlockIn()

	idx := c.in.IndexByte('\n')
	if idx < 0 {
		if _, err := c.unlockedRead(); err != nil {
			return nil, err
		}
		idx = c.in.IndexByte('\n')
		if idx < 0 {
			return nil, nil
		}
	}

	line := c.in.Take(idx + 1)
	line = line[:len(line)-1] // drop LF
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, nil
}

// ReadWithLen reads a four-octet big-endian length then that many payload
// octets. A negative length is skipped (four octets discarded) and parsing
// retried.
func (c *Connection) ReadWithLen() ([]byte, error) {
	c.lockIn()
	defer c.unlockIn()

	refilled := false
	for {
		if c.in.Len() < 4 {
			if refilled {
				return nil, nil
			}
			if _, err := c.unlockedRead(); err != nil {
				return nil, err
			}
			refilled = true
			if c.in.Len() < 4 {
				return nil, nil
			}
		}

		hdr := c.in.Bytes()[:4]
		length := int32(binary.BigEndian.Uint32(hdr))
		if length < 0 {
			c.in.Take(4)
			continue
		}

		if c.in.Len() < 4+int(length) {
			if refilled {
				return nil, nil
			}
			if _, err := c.unlockedRead(); err != nil {
				return nil, err
			}
			refilled = true
			if c.in.Len() < 4+int(length) {
				return nil, nil
			}
		}

		c.in.Take(4)
		return c.in.Take(int(length)), nil
	}
}

// ReadPacket discards everything up to the first startMark, then returns
// bytes through the next endMark (inclusive). Bytes before startMark are
// permanently lost, a deliberate framing discipline (§9 Open Question 3),
// kept exactly as specified.
func (c *Connection) ReadPacket(startMark, endMark byte) ([]byte, error) {
	c.lockIn()
	defer c.unlockIn()

	refilled := false
	for {
		start := c.in.IndexByte(startMark)
		if start < 0 {
			c.in.Take(c.in.Len())
			if refilled {
				return nil, nil
			}
			if _, err := c.unlockedRead(); err != nil {
				return nil, err
			}
			refilled = true
			continue
		}
		if start > 0 {
			c.in.Take(start)
		}

		end := c.in.IndexByte(endMark)
		if end < 0 {
			if refilled {
				return nil, nil
			}
			if _, err := c.unlockedRead(); err != nil {
				return nil, err
			}
			refilled = true
			continue
		}
		return c.in.Take(end + 1), nil
	}
}
