package conn

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// fdFromTCPConn pulls the raw fd out of a net.TCPConn via SyscallConn,
// duplicating it so closing the net.Conn wrapper afterward doesn't also
// close the fd out from under the connection core. The core owns fd
// lifecycle exclusively from here on, per §5's "fd must never be touched
// outside the connection after wrapping".
func fdFromTCPConn(nc net.Conn) (int, error) {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return -1, errors.New("conn: underlying net.Conn is not fd-backed")
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}

	var dup int
	var dupErr error
	if err := rc.Control(func(fd uintptr) {
		dup, dupErr = unix.Dup(int(fd))
	}); err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, dupErr
	}
	nc.Close()
	return dup, nil
}
