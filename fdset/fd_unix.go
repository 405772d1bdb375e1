//go:build linux || darwin

package fdset

import "golang.org/x/sys/unix"

// closeFD, readFD and writeFD are thin package-internal wrappers over the
// raw syscalls; the conn package calls golang.org/x/sys/unix directly on
// the fd it owns. Grounded on the teacher's fd_unix.go.

func closeFD(fd int) error {
	return unix.Close(fd)
}

func readFD(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

func writeFD(fd int, p []byte) (int, error) {
	return unix.Write(fd, p)
}
