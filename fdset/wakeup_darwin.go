//go:build darwin

package fdset

import "syscall"

// createWakeFd allocates a self-pipe used to interrupt a blocked wait() from
// another goroutine, grounded on the teacher's wakeup_darwin.go (Darwin has
// no eventfd equivalent, so a non-blocking pipe stands in).
func createWakeFd() (int, error) {
	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		return 0, err
	}
	if err := syscall.SetNonblock(fds[0], true); err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		return 0, err
	}
	if err := syscall.SetNonblock(fds[1], true); err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		return 0, err
	}
	wakePipes[fds[0]] = fds[1]
	return fds[0], nil
}

// wakePipes maps the read-end fd (the one registered with the poller) to its
// paired write-end fd, since Darwin's wakeup primitive is two fds, not one.
var wakePipes = make(map[int]int)

func closeWakeFd(fd int) error {
	writeFd, ok := wakePipes[fd]
	if ok {
		delete(wakePipes, fd)
		syscall.Close(writeFd)
	}
	return syscall.Close(fd)
}

func submitWake(fd int) error {
	writeFd, ok := wakePipes[fd]
	if !ok {
		return nil
	}
	_, err := syscall.Write(writeFd, []byte{1})
	if err == syscall.EAGAIN {
		return nil
	}
	return err
}

func drainWake(fd int) {
	var buf [512]byte
	for {
		_, err := syscall.Read(fd, buf[:])
		if err != nil {
			return
		}
	}
}
