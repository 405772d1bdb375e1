//go:build linux || darwin

package fdset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestFDSetDispatchesReadable(t *testing.T) {
	a, b := socketpair(t)

	fs, err := New()
	require.NoError(t, err)
	defer fs.Close()

	fired := make(chan Events, 1)
	require.NoError(t, fs.Register(a, In, func(ev Events) { fired <- ev }))
	defer fs.Unregister(a)

	_, err = writeFD(b, []byte("hi"))
	require.NoError(t, err)

	select {
	case ev := <-fired:
		require.NotZero(t, ev&In)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for readable callback")
	}
}

func TestFDSetListenTogglesWriteInterest(t *testing.T) {
	a, _ := socketpair(t)

	fs, err := New()
	require.NoError(t, err)
	defer fs.Close()

	fired := make(chan Events, 4)
	require.NoError(t, fs.Register(a, In, func(ev Events) { fired <- ev }))
	defer fs.Unregister(a)

	require.NoError(t, fs.Listen(a, In|Out, In|Out))

	select {
	case ev := <-fired:
		require.NotZero(t, ev&Out)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for writable callback after Listen")
	}

	require.NoError(t, fs.Listen(a, Out, 0))
}

func TestFDSetUnregisterThenRegisterAgain(t *testing.T) {
	a, _ := socketpair(t)

	fs, err := New()
	require.NoError(t, err)
	defer fs.Close()

	require.NoError(t, fs.Register(a, In, func(Events) {}))
	require.NoError(t, fs.Unregister(a))
	require.ErrorIs(t, fs.Unregister(a), ErrNotRegistered)
	require.NoError(t, fs.Register(a, In, func(Events) {}))
}

func TestPollFDObservesWritable(t *testing.T) {
	a, _ := socketpair(t)

	ev, woke, err := PollFD(a, Out, 1000)
	require.NoError(t, err)
	require.False(t, woke)
	require.NotZero(t, ev&Out)
}

func TestPollFDInterruptedByThreadWakeup(t *testing.T) {
	a, _ := socketpair(t)

	done := make(chan struct{})
	var id ThreadID
	ready := make(chan struct{})
	go func() {
		id = ThreadSelf()
		close(ready)
		_, _, _ = PollFD(a, In, -1)
		close(done)
	}()

	<-ready
	time.Sleep(50 * time.Millisecond) // let PollFD register its wake fd
	require.NoError(t, ThreadWakeup(id))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PollFD was not interrupted by ThreadWakeup")
	}
}

func TestPollFDTimesOut(t *testing.T) {
	a, _ := socketpair(t)

	start := time.Now()
	ev, woke, err := PollFD(a, In, 50)
	require.NoError(t, err)
	require.False(t, woke)
	require.Zero(t, ev)
	require.WithinDuration(t, start.Add(50*time.Millisecond), time.Now(), 200*time.Millisecond)
}
