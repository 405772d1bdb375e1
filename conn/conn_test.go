package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/wapgw/conncore/fdset"
)

func socketpair(t *testing.T) (*Connection, *Connection) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	a, err := WrapFD(fds[0], false)
	require.NoError(t, err)
	b, err := WrapFD(fds[1], false)
	require.NoError(t, err)

	t.Cleanup(a.Destroy)
	t.Cleanup(b.Destroy)
	return a, b
}

func TestWriteWithLenRoundTrip(t *testing.T) {
	a, b := socketpair(t)

	_, err := a.WriteWithLen([]byte("hi"))
	require.NoError(t, err)

	var payload []byte
	require.Eventually(t, func() bool {
		p, err := b.ReadWithLen()
		require.NoError(t, err)
		if p == nil {
			return false
		}
		payload = p
		return true
	}, time.Second, time.Millisecond)

	require.Equal(t, []byte("hi"), payload)
}

func TestReadLineReassemblyAcrossReads(t *testing.T) {
	a, b := socketpair(t)

	_, err := a.Write([]byte("abc"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	line, err := b.ReadLine()
	require.NoError(t, err)
	require.Nil(t, line)

	_, err = a.Write([]byte("def\r\nghi\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		line, err = b.ReadLine()
		require.NoError(t, err)
		return line != nil
	}, time.Second, time.Millisecond)
	require.Equal(t, []byte("abcdef"), line)

	require.Eventually(t, func() bool {
		line, err = b.ReadLine()
		require.NoError(t, err)
		return line != nil
	}, time.Second, time.Millisecond)
	require.Equal(t, []byte("ghi"), line)
}

func TestReadPacketDiscardsUntilStartMark(t *testing.T) {
	a, b := socketpair(t)

	_, err := a.Write([]byte("garbage{payload}tail{p2}"))
	require.NoError(t, err)

	var pkt []byte
	require.Eventually(t, func() bool {
		pkt, err = b.ReadPacket('{', '}')
		require.NoError(t, err)
		return pkt != nil
	}, time.Second, time.Millisecond)
	require.Equal(t, []byte("{payload}"), pkt)

	require.Eventually(t, func() bool {
		pkt, err = b.ReadPacket('{', '}')
		require.NoError(t, err)
		return pkt != nil
	}, time.Second, time.Millisecond)
	require.Equal(t, []byte("{p2}"), pkt)
}

func TestClaimTrapsConcurrentAccess(t *testing.T) {
	a, _ := socketpair(t)
	a.Claim()

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.Panics(t, func() {
			a.lockIn()
		})
	}()
	<-done
}

func TestClaimAllowsClaimingThread(t *testing.T) {
	a, _ := socketpair(t)
	a.Claim()
	require.NotPanics(t, func() {
		a.lockIn()
		a.unlockIn()
	})
}

func TestEOFStickiness(t *testing.T) {
	a, b := socketpair(t)

	a.Destroy()

	require.Eventually(t, func() bool {
		b.Wait(100)
		return b.EOF()
	}, 2*time.Second, 10*time.Millisecond)

	_, _ = b.ReadEverything()
	require.Eventually(t, func() bool {
		return b.EOF()
	}, time.Second, 10*time.Millisecond)

	data, err := b.ReadEverything()
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestReadFixedZeroDoesNotTouchSocket(t *testing.T) {
	a, _ := socketpair(t)
	data, err := a.ReadFixed(0)
	require.NoError(t, err)
	require.Equal(t, []byte{}, data)
}

func TestWriteEmptyPayloadIsNoop(t *testing.T) {
	a, _ := socketpair(t)
	before := a.listeningPollOut
	outcome, err := a.Write(nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, outcome)
	require.Equal(t, before, a.listeningPollOut)
}

func TestOutputBufferingThreshold(t *testing.T) {
	a, _ := socketpair(t)
	a.SetOutputBuffering(100)

	outcome, err := a.Write(make([]byte, 10))
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, outcome)
	require.Equal(t, 10, a.OutbufLen())

	a.SetOutputBuffering(0)
	_, err = a.Flush()
	require.NoError(t, err)
	require.Equal(t, 0, a.OutbufLen())
}

func TestWaitZeroPollsOnceAndReturnsPromptly(t *testing.T) {
	a, _ := socketpair(t)
	start := time.Now()
	_, err := a.Wait(0)
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestNonBlockingConnectPending(t *testing.T) {
	c, err := OpenTCPNB("10.255.255.1", 80, "")
	require.NoError(t, err)
	defer c.Destroy()
	require.Equal(t, StateConnecting, c.state.load())
}

func TestGetConnectResultRejectsEstablished(t *testing.T) {
	a, _ := socketpair(t)
	require.ErrorIs(t, a.GetConnectResult(), ErrNotConnecting)
}

func TestRegisterThenReregisterSameFDSetOnlyUpdatesCallback(t *testing.T) {
	fs, err := fdset.New()
	require.NoError(t, err)
	defer fs.Close()

	a, _ := socketpair(t)
	require.NoError(t, a.Register(fs, func(*Connection) {}))
	require.NoError(t, a.Register(fs, func(*Connection) {}))

	other, err := fdset.New()
	require.NoError(t, err)
	defer other.Close()
	require.ErrorIs(t, a.Register(other, func(*Connection) {}), ErrDifferentFDSet)
}
