package conn

import "github.com/wapgw/conncore/fdset"

// Lock discipline (§4.1): two independent mutexes, out before in when both
// are needed. Once claimed, every lock/unlock becomes an assertion that the
// caller's thread identity matches the claiming thread; no mutex is taken.
// The assertion failure is the one documented panic in this package (§8
// scenario 6) - every other failure mode is an explicit error return.

func (c *Connection) lockIn() {
	if c.claimed.Load() {
		c.assertClaimingThread()
		return
	}
	c.inMu.Lock()
}

func (c *Connection) unlockIn() {
	if c.claimed.Load() {
		return
	}
	c.inMu.Unlock()
}

func (c *Connection) lockOut() {
	if c.claimed.Load() {
		c.assertClaimingThread()
		return
	}
	c.outMu.Lock()
}

func (c *Connection) unlockOut() {
	if c.claimed.Load() {
		return
	}
	c.outMu.Unlock()
}

// lockBoth acquires out_lock then in_lock, the only order this package ever
// takes both locks in (register/unregister touch both directions' shadow
// state).
func (c *Connection) lockBoth() {
	c.lockOut()
	c.lockIn()
}

func (c *Connection) unlockBoth() {
	c.unlockIn()
	c.unlockOut()
}

func (c *Connection) assertClaimingThread() {
	if fdset.ThreadSelf() != c.claimingThread {
		panic(ErrClaimed)
	}
}
