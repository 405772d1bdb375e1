package conn

import "github.com/wapgw/conncore/fdset"

// Register installs the connection with fdset under callback. Both locks
// must be held for the duration (out before in), per §4.4. Re-registering
// with the same fdset only swaps the callback; re-registering with a
// different one fails without side effects.
func (c *Connection) Register(fs *fdset.FDSet, cb Callback) error {
	c.lockBoth()
	defer c.unlockBoth()

	if c.registered != nil {
		if c.registered != fs {
			return ErrDifferentFDSet
		}
		c.callback = cb
		return nil
	}

	c.registered = fs
	c.callback = cb

	mask := c.desiredMaskLocked()
	c.listeningPollIn = mask&fdset.In != 0
	c.listeningPollOut = mask&fdset.Out != 0

	return fs.Register(c.fd, mask, func(ev fdset.Events) { c.pollCallback(ev) })
}

// Unregister removes the connection from its FDSet, if any.
func (c *Connection) Unregister() error {
	c.lockBoth()
	defer c.unlockBoth()

	if c.registered == nil {
		return nil
	}
	fs := c.registered
	c.registered = nil
	c.listeningPollIn = false
	c.listeningPollOut = false
	return fs.Unregister(c.fd)
}

// desiredMaskLocked computes the initial interest mask from connection
// state: POLLIN unless EOF/error, POLLOUT iff queued output, both if still
// connecting. Caller must hold both locks.
func (c *Connection) desiredMaskLocked() fdset.Events {
	var mask fdset.Events
	if c.state.load() == StateConnecting {
		return fdset.In | fdset.Out
	}
	if !c.readEOF && c.readErr == nil {
		mask |= fdset.In
	}
	if c.out.Len() > 0 {
		mask |= fdset.Out
	}
	return mask
}

// registerPollIn and registerPollOut are the only sites that call
// fdset.Listen, and only when the desired bit differs from the shadow copy,
// because the fdset call may cross thread boundaries (§4.4).
func (c *Connection) registerPollIn(want bool) {
	if c.registered == nil || c.listeningPollIn == want {
		return
	}
	c.listeningPollIn = want
	_ = c.registered.Listen(c.fd, fdset.In, boolMask(want, fdset.In))
}

func (c *Connection) registerPollOut(want bool) {
	if c.registered == nil || c.listeningPollOut == want {
		return
	}
	c.listeningPollOut = want
	_ = c.registered.Listen(c.fd, fdset.Out, boolMask(want, fdset.Out))
}

func boolMask(want bool, bit fdset.Events) fdset.Events {
	if want {
		return bit
	}
	return 0
}

// refreshPollOutLocked updates listening_pollout to match whether outbuf
// still has undrained bytes. Caller must hold out_lock.
func (c *Connection) refreshPollOutLocked() {
	c.registerPollOut(c.out.Len() > 0)
}

// refreshPollInLocked clears POLLIN interest once EOF or a read error is
// sticky, to prevent polling storms on an always-readable closed socket
// (§7.5). Caller must hold in_lock.
func (c *Connection) refreshPollInLocked() {
	c.registerPollIn(!c.readEOF && c.readErr == nil)
}

// pollCallback runs on the FDSet's private thread (§4.4). Rule 1: while
// connecting, invoke the user callback once and do nothing else this
// round - it must call GetConnectResult. Rule 2: POLLOUT drains outbuf.
// Rule 3: POLLIN/POLLERR refills inbuf. Rule 4: the user callback runs
// exactly once per event cycle.
func (c *Connection) pollCallback(ev fdset.Events) {
	if c.state.load() == StateConnecting {
		c.invokeCallback()
		return
	}

	if ev&fdset.Out != 0 {
		c.lockOut()
		c.unlockedWrite()
		c.unlockOut()
	}
	if ev&(fdset.In|fdset.Err) != 0 {
		c.lockIn()
		c.unlockedRead()
		c.unlockIn()
	}

	c.invokeCallback()
}

func (c *Connection) invokeCallback() {
	if c.callback != nil {
		c.callback(c)
	}
}
