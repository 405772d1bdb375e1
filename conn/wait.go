package conn

import "github.com/wapgw/conncore/fdset"

// Wait blocks until any of: timeoutMs expires, input arrives, pending
// output drains partially, or the thread is woken externally via
// ThreadWakeup(ThreadSelf()). timeoutMs of 0 polls once without blocking;
// negative blocks indefinitely. Per §4.3.
func (c *Connection) Wait(timeoutMs int) (Outcome, error) {
	c.lockOut()
	before := c.out.Len()
	var pending int
	if before > 0 {
		outcome, writeErr := c.unlockedWrite()
		pending = c.out.Len()
		c.unlockOut()
		if writeErr != nil {
			return outcome, writeErr
		}
		if pending < before {
			return OutcomeProgress, nil
		}
	} else {
		c.unlockOut()
	}

	var mask fdset.Events
	if pending > 0 {
		mask |= fdset.Out
	}
	c.lockIn()
	eofOrErr := c.readEOF || c.readErr != nil
	c.unlockIn()
	if !eofOrErr {
		mask |= fdset.In
	}

	revents, woke, err := fdset.PollFD(c.fd, mask, timeoutMs)
	if err != nil {
		return OutcomeBroken, err
	}
	if woke && revents == 0 {
		return OutcomeProgress, nil
	}
	if revents == 0 {
		return OutcomeTimedOut, ErrTimeout
	}
	if revents&fdset.Inval != 0 {
		return OutcomeBroken, ErrBroken
	}
	if revents&(fdset.Err|fdset.Hup) != 0 {
		c.lockIn()
		c.unlockedRead()
		c.unlockIn()
		return OutcomeBroken, ErrBroken
	}
	if revents&fdset.Out != 0 {
		c.lockOut()
		c.unlockedWrite()
		c.unlockOut()
	}
	if revents&fdset.In != 0 {
		c.lockIn()
		c.unlockedRead()
		c.unlockIn()
	}
	return OutcomeProgress, nil
}

// Flush drains outbuf fully, alternating unlockedWrite with an
// interruptible poll for POLLOUT (no timeout). An external wakeup returns
// OutcomeInterrupted without draining completely. POLLNVAL/POLLERR/POLLHUP
// trigger one final write attempt whose result is reported (§9 Open
// Question 4: all four conditions are treated identically, the write
// attempt surfaces the true error synchronously).
func (c *Connection) Flush() (Outcome, error) {
	for {
		c.lockOut()
		outcome, err := c.unlockedWrite()
		remaining := c.out.Len()
		c.unlockOut()
		if err != nil {
			return outcome, err
		}
		if remaining == 0 {
			return OutcomeClean, nil
		}

		revents, woke, err := fdset.PollFD(c.fd, fdset.Out, -1)
		if err != nil {
			return OutcomeBroken, err
		}
		if woke && revents == 0 {
			return OutcomeInterrupted, ErrInterrupted
		}
		if revents&(fdset.Inval|fdset.Err|fdset.Hup|fdset.Out) != 0 {
			c.lockOut()
			outcome, err = c.unlockedWrite()
			c.unlockOut()
			if err != nil {
				return outcome, err
			}
			continue
		}
	}
}
