package queue

import "github.com/puzpuzpuz/xsync/v4"

// notifier wakes long-poll waiters when a queue may have become
// non-empty. Each queue owns a channel that is closed and replaced on
// wake; waiters re-check readiness after the channel closes, so a
// spurious wake costs one extra lease query and a missed wake cannot
// strand a waiter past its poll deadline.
type notifier struct {
	waiters *xsync.Map[string, chan struct{}]
}

func newNotifier() *notifier {
	return &notifier{waiters: xsync.NewMap[string, chan struct{}]()}
}

// wait returns a channel that closes the next time wake is called for
// the queue.
func (n *notifier) wait(queue string) <-chan struct{} {
	ch, _ := n.waiters.Compute(queue, func(old chan struct{}, loaded bool) (chan struct{}, xsync.ComputeOp) {
		if loaded {
			return old, xsync.CancelOp
		}
		return make(chan struct{}), xsync.UpdateOp
	})
	return ch
}

// wake releases all current waiters for the queue.
func (n *notifier) wake(queue string) {
	n.waiters.Compute(queue, func(old chan struct{}, loaded bool) (chan struct{}, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		close(old)
		return old, xsync.DeleteOp
	})
}
