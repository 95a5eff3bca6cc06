// Package async provides tools for offloading work to goroutines while
// keeping all result handling on a single owner goroutine.
//
// The batch scheduler loop is the only goroutine allowed to touch scheduler
// state. Job execution still has to happen concurrently, so the loop runs
// each job through a Runner: the work function executes in its own goroutine
// and the completion callback is deferred until the loop next calls
// ProcessMessages. Callbacks therefore run on the loop goroutine and may
// freely mutate loop-owned state without locks.
package async

// Pending is an eventual error value, fulfilled exactly once by the goroutine
// that ran the work.
type Pending struct {
	errCh chan error
}

func newPending() *Pending {
	return &Pending{errCh: make(chan error, 1)}
}

// fulfill supplies the value. Must be called exactly once.
func (p *Pending) fulfill(err error) {
	p.errCh <- err
}

// poll returns (true, value) once fulfilled, (false, nil) before that.
func (p *Pending) poll() (bool, error) {
	select {
	case err := <-p.errCh:
		return true, err
	default:
		return false, nil
	}
}

// Callback handles a completed work function's error value.
type Callback func(error)

type message struct {
	pending  *Pending
	callback Callback
}

// Mailbox pairs Pendings with their callbacks and invokes the callbacks of
// fulfilled entries when ProcessMessages is called. A Mailbox is not safe for
// concurrent use; it must only ever be touched by its owner goroutine.
type Mailbox struct {
	msgs []message
}

func NewMailbox() *Mailbox {
	return &Mailbox{}
}

// Count returns the number of in-flight entries.
func (bx *Mailbox) Count() int {
	return len(bx.msgs)
}

// NewPending registers cb to be invoked, from ProcessMessages, once the
// returned Pending is fulfilled.
func (bx *Mailbox) NewPending(cb Callback) *Pending {
	msg := message{pending: newPending(), callback: cb}
	bx.msgs = append(bx.msgs, msg)
	return msg.pending
}

// ProcessMessages invokes the callback of every fulfilled entry, on the
// calling goroutine, and drops those entries from the mailbox.
func (bx *Mailbox) ProcessMessages() {
	var remaining []message
	for _, msg := range bx.msgs {
		done, err := msg.pending.poll()
		if done {
			msg.callback(err)
		} else {
			remaining = append(remaining, msg)
		}
	}
	bx.msgs = remaining
}
