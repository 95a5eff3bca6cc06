package async

// Func is a unit of work that runs in its own goroutine and returns an error.
type Func func() error

// Runner spawns goroutines to run Funcs and routes each result to a callback
// through a Mailbox. RunAsync may be called from any goroutine, but
// ProcessMessages (and therefore all callbacks) must stay on the owner
// goroutine.
type Runner struct {
	bx *Mailbox
}

func NewRunner() Runner {
	return Runner{bx: NewMailbox()}
}

// RunAsync runs f in a new goroutine. cb is invoked with f's result during a
// later ProcessMessages call.
func (r *Runner) RunAsync(f Func, cb Callback) {
	pending := r.bx.NewPending(cb)
	go func(p *Pending) {
		p.fulfill(f())
	}(pending)
}

// NumRunning returns the number of Funcs whose callbacks have not fired yet.
func (r *Runner) NumRunning() int {
	return r.bx.Count()
}

// ProcessMessages invokes callbacks for all completed Funcs, synchronously on
// the calling goroutine.
func (r *Runner) ProcessMessages() {
	r.bx.ProcessMessages()
}
