package relay

import "sync"

// pendingWait is the bookkeeping for one outstanding request. The first of
// reply, timeout, cancellation or publish failure to call resolve wins; later
// calls are dropped.
type pendingWait struct {
	channel string

	once  sync.Once
	done  chan struct{}
	reply []byte
	err   error
}

func newPendingWait(channel string) *pendingWait {
	return &pendingWait{channel: channel, done: make(chan struct{})}
}

// resolve records the outcome and reports whether this call won.
func (w *pendingWait) resolve(payload []byte, err error) bool {
	won := false
	w.once.Do(func() {
		w.reply = payload
		w.err = err
		won = true
		close(w.done)
	})
	return won
}

// listener returns the channel-filtered message handler for this wait.
// Only the first matching delivery resolves it; onLate observes the rest.
func (w *pendingWait) listener(onLate func()) Listener {
	return func(channel string, payload []byte) {
		if channel != w.channel {
			return
		}
		if !w.resolve(payload, nil) && onLate != nil {
			onLate()
		}
	}
}

// result blocks until the wait is resolved.
func (w *pendingWait) result() ([]byte, error) {
	<-w.done
	return w.reply, w.err
}
