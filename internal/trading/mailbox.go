package trading

import (
	"sync"
)

const mailboxBuffer = 256

// mailbox runs closures one at a time on a dedicated goroutine, giving
// the symbol context single-writer semantics without a lock around
// every field. Stream handlers post asynchronously; strategy-facing
// calls that need an answer use call, which blocks until the closure
// has run.
//
// call must never be invoked from code already running on the mailbox,
// that would deadlock. Code on the mailbox touches state directly.
type mailbox struct {
	ch     chan func()
	quit   chan struct{}
	exited chan struct{}
	once   sync.Once

	mu     sync.Mutex
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{
		ch:     make(chan func(), mailboxBuffer),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox) run() {
	defer close(m.exited)
	for {
		select {
		case fn := <-m.ch:
			fn()
		case <-m.quit:
			// Drain what was queued before shutdown so posted fills
			// are not lost.
			for {
				select {
				case fn := <-m.ch:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post queues fn for execution. It reports false once the mailbox is
// closing and the closure was not accepted.
func (m *mailbox) post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()
	select {
	case m.ch <- fn:
		return true
	case <-m.quit:
		return false
	}
}

// call runs fn on the mailbox and waits for it to finish.
func (m *mailbox) call(fn func()) bool {
	done := make(chan struct{})
	if !m.post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-m.exited:
		// Shutdown raced the post; the closure may have been dropped.
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}

// close stops the runner after draining queued closures.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.once.Do(func() { close(m.quit) })
	<-m.exited
}
