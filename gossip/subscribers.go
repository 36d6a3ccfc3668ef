package gossip

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Subscriber receives membership notifications. Calls are made one at a time
// in the order the changes happened, on a goroutine of their own, so a
// subscriber may call back into the Gossiper.
type Subscriber func(ep Endpoint, kind ChangeKind)

// Subscribe registers fn and returns a function removing it.
func (g *Gossiper) Subscribe(fn Subscriber) (unsubscribe func()) {
	return g.notifier.subscribe(fn)
}

type event struct {
	ep   Endpoint
	kind ChangeKind
}

type subscription struct {
	fn Subscriber
}

// notifier is an unbounded ordered queue drained by one dispatcher
// goroutine, so the owner loop never waits on a subscriber.
type notifier struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []event
	subs   []*subscription
	closed bool
	done   chan struct{}
	log    logrus.FieldLogger
}

func newNotifier(log logrus.FieldLogger) *notifier {
	n := &notifier{done: make(chan struct{}), log: log}
	n.cond = sync.NewCond(&n.mu)
	return n
}

func (n *notifier) subscribe(fn Subscriber) func() {
	s := &subscription{fn: fn}
	n.mu.Lock()
	n.subs = append(n.subs, s)
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			for i, cur := range n.subs {
				if cur == s {
					n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (n *notifier) push(ep Endpoint, kind ChangeKind) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.queue = append(n.queue, event{ep, kind})
	n.cond.Signal()
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		for len(n.queue) == 0 && !n.closed {
			n.cond.Wait()
		}
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		ev := n.queue[0]
		n.queue[0] = event{}
		n.queue = n.queue[1:]
		subs := n.subs
		n.mu.Unlock()

		for _, s := range subs {
			n.deliver(s, ev)
		}
	}
}

func (n *notifier) deliver(s *subscription, ev event) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Errorf("Subscriber panicked on %s %s: %v", ev.kind, ev.ep, r)
		}
	}()
	s.fn(ev.ep, ev.kind)
}

// close delivers what is queued, then stops the dispatcher. It must only be
// called once run has been started.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.cond.Broadcast()
	n.mu.Unlock()
	<-n.done
}
