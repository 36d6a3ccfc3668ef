package transport

import (
	"context"
	"sync"
)

type deliverFunc func(ctx context.Context, to string, msg Message) ([]byte, error)

// outbound tracks in-flight sends so Shutdown can drain them, and, when
// in-order delivery is requested, funnels every send to a peer through that
// peer's queue so its handler sees them in send order.
type outbound struct {
	deliver deliverFunc
	inOrder bool

	mu     sync.Mutex
	closed bool
	peers  map[string]*peerQueue
	wg     sync.WaitGroup
}

type sendJob struct {
	ctx    context.Context
	to     string
	msg    Message
	result chan sendResult
}

type sendResult struct {
	reply []byte
	err   error
}

type peerQueue struct {
	jobs chan *sendJob
	stop chan struct{}
	done chan struct{}
}

func newOutbound(deliver deliverFunc, inOrder bool) *outbound {
	return &outbound{
		deliver: deliver,
		inOrder: inOrder,
		peers:   make(map[string]*peerQueue),
	}
}

func (o *outbound) send(ctx context.Context, to string, msg Message) ([]byte, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	o.wg.Add(1)
	var q *peerQueue
	if o.inOrder {
		q = o.queueLocked(to)
	}
	o.mu.Unlock()
	defer o.wg.Done()

	if q == nil {
		return o.deliver(ctx, to, msg)
	}

	job := &sendJob{ctx: ctx, to: to, msg: msg, result: make(chan sendResult, 1)}
	select {
	case q.jobs <- job:
	case <-q.stop:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, timeoutErr(ctx.Err())
	}
	// The worker answers every job it dequeues, also those whose context
	// expired while queued.
	select {
	case res := <-job.result:
		return res.reply, res.err
	case <-q.done:
		select {
		case res := <-job.result:
			return res.reply, res.err
		default:
			return nil, ErrClosed
		}
	}
}

func (o *outbound) queueLocked(to string) *peerQueue {
	q, ok := o.peers[to]
	if ok {
		return q
	}
	q = &peerQueue{
		jobs: make(chan *sendJob, 64),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	o.peers[to] = q
	go o.work(q)
	return q
}

func (o *outbound) work(q *peerQueue) {
	defer close(q.done)
	for {
		select {
		case job := <-q.jobs:
			if err := job.ctx.Err(); err != nil {
				job.result <- sendResult{err: timeoutErr(err)}
				continue
			}
			reply, err := o.deliver(job.ctx, job.to, job.msg)
			job.result <- sendResult{reply: reply, err: err}
		case <-q.stop:
			for {
				select {
				case job := <-q.jobs:
					job.result <- sendResult{err: ErrClosed}
				default:
					return
				}
			}
		}
	}
}

// close rejects new sends and waits for the in-flight ones, bounded by ctx.
func (o *outbound) close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}

	o.mu.Lock()
	for _, q := range o.peers {
		close(q.stop)
	}
	o.peers = map[string]*peerQueue{}
	o.mu.Unlock()
	return err
}
