package cart

import (
	"context"
	"sync"
	"time"

	"github.com/starshop/cart/internal/domain"
	"go.uber.org/zap"
)

const defaultWriteTimeout = 5 * time.Second

type persistJob struct {
	seq   uint64
	lines []domain.CartLine // nil clears the store
}

// persister applies snapshots to the local store one at a time, in the order
// they were scheduled. Every scheduled snapshot is written; nothing is coalesced.
type persister struct {
	local        LocalStore
	log          *zap.Logger
	writeTimeout time.Duration
	onError      func(err *PersistenceError)

	mu       sync.Mutex
	queue    []persistJob
	enqueued uint64
	done     uint64
	progress chan struct{}
	closed   bool

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

func newPersister(local LocalStore, log *zap.Logger, writeTimeout time.Duration) *persister {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	p := &persister{
		local:        local,
		log:          log,
		writeTimeout: writeTimeout,
		progress:     make(chan struct{}),
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}

	p.wg.Add(1)
	go p.loop()

	return p
}

// schedule queues a snapshot. It never blocks on I/O.
func (p *persister) schedule(lines []domain.CartLine) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.enqueued++
	p.queue = append(p.queue, persistJob{seq: p.enqueued, lines: lines})
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

func (p *persister) loop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.wake:
			p.drain()
		case <-p.stop:
			p.drain()
			return
		}
	}
}

func (p *persister) drain() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		job := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.apply(job)

		p.mu.Lock()
		p.done = job.seq
		close(p.progress)
		p.progress = make(chan struct{})
		p.mu.Unlock()
	}
}

func (p *persister) apply(job persistJob) {
	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()

	var perr *PersistenceError
	if len(job.lines) == 0 {
		if err := p.local.Clear(ctx); err != nil {
			perr = &PersistenceError{Op: "clear", Err: err}
		}
	} else if err := p.local.Write(ctx, job.lines); err != nil {
		perr = &PersistenceError{Op: "write", Err: err}
	}

	if perr == nil {
		return
	}
	p.log.Warn("cart snapshot not persisted",
		zap.Uint64("seq", job.seq),
		zap.Int("lines", len(job.lines)),
		zap.Error(perr))
	if p.onError != nil {
		p.onError(perr)
	}
}

// flush waits until every snapshot scheduled before the call has been applied.
func (p *persister) flush(ctx context.Context) error {
	p.mu.Lock()
	target := p.enqueued
	p.mu.Unlock()

	for {
		p.mu.Lock()
		if p.done >= target {
			p.mu.Unlock()
			return nil
		}
		ch := p.progress
		p.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// close applies what is still queued and stops the writer.
func (p *persister) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()
}
