package prediction

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type firing struct {
	count int
	at    time.Time
}

// persister writes fire counts in the background so matching never waits on
// storage. Pending writes for the same hook coalesce; only the latest count
// is written, and the store ignores counts that move backwards.
type persister struct {
	store Store
	log   *slog.Logger

	mu      sync.Mutex
	pending map[string]firing

	wake  chan struct{}
	flush chan chan struct{}
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

func newPersister(store Store, log *slog.Logger) *persister {
	p := &persister{
		store:   store,
		log:     log,
		pending: make(map[string]firing),
		wake:    make(chan struct{}, 1),
		flush:   make(chan chan struct{}),
		stop:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// enqueue never blocks.
func (p *persister) enqueue(hookID string, count int, at time.Time) {
	p.mu.Lock()
	if cur, ok := p.pending[hookID]; !ok || count > cur.count {
		p.pending[hookID] = firing{count: count, at: at}
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *persister) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.wake:
			p.drain()
		case done := <-p.flush:
			p.drain()
			close(done)
		case <-p.stop:
			p.drain()
			return
		}
	}
}

func (p *persister) drain() {
	p.mu.Lock()
	batch := p.pending
	p.pending = make(map[string]firing)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for id, f := range batch {
		if err := p.store.RecordHookFiring(ctx, id, f.count, f.at); err != nil {
			p.log.Error("persist hook firing", "hook", id, "count", f.count, "error", err)
		}
	}
}

// Flush blocks until everything enqueued so far is written.
func (p *persister) Flush() {
	done := make(chan struct{})
	select {
	case p.flush <- done:
		<-done
	case <-p.stop:
	}
}

// Stop writes what is pending and ends the worker.
func (p *persister) Stop() {
	p.once.Do(func() {
		close(p.stop)
		p.wg.Wait()
	})
}
