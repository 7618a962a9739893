package pressure

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// lockArena hands out one exclusive lock per entity id. Locks exist only
// while someone holds or waits on them.
type lockArena struct {
	mu    sync.Mutex
	locks map[string]*entityLock
}

type entityLock struct {
	ch   chan struct{}
	refs int
}

func newLockArena() *lockArena {
	return &lockArena{locks: make(map[string]*entityLock)}
}

// acquire locks every named entity in sorted order, so two events touching
// overlapping entity sets cannot deadlock. On failure nothing stays held.
func (a *lockArena) acquire(ctx context.Context, names ...string) (release func(), err error) {
	keys := uniqueSorted(names)
	held := make([]string, 0, len(keys))

	release = func() {
		for i := len(held) - 1; i >= 0; i-- {
			a.unlock(held[i])
		}
	}
	for _, k := range keys {
		if err := a.lock(ctx, k); err != nil {
			release()
			return nil, fmt.Errorf("lock entity %s: %w", k, err)
		}
		held = append(held, k)
	}
	return release, nil
}

// lock never grants to a caller whose context is already done, even when
// the lock is free.
func (a *lockArena) lock(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	l, ok := a.locks[name]
	if !ok {
		l = &entityLock{ch: make(chan struct{}, 1)}
		a.locks[name] = l
	}
	l.refs++
	a.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		a.drop(name, l)
		return ctx.Err()
	}
}

func (a *lockArena) unlock(name string) {
	a.mu.Lock()
	l := a.locks[name]
	a.mu.Unlock()
	<-l.ch
	a.drop(name, l)
}

func (a *lockArena) drop(name string, l *entityLock) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(a.locks, name)
	}
}

// size reports how many entity locks are currently live.
func (a *lockArena) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}

func uniqueSorted(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
