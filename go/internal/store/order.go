package store

import (
	"context"
	"sync"
)

// CommitOrder runs the after-commit hooks of concurrent transactions in the
// order they committed. A transaction takes a ticket while it still holds
// its locks and hands it back to Run once the commit is done, whether or not
// it succeeded. The zero value is ready to use.
type CommitOrder struct {
	mu    sync.Mutex
	turn  *sync.Cond
	next  uint64
	taken uint64
}

func (o *CommitOrder) cond() *sync.Cond {
	if o.turn == nil {
		o.turn = sync.NewCond(&o.mu)
	}
	return o.turn
}

// Take returns the next ticket.
func (o *CommitOrder) Take() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.taken
	o.taken++
	return t
}

// Run waits for every earlier ticket, runs hooks and releases the ticket.
// A rolled back transaction passes no hooks.
func (o *CommitOrder) Run(ctx context.Context, ticket uint64, hooks []func(ctx context.Context)) {
	o.mu.Lock()
	for o.next != ticket {
		o.cond().Wait()
	}
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.next++
		o.cond().Broadcast()
		o.mu.Unlock()
	}()
	for _, hook := range hooks {
		hook(ctx)
	}
}
