// Package asyncdict offloads livedict calls onto a worker pool and hands
// back futures. Abandoning a future does not retract the submitted task:
// the operation — and any hooks it triggers — still runs to completion, so
// at-least-once hook execution is preserved.
package asyncdict

import (
	"context"
	"sync"

	"github.com/hemanshu03/livedict/pkg/livedict"
)

// Result carries the outcome of one offloaded call.
type Result struct {
	Value []byte
	Err   error
}

// Future resolves once the submitted task has run.
type Future struct {
	done chan struct{}
	res  Result
}

// Wait blocks until the result is ready or ctx is done. Cancelling the wait
// does not cancel the task.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Dict wraps a store with an asynchronous call surface.
type Dict struct {
	store *livedict.Store

	tasks chan func()
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// New starts workers goroutines serving submitted calls.
func New(store *livedict.Store, workers int) *Dict {
	if workers <= 0 {
		workers = 4
	}
	d := &Dict{
		store: store,
		tasks: make(chan func(), 64),
		quit:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *Dict) worker() {
	defer d.wg.Done()
	for {
		select {
		case fn := <-d.tasks:
			fn()
		case <-d.quit:
			// Drain everything already submitted before exiting.
			for {
				select {
				case fn := <-d.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (d *Dict) submit(run func() Result) *Future {
	f := &Future{done: make(chan struct{})}
	task := func() {
		f.res = run()
		close(f.done)
	}
	select {
	case d.tasks <- task:
	case <-d.quit:
		// Pool is closing; run inline rather than drop the task.
		task()
	}
	return f
}

func (d *Dict) Set(key string, value []byte, opts ...livedict.CallOption) *Future {
	return d.submit(func() Result {
		return Result{Err: d.store.Set(key, value, opts...)}
	})
}

func (d *Dict) Get(key string, opts ...livedict.CallOption) *Future {
	return d.submit(func() Result {
		v, err := d.store.Get(key, opts...)
		return Result{Value: v, Err: err}
	})
}

func (d *Dict) Delete(key string, opts ...livedict.CallOption) *Future {
	return d.submit(func() Result {
		return Result{Err: d.store.Delete(key, opts...)}
	})
}

// Close stops the workers after draining submitted tasks. The underlying
// store is left running; stop it separately.
func (d *Dict) Close() {
	d.once.Do(func() {
		close(d.quit)
		d.wg.Wait()
	})
}
