package fetch

import (
	"context"
	"fmt"

	"github.com/jdholdren/feedshare/internal/feedshare"
)

type (
	// Pool is a fixed-size set of workers that run fetch tasks. Scrapes
	// can take minutes, so they run on these dedicated workers instead
	// of the request goroutines; excess tasks queue for a free worker.
	Pool struct {
		tasks chan task
	}

	task struct {
		ctx    context.Context
		run    func(ctx context.Context) ([]feedshare.Record, error)
		result chan taskResult
	}

	taskResult struct {
		records []feedshare.Record
		err     error
	}
)

func NewPool(workers int) *Pool {
	p := &Pool{
		tasks: make(chan task),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	return p
}

// Do submits the task and blocks until it finishes or ctx expires.
// The task itself also runs under ctx, so an expired caller doesn't
// leave a worker scraping for nobody.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) ([]feedshare.Record, error)) ([]feedshare.Record, error) {
	t := task{
		ctx:    ctx,
		run:    fn,
		result: make(chan taskResult, 1),
	}

	select {
	case p.tasks <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-t.result:
		return res.records, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the workers once queued tasks drain.
func (p *Pool) Close() {
	close(p.tasks)
}

func (p *Pool) worker() {
	for t := range p.tasks {
		if err := t.ctx.Err(); err != nil {
			t.result <- taskResult{err: err}
			continue
		}

		records, err := runTask(t)
		t.result <- taskResult{records: records, err: err}
	}
}

// runTask traps panics from the task so a bad fetch can't take a
// worker down; the caller sees it as an ordinary error.
func runTask(t task) (records []feedshare.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch task panicked: %v", r)
		}
	}()

	return t.run(t.ctx)
}
