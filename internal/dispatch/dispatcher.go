// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dispatch

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/reverie/internal/queue"
)

// Dispatcher owns the worker pool that drains the queue. Each worker runs
// one envelope's full failover sequence before pulling the next, so worker
// count bounds total in-flight requests.
type Dispatcher struct {
	queue    *queue.Queue
	executor *Executor
	workers  int

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewDispatcher builds the pool. workers <= 0 selects providers*2, matching
// one queued and one in-flight request per upstream, with a floor of 2 so a
// single-provider deployment still overlaps queueing and dispatch.
func NewDispatcher(q *queue.Queue, executor *Executor, workers int) *Dispatcher {
	if workers <= 0 {
		workers = executor.providers.Len() * 2
	}
	if workers < 2 {
		workers = 2
	}
	return &Dispatcher{queue: q, executor: executor, workers: workers}
}

// Start launches the workers. They exit when ctx is canceled or the queue
// closes.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	log.Infof("dispatcher starting %d workers", d.workers)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx, i)
	}
}

// Stop cancels the workers and waits for in-flight envelopes to finish.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
	})
}

func (d *Dispatcher) work(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		env, err := d.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, queue.ErrQueueClosed) {
				log.Errorf("worker %d: dequeue: %v", id, err)
			}
			return
		}
		res := d.executor.Execute(ctx, env)
		if !env.Deliver(res) {
			// The envelope already carries a terminal result, which only
			// happens when it was evicted after this worker dequeued it.
			log.Debugf("worker %d: duplicate terminal result for %s discarded", id, env.ID)
		}
	}
}

// Workers reports the pool size.
func (d *Dispatcher) Workers() int { return d.workers }
