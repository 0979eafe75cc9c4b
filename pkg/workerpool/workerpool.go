// Package workerpool implements the fixed-size RPC worker pool described in
// spec §5: a small set of long-lived goroutines pull jobs off a shared
// queue and run them to completion. Only RPC requests are submitted here:
// exit events from the Reaper are handled on the supervisor's own
// goroutine, which takes container locks directly. This mirrors the teacher's scheduler
// selection loop, adapted from a periodic placement sweep to an
// on-demand job queue since RPC calls arrive continuously rather than on
// a fixed tick.
package workerpool

import (
	"sync"

	"github.com/cuemby/portod/pkg/log"
	"github.com/cuemby/portod/pkg/metrics"
	"github.com/rs/zerolog"
)

// Job is a unit of RPC work. Workers may block on the holder mutex, a
// container mutex, a cgroup write, a netlink request, or a KvStore fsync
// while running one.
type Job func()

// Pool is a fixed-size set of worker goroutines draining a shared queue.
type Pool struct {
	logger zerolog.Logger
	queue  chan Job
	size   int

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New creates a worker pool with size workers and the given queue depth.
func New(size, queueDepth int) *Pool {
	return &Pool{
		logger: log.WithComponent("workerpool"),
		queue:  make(chan Job, queueDepth),
		size:   size,
		stopCh: make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Stop signals workers to exit once the queue drains and waits for them.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// Submit enqueues a job for a worker to run. It blocks if the queue is
// full, applying backpressure to the caller (an rpcwire connection
// goroutine) rather than growing the queue without bound.
func (p *Pool) Submit(job Job) {
	metrics.WorkerPoolQueueDepth.Set(float64(len(p.queue) + 1))
	select {
	case p.queue <- job:
	case <-p.stopCh:
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.queue:
			metrics.WorkerPoolQueueDepth.Set(float64(len(p.queue)))
			p.execute(id, job)
		case <-p.stopCh:
			// Drain whatever is already queued before exiting so a Stop
			// racing a burst of Submits doesn't silently drop jobs.
			for {
				select {
				case job := <-p.queue:
					p.execute(id, job)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) execute(id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Int("worker", id).Interface("panic", r).Msg("worker job panicked")
		}
	}()
	job()
}
