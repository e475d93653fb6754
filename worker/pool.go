// Package worker provides a bounded task pool for dispatching work off
// transport delivery goroutines. Service servers push each inbound query
// through a pool so user handlers can block without stalling delivery.
package worker

import (
	"fmt"
	"sync"

	"zrm.evalgo.org/common"
)

// Task is one unit of work.
type Task func()

// Pool runs submitted tasks on a fixed set of workers.
type Pool struct {
	name     string
	tasks    chan Task
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	log      *common.ContextLogger
}

// NewPool creates and starts a pool of size workers. queueDepth bounds the
// number of tasks waiting for a free worker; Submit fails once the queue is
// full rather than blocking the caller.
func NewPool(name string, size, queueDepth int) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}

	pool := &Pool{
		name:     name,
		tasks:    make(chan Task, queueDepth),
		stopChan: make(chan struct{}),
		log:      common.NewContextLogger(nil, map[string]interface{}{"pool": name}),
	}

	for i := 0; i < size; i++ {
		pool.wg.Add(1)
		go pool.runWorker(i)
	}

	return pool
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			p.runTask(id, task)
		case <-p.stopChan:
			// Drain what was already queued before stopping.
			for {
				select {
				case task := <-p.tasks:
					p.runTask(id, task)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) runTask(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("worker", id).Errorf("Recovered from task panic: %v", r)
		}
	}()
	task()
}

// Submit queues a task for execution. It fails when the pool is stopped or
// its queue is full.
func (p *Pool) Submit(task Task) error {
	select {
	case <-p.stopChan:
		return fmt.Errorf("pool %s is stopped", p.name)
	default:
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		return fmt.Errorf("pool %s queue is full", p.name)
	}
}

// Stop stops the pool and waits for in-flight tasks to finish. Idempotent.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})
	p.wg.Wait()
}
