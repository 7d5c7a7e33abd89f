// Package dispatch runs persistence work on a single background worker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrStopped is returned by Submit and Sync once Stop has been called.
var ErrStopped = errors.New("dispatcher stopped")

// Task is one unit of persistence work.
type Task func(ctx context.Context) error

// Executor runs callback functions. Implementations that hand fn to another
// goroutine (a UI loop, say) must still run every fn exactly once.
type Executor interface {
	Execute(fn func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Execute(fn func()) { f(fn) }

// Inline runs callbacks on the worker goroutine.
var Inline Executor = ExecutorFunc(func(fn func()) { fn() })

// Callbacks are invoked after every task attempt.
type Callbacks struct {
	OnSuccess func()
	OnFailure func(err error)
}

// Options configures a Dispatcher.
type Options struct {
	Callbacks Callbacks
	Executor  Executor
	Log       *slog.Logger
}

// Dispatcher executes submitted tasks one at a time in submission order.
type Dispatcher struct {
	callbacks Callbacks
	exec      Executor
	log       *slog.Logger

	mu      sync.Mutex
	queue   []job
	stopped bool
	queueCh chan struct{} // signals new work in queue

	// Control
	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

type job struct {
	task    Task
	barrier chan struct{} // non-nil for Sync markers
}

// New creates a dispatcher. Call Start before expecting work to run.
func New(opts Options) *Dispatcher {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Executor == nil {
		opts.Executor = Inline
	}
	if opts.Callbacks.OnSuccess == nil {
		opts.Callbacks.OnSuccess = func() {}
	}
	if opts.Callbacks.OnFailure == nil {
		opts.Callbacks.OnFailure = func(error) {}
	}
	return &Dispatcher{
		callbacks: opts.Callbacks,
		exec:      opts.Executor,
		log:       opts.Log,
		queueCh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the worker goroutine. Extra calls are no-ops.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.loop()
	})
}

// Stop rejects new work, lets the worker finish everything already queued,
// and waits for it to exit.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()
		close(d.done)
	})
	d.Start() // a never-started dispatcher still drains its queue
	d.wg.Wait()
}

// Submit queues task behind all earlier submissions. It never blocks on
// the task itself.
func (d *Dispatcher) Submit(task Task) error {
	return d.push(job{task: task})
}

// Sync waits until every task submitted before the call has run.
func (d *Dispatcher) Sync(ctx context.Context) error {
	marker := make(chan struct{})
	if err := d.push(job{barrier: marker}); err != nil {
		return err
	}
	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued, not yet started jobs.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) push(j job) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrStopped
	}
	d.queue = append(d.queue, j)
	d.mu.Unlock()

	select {
	case d.queueCh <- struct{}{}:
	default:
	}
	return nil
}

func (d *Dispatcher) next() (job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return job{}, false
	}
	j := d.queue[0]
	d.queue[0] = job{}
	d.queue = d.queue[1:]
	return j, true
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	for {
		if j, ok := d.next(); ok {
			d.run(j)
			continue
		}

		select {
		case <-d.queueCh:
		case <-d.done:
			// Submissions are closed, so whatever is queued now is the rest.
			for {
				j, ok := d.next()
				if !ok {
					return
				}
				d.run(j)
			}
		}
	}
}

func (d *Dispatcher) run(j job) {
	if j.barrier != nil {
		close(j.barrier)
		return
	}

	if err := d.invoke(j.task); err != nil {
		d.log.Warn("background write failed", "error", err)
		d.exec.Execute(func() { d.callbacks.OnFailure(err) })
		return
	}
	d.exec.Execute(d.callbacks.OnSuccess)
}

// invoke runs task, turning a panic into an error so the worker survives.
func (d *Dispatcher) invoke(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(context.Background())
}
