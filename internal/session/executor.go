package session

import "sync"

// Executor runs notification callbacks on a single context.
type Executor interface {
	Execute(fn func())
}

// ExecutorFunc adapts a function to Executor, e.g. a UI loop's post method.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Execute(fn func()) { f(fn) }

// Inline runs callbacks on the caller's goroutine.
var Inline Executor = ExecutorFunc(func(fn func()) { fn() })

// Dispatcher runs callbacks serially on its own goroutine.
type Dispatcher struct {
	queue chan func()
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func NewDispatcher(buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	d := &Dispatcher{
		queue: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

func (d *Dispatcher) Execute(fn func()) {
	select {
	case <-d.done:
		return
	default:
	}
	select {
	case d.queue <- fn:
	case <-d.done:
	}
}

// Close stops the dispatcher after running the callbacks already queued.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case fn := <-d.queue:
			fn()
		case <-d.done:
			for {
				select {
				case fn := <-d.queue:
					fn()
				default:
					return
				}
			}
		}
	}
}
