package sink

import (
	"context"
	"sync"
	"time"

	"github.com/84hero/holding-mirror/pkg/event"
	"github.com/84hero/holding-mirror/pkg/state"
	"github.com/ethereum/go-ethereum/log"
)

// FailureFunc is notified when an output fails to write a record.
type FailureFunc func(output string, err error)

// Dispatcher fans applied records out to every output from a background
// worker, so slow outputs never stall the store.
type Dispatcher struct {
	outputs []Output
	timeout time.Duration
	onFail  FailureFunc

	queue    chan Record
	wg       sync.WaitGroup
	closedMu sync.RWMutex
	closed   bool
}

// NewDispatcher starts a dispatcher with a queue of buffer records.
// Each Send is bounded by timeout.
func NewDispatcher(outputs []Output, buffer int, timeout time.Duration, onFail FailureFunc) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	d := &Dispatcher{
		outputs: outputs,
		timeout: timeout,
		onFail:  onFail,
		queue:   make(chan Record, buffer),
	}
	d.wg.Add(1)
	go d.worker()
	return d
}

// Observer returns a store observer that enqueues every applied event.
// It blocks while the queue is full.
func (d *Dispatcher) Observer() state.Observer {
	return func(ev event.Event, snap state.Snapshot) {
		d.Enqueue(Record{Event: ev, Snapshot: snap})
	}
}

// Enqueue adds r to the queue. Records offered after Close are dropped.
func (d *Dispatcher) Enqueue(r Record) bool {
	d.closedMu.RLock()
	defer d.closedMu.RUnlock()
	if d.closed {
		log.Warn("Dropping record after dispatcher close", "event", r.Event)
		return false
	}
	d.queue <- r
	return true
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for r := range d.queue {
		d.dispatch(r)
	}
}

func (d *Dispatcher) dispatch(r Record) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	batch := []Record{r}
	var wg sync.WaitGroup
	for _, out := range d.outputs {
		wg.Add(1)
		go func(o Output) {
			defer wg.Done()
			if err := o.Send(ctx, batch); err != nil {
				log.Error("Output failed", "output", o.Name(), "event", r.Event, "err", err)
				if d.onFail != nil {
					d.onFail(o.Name(), err)
				}
			}
		}(out)
	}
	wg.Wait()
}

// Close drains the queue and closes every output. It is safe to call more than once.
func (d *Dispatcher) Close() error {
	d.closedMu.Lock()
	if d.closed {
		d.closedMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.closedMu.Unlock()

	d.wg.Wait()
	var first error
	for _, o := range d.outputs {
		if err := o.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
