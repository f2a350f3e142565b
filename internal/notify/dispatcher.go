package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/guardkeeper/internal/model"
)

// DispatcherConfig controls buffering of the async dispatcher.
type DispatcherConfig struct {
	BufferSize  int
	DropIfFull  bool
	SendTimeout time.Duration
}

// Dispatcher forwards events to a notifier from a single background goroutine,
// so a slow channel never blocks a reconciliation cycle.
type Dispatcher struct {
	cfg       DispatcherConfig
	sink      Notifier
	log       *zap.Logger
	ch        chan model.Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ Notifier = (*Dispatcher)(nil)

// NewDispatcher starts the delivery goroutine. Close must be called to drain it.
func NewDispatcher(cfg DispatcherConfig, sink Notifier, log *zap.Logger) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if sink == nil {
		sink = Nop{}
	}
	d := &Dispatcher{
		cfg:  cfg,
		sink: sink,
		log:  log,
		ch:   make(chan model.Event, cfg.BufferSize),
		done: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.ch:
			d.deliver(ev)
		case <-d.done:
			for {
				select {
				case ev := <-d.ch:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ev model.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()
	if err := d.sink.Notify(ctx, ev); err != nil {
		d.log.Warn("notify failed",
			zap.String("type", string(ev.Type)),
			zap.Int64("account", ev.AccountID),
			zap.Error(err))
	}
}

// Notify enqueues an event. It never returns an error; delivery failures are logged.
func (d *Dispatcher) Notify(ctx context.Context, ev model.Event) error {
	if d.closed.Load() {
		return nil
	}
	if d.cfg.DropIfFull {
		select {
		case d.ch <- ev:
		case <-d.done:
		default:
			d.dropped.Add(1)
		}
		return nil
	}
	select {
	case d.ch <- ev:
	case <-ctx.Done():
	case <-d.done:
	}
	return nil
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped returns the number of events discarded because the buffer was full.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }
