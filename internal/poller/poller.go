// Package poller runs reconciliation cycles for every eligible account on a fixed interval.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/guardkeeper/internal/model"
	"github.com/and161185/guardkeeper/internal/service"
)

// MinInterval is the smallest accepted polling interval.
const MinInterval = 5 * time.Second

const defaultWorkers = 4

// AccountSource yields the accounts to reconcile with opened secrets.
// vault.Accounts implements it.
type AccountSource interface {
	Eligible(ctx context.Context) ([]model.LinkedAccount, error)
}

// Reconciler runs one cycle for one account. service.Reconciler implements it.
type Reconciler interface {
	Run(ctx context.Context, acc model.LinkedAccount) (service.Report, error)
}

// Config tunes the poller.
type Config struct {
	Interval time.Duration // clamped to MinInterval
	Workers  int           // accounts reconciled in parallel
}

// Summary describes one completed cycle.
type Summary struct {
	Accounts int
	Failed   int
	Total    service.Report
}

// Poller is a single-flight periodic scheduler.
type Poller struct {
	source AccountSource
	rec    Reconciler
	log    *zap.Logger
	cfg    Config

	inFlight atomic.Bool
	lastDone atomic.Int64 // unix nanos of the last finished cycle

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	cycles  sync.WaitGroup
	running bool
}

// New constructs a stopped poller.
func New(source AccountSource, rec Reconciler, log *zap.Logger, cfg Config) *Poller {
	if cfg.Interval < MinInterval {
		cfg.Interval = MinInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return &Poller{source: source, rec: rec, log: log, cfg: cfg}
}

// Interval returns the effective interval.
func (p *Poller) Interval() time.Duration { return p.cfg.Interval }

// Start launches the ticker loop; a first cycle runs immediately. Calling Start twice is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.running = true

	go p.loop(ctx, p.done)
	p.log.Info("poller started", zap.Duration("interval", p.cfg.Interval), zap.Int("workers", p.cfg.Workers))
}

// Stop halts the loop and waits for a cycle in flight to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.cancel()
	done := p.done
	p.running = false
	p.mu.Unlock()

	<-done
	p.cycles.Wait()
	p.log.Info("poller stopped")
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.tick(ctx)
		}
	}
}

// tick starts a cycle unless one is still running.
func (p *Poller) tick(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.log.Info("previous cycle still running, tick skipped")
		return
	}
	p.cycles.Add(1)
	go func() {
		defer p.cycles.Done()
		defer p.inFlight.Store(false)
		// a started cycle runs to completion even if the poller is stopping
		if _, err := p.cycle(context.WithoutCancel(ctx)); err != nil {
			p.log.Warn("poll cycle failed", zap.Error(err))
		}
	}()
}

// LastCycle returns when the last cycle finished, zero before the first one.
func (p *Poller) LastCycle() time.Time {
	n := p.lastDone.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// ErrBusy is returned by RunOnce while another cycle is running.
var ErrBusy = errors.New("poller: cycle already running")

// RunOnce runs a single cycle synchronously.
func (p *Poller) RunOnce(ctx context.Context) (Summary, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return Summary{}, ErrBusy
	}
	defer p.inFlight.Store(false)
	return p.cycle(ctx)
}

func (p *Poller) cycle(ctx context.Context) (Summary, error) {
	start := time.Now()
	accounts, err := p.source.Eligible(ctx)
	if err != nil {
		return Summary{}, err
	}

	var (
		mu  sync.Mutex
		sum = Summary{Accounts: len(accounts)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, acc := range accounts {
		g.Go(func() error {
			rep, err := p.rec.Run(gctx, acc)
			mu.Lock()
			defer mu.Unlock()
			// one account failing never aborts the others
			if err != nil {
				sum.Failed++
				return nil
			}
			sum.Total.Observed += rep.Observed
			sum.Total.Inserted += rep.Inserted
			sum.Total.Refreshed += rep.Refreshed
			sum.Total.Expired += rep.Expired
			sum.Total.AutoConfirmed += rep.AutoConfirmed
			sum.Total.AutoFailed += rep.AutoFailed
			return nil
		})
	}
	_ = g.Wait()
	p.lastDone.Store(time.Now().UnixNano())

	p.log.Debug("poll cycle done",
		zap.Int("accounts", sum.Accounts),
		zap.Int("failed", sum.Failed),
		zap.Int("auto_confirmed", sum.Total.AutoConfirmed),
		zap.Duration("took", time.Since(start)))
	return sum, nil
}
