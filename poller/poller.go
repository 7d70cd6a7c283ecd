// Package poller drives the periodic receive cycle: hang check, health
// check, draining the modem store and handing messages to the delivery
// side.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
	"i4.energy/across/gsmbridge/modem"
)

const (
	DefaultInterval       = 30 * time.Second
	DefaultHealthInterval = 5 * time.Minute
	DefaultQueueSize      = 64
)

var (
	// ErrUnhealthy stops the poller when the periodic health check fails.
	ErrUnhealthy = errors.New("modem health check failed")

	// errQueueFull leaves a message in the modem store until the queue
	// drains.
	errQueueFull = errors.New("delivery queue full")
)

// State is the lifecycle of a Poller.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// HangChecker is satisfied by *modem.Correlator.
type HangChecker interface {
	CheckHang(ctx context.Context) (bool, error)
}

// HealthChecker is satisfied by *health.Monitor.
type HealthChecker interface {
	Check(ctx context.Context) (bool, error)
}

// Inbox is satisfied by *modem.SmsManager.
type Inbox interface {
	ReadNew(ctx context.Context, deliver func(modem.SMS) error) (int, error)
}

// Deliverer forwards a received message, typically to MQTT.
type Deliverer interface {
	Deliver(ctx context.Context, sms modem.SMS) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, sms modem.SMS) error

func (f DelivererFunc) Deliver(ctx context.Context, sms modem.SMS) error {
	return f(ctx, sms)
}

// Options wires the poller to its collaborators.
type Options struct {
	Hang      HangChecker
	Health    HealthChecker
	Inbox     Inbox
	Deliverer Deliverer

	Interval       time.Duration
	HealthInterval time.Duration
	QueueSize      int
	Logger         *slog.Logger
}

// Poller runs the receive cycle until the context ends or a fatal error
// stops it. It never exits the process; callers watch Done.
type Poller struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	state atomic.Int32
	err   atomic.Error
	done  chan struct{}
	once  sync.Once

	mu    sync.Mutex
	queue []modem.SMS

	lastHealth  time.Time
	forceHealth bool
}

func New(opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Poller{
		opts:   opts,
		logger: opts.Logger.With("component", "poller"),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Run blocks until ctx is done or a fatal error stops the loop. The
// returned error is the cause of a fatal stop, nil after cancellation.
func (p *Poller) Run(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return errors.New("poller already started")
	}
	p.lastHealth = p.now()
	p.logger.Info("poller started", "interval", p.opts.Interval, "health_interval", p.opts.HealthInterval)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		if err := p.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return p.stop(nil)
			}
			p.logger.Error("poller stopping on fatal error", "error", err)
			return p.stop(err)
		}

		select {
		case <-ctx.Done():
			return p.stop(nil)
		case <-ticker.C:
		}
	}
}

func (p *Poller) stop(err error) error {
	p.once.Do(func() {
		if err != nil {
			p.err.Store(err)
		}
		p.state.Store(int32(StateStopped))
		close(p.done)
		p.logger.Info("poller stopped", "queued", p.Queued())
	})
	return err
}

// cycle runs one pass and returns only fatal errors.
func (p *Poller) cycle(ctx context.Context) error {
	hung, err := p.opts.Hang.CheckHang(ctx)
	if errors.Is(err, modem.ErrConnection) {
		return err
	}
	if hung {
		p.logger.Warn("hung operation cleared, skipping cycle", "error", err)
		if err != nil {
			p.forceHealth = true
		}
		return nil
	}

	if p.forceHealth || p.now().Sub(p.lastHealth) >= p.opts.HealthInterval {
		ok, err := p.opts.Health.Check(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnhealthy
		}
		p.lastHealth = p.now()
		p.forceHealth = false
	}

	n, err := p.opts.Inbox.ReadNew(ctx, p.enqueue)
	// Messages already taken off the modem are delivered even when the
	// modem failed afterwards.
	defer p.drain(ctx)

	switch {
	case err == nil:
		if n > 0 {
			p.logger.Info("messages received", "count", n)
		}
	case modem.IsFatal(err):
		return err
	case errors.Is(err, modem.ErrBusy):
		p.logger.Debug("modem busy, receive skipped")
	default:
		p.logger.Warn("receive cycle failed", "error", err)
	}
	return nil
}

func (p *Poller) enqueue(sms modem.SMS) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) >= p.opts.QueueSize {
		return errQueueFull
	}
	p.queue = append(p.queue, sms)
	return nil
}

// drain hands queued messages to the deliverer in order and keeps the
// rest queued after the first failure.
func (p *Poller) drain(ctx context.Context) {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		next := p.queue[0]
		p.mu.Unlock()

		if err := p.opts.Deliverer.Deliver(ctx, next); err != nil {
			p.logger.Warn("delivery failed, will retry", "index", next.Index, "sender", next.Sender, "error", err)
			return
		}

		p.mu.Lock()
		p.queue = p.queue[1:]
		p.mu.Unlock()
	}
}

// Queued returns how many messages wait for delivery.
func (p *Poller) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Poller) State() State {
	return State(p.state.Load())
}

// Err returns the cause of a fatal stop.
func (p *Poller) Err() error {
	return p.err.Load()
}

// Done is closed once the poller stopped.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}
