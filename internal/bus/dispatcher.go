package bus

import (
	"context"
	"log/slog"
	"sync"

	"omnicontact/internal/domain"
)

const defaultConcurrency = 8

// Handler processes one inbound message.
type Handler func(ctx context.Context, msg domain.InboundMessage)

// Dispatcher consumes the inbound side of a bus. Messages from one sender are
// handled in arrival order; at most Concurrency messages run at once.
type Dispatcher struct {
	bus    domain.MessageBus
	handle Handler
	sem    chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]*keyQueue
	wg     sync.WaitGroup
}

type keyQueue struct {
	pending []domain.InboundMessage
}

type DispatcherConfig struct {
	Bus         domain.MessageBus
	Handler     Handler
	Concurrency int
	Logger      *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		bus:    cfg.Bus,
		handle: cfg.Handler,
		sem:    make(chan struct{}, cfg.Concurrency),
		logger: cfg.Logger,
		queues: make(map[string]*keyQueue),
	}
}

// SenderKey identifies the ordering domain of a message.
func SenderKey(msg domain.InboundMessage) string {
	return msg.TenantID + "|" + string(msg.Channel) + "|" + msg.Address
}

// Run blocks until ctx is done or the bus is closed, then waits for in-flight messages.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "concurrency", cap(d.sem))
	inbound := d.bus.Subscribe()
	defer d.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return nil
		case msg, ok := <-inbound:
			if !ok {
				d.logger.Info("inbound bus closed, dispatcher stopping")
				return nil
			}
			d.enqueue(ctx, msg)
		}
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, msg domain.InboundMessage) {
	key := SenderKey(msg)

	d.mu.Lock()
	q, running := d.queues[key]
	if !running {
		q = &keyQueue{}
		d.queues[key] = q
	}
	q.pending = append(q.pending, msg)
	d.mu.Unlock()

	if !running {
		d.wg.Add(1)
		go d.drain(ctx, key, q)
	}
}

func (d *Dispatcher) drain(ctx context.Context, key string, q *keyQueue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.pending) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		msg := q.pending[0]
		q.pending = q.pending[1:]
		d.mu.Unlock()

		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			d.mu.Lock()
			dropped := len(q.pending) + 1
			delete(d.queues, key)
			d.mu.Unlock()
			d.logger.Warn("dispatcher stopped with pending messages", "key", key, "dropped", dropped)
			return
		}
		d.handle(ctx, msg)
		<-d.sem
	}
}
