package events

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"donation-sync/internal/observability"
)

const busRoutingKey = "bus_events.partitions"

// Bus fans committed changes out to subscribers. It holds exactly one transport
// stream per partition while that partition has at least one subscriber.
type Bus struct {
	transport Transport
	log       logrus.FieldLogger

	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu         sync.Mutex
	partitions map[string]*partition
	nextID     uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithBackoff bounds the delay between reconnect attempts.
func WithBackoff(initial, max time.Duration) Option {
	return func(b *Bus) {
		b.initialBackoff = initial
		b.maxBackoff = max
	}
}

// WithLogger sets the bus logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(b *Bus) { b.log = log }
}

// NewBus creates a bus reading from transport.
func NewBus(transport Transport, opts ...Option) *Bus {
	b := &Bus{
		transport:      transport,
		log:            logrus.StandardLogger(),
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     30 * time.Second,
		partitions:     make(map[string]*partition),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type partition struct {
	key    string
	cancel context.CancelFunc
	done   chan struct{}
	ready  chan struct{}

	mu   sync.RWMutex
	subs map[uint64]*Subscription
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	id        uint64
	partition string
	bus       *Bus
	handler   Handler
	ready     <-chan struct{}

	mu     sync.Mutex
	closed bool
}

// Partition returns the partition key the subscription listens on.
func (s *Subscription) Partition() string {
	return s.partition
}

// Ready is closed once the partition's stream is open, so that a snapshot read
// after it cannot miss a change committed in between.
func (s *Subscription) Ready() <-chan struct{} {
	return s.ready
}

// Unsubscribe releases the subscription. Once it returns the handler is never
// called again. It must not be called from inside the handler.
func (s *Subscription) Unsubscribe() {
	s.bus.Unsubscribe(s)
}

func (s *Subscription) deliver(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.bus.log.WithFields(logrus.Fields{"partition": s.partition, "panic": r}).Error("change handler panicked")
		}
	}()
	fn()
}

// Subscribe registers h for changes of partition. The first subscriber of a
// partition opens its stream.
func (b *Bus) Subscribe(partitionKey string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, partition: partitionKey, bus: b, handler: h}

	p, ok := b.partitions[partitionKey]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		p = &partition{
			key:    partitionKey,
			cancel: cancel,
			done:   make(chan struct{}),
			ready:  make(chan struct{}),
			subs:   make(map[uint64]*Subscription),
		}
		b.partitions[partitionKey] = p
		observability.IncBusPartition()
		b.publishLifecycle("partition_open", partitionKey)
		go b.run(ctx, p)
	}

	sub.ready = p.ready
	p.mu.Lock()
	p.subs[sub.id] = sub
	p.mu.Unlock()
	return sub
}

// Unsubscribe releases sub. The last subscriber of a partition closes its stream.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.partitions[sub.partition]
	if !ok {
		return
	}
	p.mu.Lock()
	delete(p.subs, sub.id)
	empty := len(p.subs) == 0
	p.mu.Unlock()
	if empty {
		delete(b.partitions, sub.partition)
		p.cancel()
		observability.DecBusPartition()
		b.publishLifecycle("partition_release", sub.partition)
	}
}

// ActivePartitions returns the partitions that currently hold a stream.
func (b *Bus) ActivePartitions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.partitions))
	for key := range b.partitions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Close releases every partition.
func (b *Bus) Close() {
	b.mu.Lock()
	parts := b.partitions
	b.partitions = make(map[string]*partition)
	b.mu.Unlock()

	for _, p := range parts {
		p.mu.Lock()
		for _, sub := range p.subs {
			sub.mu.Lock()
			sub.closed = true
			sub.mu.Unlock()
		}
		p.mu.Unlock()
		p.cancel()
		<-p.done
		observability.DecBusPartition()
	}
}

func (b *Bus) run(ctx context.Context, p *partition) {
	defer close(p.done)
	log := b.log.WithField("partition", p.key)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.initialBackoff
	policy.MaxInterval = b.maxBackoff
	policy.MaxElapsedTime = 0

	opened := false
	for {
		stream, err := b.transport.Open(ctx, p.key)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("open change stream failed")
			if !b.wait(ctx, policy) {
				return
			}
			continue
		}
		policy.Reset()
		if opened {
			log.Info("change stream reopened")
			p.resync()
		} else {
			close(p.ready)
			opened = true
		}

		err = b.pump(ctx, p, stream)
		_ = stream.Close()
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("change stream lost")
		if !b.wait(ctx, policy) {
			return
		}
	}
}

func (b *Bus) wait(ctx context.Context, policy backoff.BackOff) bool {
	observability.IncBusReconnect()
	delay := policy.NextBackOff()
	if delay == backoff.Stop {
		delay = b.maxBackoff
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (b *Bus) pump(ctx context.Context, p *partition, stream Stream) error {
	for {
		ch, err := stream.Next(ctx)
		if errors.Is(err, ErrReconnected) {
			observability.IncBusReconnect()
			p.resync()
			continue
		}
		if err != nil {
			return err
		}
		ch.Partition = p.key
		observability.IncBusChange(ch.Table, string(ch.Kind))
		p.dispatch(ch)
	}
}

func (p *partition) snapshot() []*Subscription {
	p.mu.RLock()
	subs := make([]*Subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
	}
	p.mu.RUnlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	return subs
}

func (p *partition) dispatch(ch Change) {
	for _, sub := range p.snapshot() {
		sub.deliver(func() { sub.handler.HandleChange(ch) })
	}
}

func (p *partition) resync() {
	for _, sub := range p.snapshot() {
		if r, ok := sub.handler.(Resyncer); ok {
			sub.deliver(r.Resync)
		}
	}
}

func (b *Bus) publishLifecycle(event, partitionKey string) {
	_ = observability.PublishEvent(context.Background(), busRoutingKey, observability.EventEnvelope{
		EventType: "bus_events",
		EventName: event,
		Payload: map[string]interface{}{
			"partition": partitionKey,
		},
	}, nil)
}
