// Package events publishes engine state changes and log lines to subscribers.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/moby/pubsub"
)

type Kind string

const (
	KindLog       Kind = "log"
	KindContainer Kind = "container"
	KindImage     Kind = "image"
)

type Event struct {
	Time      time.Time `json:"time"`
	Kind      Kind      `json:"kind"`
	Container string    `json:"container,omitempty"`
	Image     string    `json:"image,omitempty"`
	State     string    `json:"state,omitempty"`
	Message   string    `json:"message,omitempty"`
	Seq       uint64    `json:"seq"`
}

type BusConfig struct {
	Log            logr.Logger
	History        int
	Buffer         int
	PublishTimeout time.Duration
}

func (cfg *BusConfig) Apply(opts ...BusOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type BusOption func(cfg *BusConfig) error

func WithLogger(log logr.Logger) BusOption {
	return func(cfg *BusConfig) error {
		cfg.Log = log
		return nil
	}
}

// WithHistory sets how many events are retained for Logs.
func WithHistory(n int) BusOption {
	return func(cfg *BusConfig) error {
		cfg.History = n
		return nil
	}
}

// WithBuffer sets how many undelivered events a subscriber may hold. A
// subscriber that falls further behind is evicted and its channel closed, it
// can catch up with Logs.
func WithBuffer(n int) BusOption {
	return func(cfg *BusConfig) error {
		if n < 1 {
			return fmt.Errorf("buffer must be at least 1, got %d", n)
		}
		cfg.Buffer = n
		return nil
	}
}

// WithPublishTimeout bounds how long the fan-out waits on a subscription
// while it is being evicted.
func WithPublishTimeout(d time.Duration) BusOption {
	return func(cfg *BusConfig) error {
		cfg.PublishTimeout = d
		return nil
	}
}

// Bus fans out events to subscribers in publish order and keeps an append
// only history so late subscribers can catch up.
type Bus struct {
	log     logr.Logger
	pub     *pubsub.Publisher
	history []Event
	max     int
	buffer  int
	seq     uint64
	mx      sync.Mutex
}

func NewBus(opts ...BusOption) (*Bus, error) {
	cfg := BusConfig{
		Log:            logr.Discard(),
		History:        4096,
		Buffer:         256,
		PublishTimeout: 100 * time.Millisecond,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	return &Bus{
		log:    cfg.Log,
		pub:    pubsub.NewPublisher(cfg.PublishTimeout, cfg.Buffer),
		max:    cfg.History,
		buffer: cfg.Buffer,
	}, nil
}

// Publish assigns the next sequence number to e and delivers it.
func (b *Bus) Publish(e Event) Event {
	b.mx.Lock()
	defer b.mx.Unlock()

	b.seq++
	e.Seq = b.seq
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.history = append(b.history, e)
	if b.max > 0 && len(b.history) > b.max {
		b.history = append(b.history[:0:0], b.history[len(b.history)-b.max:]...)
	}
	b.pub.Publish(e)
	return e
}

// Logf publishes a log line.
func (b *Bus) Logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	b.log.Info(msg)
	b.Publish(Event{Kind: KindLog, Message: msg})
}

// ContainerLogf publishes a log line attributed to a container.
func (b *Bus) ContainerLogf(id, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	b.log.V(4).Info(msg, "container", id)
	b.Publish(Event{Kind: KindLog, Container: id, Message: msg})
}

// Logs returns retained events with a sequence number greater than after.
func (b *Bus) Logs(after uint64) []Event {
	b.mx.Lock()
	defer b.mx.Unlock()

	out := []Event{}
	for _, e := range b.history {
		if e.Seq > after {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe returns a channel receiving every event published from now on.
// Delivery never blocks the publisher: a subscriber holding more than the
// configured buffer is evicted and its channel closed. The cancel function
// must be called to release the subscription.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	sub := b.pub.Subscribe()
	out := make(chan Event, b.buffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		// sub is drained until the publisher closes it.
		dropping := false
		for v := range sub {
			e, ok := v.(Event)
			if !ok || dropping {
				continue
			}
			select {
			case <-done:
				dropping = true
				continue
			default:
			}
			select {
			case out <- e:
			default:
				dropping = true
				b.log.Info("evicting events subscriber that is not keeping up", "seq", e.Seq, "buffer", b.buffer)
				go b.pub.Evict(sub)
			}
		}
	}()
	once := sync.Once{}
	return out, func() {
		once.Do(func() {
			close(done)
			b.pub.Evict(sub)
		})
	}
}

func (b *Bus) Subscribers() int {
	return b.pub.Len()
}

// Close closes every subscription.
func (b *Bus) Close() {
	b.pub.Close()
}
