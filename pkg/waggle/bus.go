// Package waggle is the message bus. Every message is written to the store
// first and then fanned out to live subscribers of its recipient topic, so
// a subscriber that was not connected can always catch up with List.
package waggle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"hive/pkg/metrics"
	"hive/pkg/protocol"
	"hive/pkg/store"
)

// TopicAll subscribes to every topic.
const TopicAll = "*"

// Envelope is the caller's view of an outgoing message.
type Envelope struct {
	From     string
	To       string
	Subject  string
	Body     string
	Metadata map[string]string
}

// Bus persists and fans out waggles.
type Bus struct {
	store   *store.Store
	log     *slog.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}

	// Relay bookkeeping: rows at or below relaySeq have been seen, and sent
	// holds rows this process wrote that the relay must not re-deliver.
	relaying bool
	relaySeq int64
	sent     map[int64]struct{}
}

// New returns a bus backed by st.
func New(st *store.Store, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		store: st,
		log:   log,
		subs:  make(map[string]map[*Subscription]struct{}),
		sent:  make(map[int64]struct{}),
	}
}

// SetMetrics counts every sent waggle in m.
func (b *Bus) SetMetrics(m *metrics.Metrics) {
	b.mu.Lock()
	b.metrics = m
	b.mu.Unlock()
}

// Send persists the message and then delivers it to live subscribers.
// Sends are serialized, so messages from one sender to one topic reach
// subscribers in send order.
func (b *Bus) Send(ctx context.Context, env Envelope) (protocol.Waggle, error) {
	if env.To == "" {
		return protocol.Waggle{}, &protocol.FieldError{Field: "to"}
	}
	w := protocol.Waggle{From: env.From, To: env.To, Subject: env.Subject, Body: env.Body}
	if len(env.Metadata) > 0 {
		meta, err := json.Marshal(env.Metadata)
		if err != nil {
			return protocol.Waggle{}, fmt.Errorf("marshal metadata: %w", err)
		}
		w.Metadata = meta
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	stored, err := b.store.InsertWaggle(ctx, w)
	if err != nil {
		return protocol.Waggle{}, err
	}
	if b.relaying {
		b.sent[stored.Seq] = struct{}{}
	}
	b.metrics.WaggleSent(stored.Waggle.Subject)
	b.fanout(stored.Waggle)
	return stored.Waggle, nil
}

// fanout delivers w to subscribers. Caller holds b.mu.
func (b *Bus) fanout(w protocol.Waggle) {
	for sub := range b.subs[w.To] {
		sub.deliver(w)
	}
	for sub := range b.subs[TopicAll] {
		sub.deliver(w)
	}
}

// Subscribe registers a live subscriber for topic. Use TopicAll for every
// message. The subscription must be closed when no longer needed.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := newSubscription(b, topic)
	b.mu.Lock()
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[topic] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.topic)
		}
	}
}

// List returns waggles addressed to topic, newest first.
func (b *Bus) List(ctx context.Context, topic string, limit int, unreadOnly bool) ([]protocol.Waggle, error) {
	return b.store.ListWaggles(ctx, topic, limit, unreadOnly)
}

// MarkRead flags a waggle as read. Repeated calls are harmless.
func (b *Bus) MarkRead(ctx context.Context, id string) error {
	return b.store.MarkWaggleRead(ctx, id)
}

// Subscription is an unbounded, ordered queue of waggles for one topic.
// Delivery never blocks the sender and never drops a message.
type Subscription struct {
	topic  string
	bus    *Bus
	c      chan protocol.Waggle
	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	queue []protocol.Waggle
}

func newSubscription(b *Bus, topic string) *Subscription {
	s := &Subscription{
		topic:  topic,
		bus:    b,
		c:      make(chan protocol.Waggle),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// C delivers waggles in order. It is closed after Close.
func (s *Subscription) C() <-chan protocol.Waggle { return s.c }

// Close detaches the subscription. Undelivered messages are discarded;
// they remain readable through List.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.done)
	})
}

func (s *Subscription) deliver(w protocol.Waggle) {
	s.mu.Lock()
	s.queue = append(s.queue, w)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.c)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			w := s.queue[0]
			s.queue[0] = protocol.Waggle{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.c <- w:
			case <-s.done:
				return
			}
		}
	}
}
