package events

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/fluxqueue/groupqueue/metrics"
	"github.com/fluxqueue/groupqueue/store"
)

// Bus publishes events through a store.Store's pub/sub primitive, so every
// process sharing the backing store observes the same event stream (spec
// §4.6). Subscribe spins up a background goroutine per registration that
// decodes incoming payloads and invokes the handler.
type Bus struct {
	st     store.Store
	source string

	mu   sync.Mutex
	subs []*subscription
}

// NewBus returns an event Bus backed by st. source identifies this process
// in emitted events (e.g. a worker pool id).
func NewBus(st store.Store, source string) *Bus {
	return &Bus{st: st, source: source}
}

func (b *Bus) Publish(ctx context.Context, kind Kind, evt Event) error {
	evt.Kind = kind
	evt.Source = b.source
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.ID == "" {
		evt.ID = newEventID()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := b.st.Publish(ctx, store.EventChannel(string(kind)), data); err != nil {
		metrics.EventPublishFailures.WithLabelValues(string(kind), "publish_error").Inc()
		log.Printf("events: publish %s failed: %v", kind, err)
		return err
	}
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		_ = s.Unsubscribe()
	}
	b.subs = nil
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, kind Kind, handler func(Event)) (Subscription, error) {
	sub, err := b.st.Subscribe(ctx, store.EventChannel(string(kind)))
	if err != nil {
		return nil, err
	}
	s := &subscription{underlying: sub}
	go func() {
		for payload := range sub.Channel() {
			var evt Event
			if err := json.Unmarshal(payload, &evt); err != nil {
				log.Printf("events: dropping malformed %s event: %v", kind, err)
				continue
			}
			handler(evt)
		}
	}()
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

type subscription struct {
	once       sync.Once
	underlying store.Subscription
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.underlying.Close()
	})
	return err
}

func newEventID() string {
	var buf [12]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}
