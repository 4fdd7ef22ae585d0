package history

import (
	"sync"

	"github.com/comigor/chatsync/internal/logger"
)

const subscriberBuffer = 256

// Broker fans message inserts out to subscribers. Each subscriber receives
// events on its own goroutine in publish order.
type Broker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber
}

type subscriber struct {
	ch   chan Message
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.quit) })
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*subscriber)}
}

// Subscribe registers fn and returns a cancel func. Cancel waits for the
// delivery goroutine to exit, so fn must not call its own cancel. A slow fn
// stalls publishers once its buffer fills; cancelling it releases them.
func (b *Broker) Subscribe(fn func(Message)) func() {
	s := &subscriber{
		ch:   make(chan Message, subscriberBuffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go func() {
		defer close(s.done)
		for {
			select {
			case <-s.quit:
				return
			case msg := <-s.ch:
				select {
				case <-s.quit:
					return
				default:
				}
				fn(msg)
			}
		}
	}()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.stop()
		<-s.done
	}
}

// Publish delivers msg to every current subscriber. A subscriber whose buffer
// is full blocks the publisher until it drains or is cancelled. The send
// happens outside the broker lock.
func (b *Broker) Publish(msg Message) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- msg:
		case <-s.quit:
		}
	}
	logger.L.Debug("message insert published", "message_id", msg.ID, "session_id", msg.SessionID, "subscribers", len(subs))
}

// Close cancels all subscriptions.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
		<-s.done
	}
}
