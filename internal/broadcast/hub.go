package broadcast

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var ErrTooManyObservers = errors.New("observer limit reached")

// Publisher is the side of the hub the engine components see.
type Publisher interface {
	Publish(msg Message) int
}

type HubOptions struct {
	MaxObservers int
	Buffer       int
	Logger       zerolog.Logger
	// OnDrop is called once per message an observer could not take.
	OnDrop func()
}

// Hub delivers each message at most once to every subscribed observer.
// Publishing never blocks: an observer whose buffer is full misses the
// message.
type Hub struct {
	mu           sync.RWMutex
	observers    map[uint64]*Observer
	nextID       uint64
	maxObservers int
	buffer       int
	logger       zerolog.Logger
	onDrop       func()
}

type Observer struct {
	id      uint64
	hub     *Hub
	ch      chan Message
	dropped atomic.Uint64
	once    sync.Once
}

func NewHub(opts HubOptions) *Hub {
	if opts.MaxObservers <= 0 {
		opts.MaxObservers = 32
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}
	return &Hub{
		observers:    map[uint64]*Observer{},
		maxObservers: opts.MaxObservers,
		buffer:       opts.Buffer,
		logger:       opts.Logger.With().Str("component", "broadcast").Logger(),
		onDrop:       opts.OnDrop,
	}
}

func (h *Hub) Subscribe() (*Observer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.observers) >= h.maxObservers {
		return nil, ErrTooManyObservers
	}
	h.nextID++
	o := &Observer{id: h.nextID, hub: h, ch: make(chan Message, h.buffer)}
	h.observers[o.id] = o
	return o, nil
}

func (h *Hub) Publish(msg Message) int {
	if h == nil || msg == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, o := range h.observers {
		select {
		case o.ch <- msg:
			delivered++
		default:
			if o.dropped.Add(1) == 1 {
				h.logger.Warn().Uint64("observer", o.id).Str("type", msg.MessageType()).Msg("observer is not keeping up; dropping messages")
			}
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
	return delivered
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

func (o *Observer) Messages() <-chan Message {
	return o.ch
}

func (o *Observer) Dropped() uint64 {
	return o.dropped.Load()
}

// Close unsubscribes the observer and closes its channel.
func (o *Observer) Close() {
	o.once.Do(func() {
		o.hub.mu.Lock()
		delete(o.hub.observers, o.id)
		close(o.ch)
		o.hub.mu.Unlock()
	})
}
