package reachability

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// EventBecameOnline is published once per offline to online transition.
	EventBecameOnline = "became-online"

	defaultBufferSize = 4
)

// Event describes a connectivity edge.
type Event struct {
	Type      string
	Timestamp time.Time
}

// Observer tracks process-wide connectivity and notifies subscribers when the device reconnects.
type Observer struct {
	mu          sync.RWMutex
	online      bool
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
	logger      *zap.Logger
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewObserver constructs an Observer whose initial state is readable immediately.
func NewObserver(initialOnline bool, logger *zap.Logger) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{
		online:      initialOnline,
		subscribers: make(map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
		logger:      logger,
	}
}

// Online reports the last known connectivity state.
func (o *Observer) Online() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.online
}

// SetOnline records a connectivity report. Only an offline to online edge is published;
// repeated reports and disconnects update state silently.
func (o *Observer) SetOnline(online bool) {
	o.mu.Lock()
	previous := o.online
	o.online = online
	if previous == online {
		o.mu.Unlock()
		return
	}
	if !online {
		o.mu.Unlock()
		o.logger.Info("network became unreachable")
		return
	}
	copies := make([]*subscriber, 0, len(o.subscribers))
	for _, sub := range o.subscribers {
		copies = append(copies, sub)
	}
	o.mu.Unlock()

	o.logger.Info("network became reachable", zap.Int("subscribers", len(copies)))
	event := Event{Type: EventBecameOnline, Timestamp: time.Now().UTC()}
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// Subscribe registers for reconnect events until ctx is cancelled or cleanup is called.
func (o *Observer) Subscribe(ctx context.Context) (<-chan Event, func()) {
	o.mu.Lock()
	o.nextID++
	sub := &subscriber{
		id:     o.nextID,
		stream: make(chan Event, o.bufferSize),
	}
	o.subscribers[sub.id] = sub
	o.mu.Unlock()

	var once sync.Once
	released := make(chan struct{})
	cleanup := func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subscribers, sub.id)
			o.mu.Unlock()
			close(released)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-released:
		}
	}()
	return sub.stream, cleanup
}

func (o *Observer) subscriberCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.subscribers)
}
