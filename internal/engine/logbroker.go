package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/dabla/taskrunner/internal/model"
)

// subscriberBufferSize is the channel buffer for each log subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// LogBroker fans out the live log lines of task instances to subscribers.
// It is safe for concurrent use.
//
// A closed topic stays behind as a marker so that a subscriber arriving
// after the task instance settled gets a closed channel instead of blocking.
type LogBroker struct {
	mu     sync.Mutex
	topics map[uuid.UUID]*logTopic
}

type logTopic struct {
	subs   map[int]chan model.LogLine
	nextID int
	closed bool
}

func newLogTopic() *logTopic {
	return &logTopic{subs: make(map[int]chan model.LogLine)}
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[uuid.UUID]*logTopic),
	}
}

// Subscribe returns a channel receiving the log lines of task instance id
// and an unsubscribe function. The channel is already closed when the task
// instance has settled.
func (b *LogBroker) Subscribe(id uuid.UUID) (<-chan model.LogLine, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[id]
	if !ok {
		t = newLogTopic()
		b.topics[id] = t
	}

	ch := make(chan model.LogLine, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	subID := t.nextID
	t.nextID++
	t.subs[subID] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, subID)
	}
}

// Publish sends a line to all subscribers of task instance id. Slow
// subscribers miss it rather than stall the worker.
func (b *LogBroker) Publish(id uuid.UUID, line model.LogLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[id]
	if !ok || t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close ends the stream of task instance id. Subscriber channels are closed
// and later subscriptions receive a closed channel.
func (b *LogBroker) Close(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[id]
	if !ok {
		t = newLogTopic()
		b.topics[id] = t
	}
	t.closed = true
	for subID, ch := range t.subs {
		close(ch)
		delete(t.subs, subID)
	}
}
