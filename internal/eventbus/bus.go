// Package eventbus is a small in-memory fanout used to decouple the engine
// jobs from observers (logging, future webhooks).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Engine event types.
const (
	TypeScheduleFired       = "schedule.fired"
	TypePostPublished       = "post.published"
	TypePostFailed          = "post.failed"
	TypeFollowCompleted     = "follow.completed"
	TypeCredentialRefreshed = "credential.refreshed"
)

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// PostEvent is the payload for post lifecycle events. FireID correlates a
// post with the schedule fire that produced it, when there was one.
type PostEvent struct {
	PostID   uint
	TenantID uint
	Format   string
	RemoteID string
	Error    string
	FireID   string
}

// ScheduleEvent is the payload for schedule fires.
type ScheduleEvent struct {
	ScheduleID uint
	TenantID   uint
	Kind       string
	FireID     string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no background
// goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; slow subscribers drop. A concurrent
		// unsubscribe may close the channel, so recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
