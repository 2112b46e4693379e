package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pawsync/internal/engine"
)

const (
	RealtimeEventOperation = "operation"
	RealtimeEventCycle     = "cycle"
	RealtimeEventSyncError = "sync-error"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "pawsync"
)

// RealtimeMessage is one server-sent event pushed to connected UI clients.
type RealtimeMessage struct {
	EventType  string        `json:"-"`
	EntityType string        `json:"entity_type,omitempty"`
	RecordID   string        `json:"record_id,omitempty"`
	RemoteID   string        `json:"remote_id,omitempty"`
	Operation  string        `json:"operation,omitempty"`
	Outcome    string        `json:"outcome,omitempty"`
	Error      string        `json:"error,omitempty"`
	Cycle      *cycleSummary `json:"cycle,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

type cycleSummary struct {
	Pushed         int `json:"pushed"`
	PushFailed     int `json:"push_failed"`
	Waiting        int `json:"waiting"`
	Fetched        int `json:"fetched"`
	Created        int `json:"created"`
	Updated        int `json:"updated"`
	Deleted        int `json:"deleted"`
	Repaired       int `json:"repaired"`
	PullErrors     int `json:"pull_errors"`
	DurationMillis int `json:"duration_ms"`
}

// RealtimeDispatcher fans engine notifications out to SSE subscribers. It
// satisfies engine.Observer; slow subscribers miss messages instead of blocking
// the sync cycle.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

var _ engine.Observer = (*RealtimeDispatcher)(nil)

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

// Subscribe registers a stream that lives until ctx is done or cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan RealtimeMessage, func()) {
	subscriber := &realtimeSubscriber{
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = d.clock().UTC()
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports how many streams are connected.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *RealtimeDispatcher) OnOperationComplete(event engine.OperationEvent) {
	message := RealtimeMessage{
		EventType:  RealtimeEventOperation,
		EntityType: event.Operation.EntityType.String(),
		RecordID:   event.Operation.RecordID,
		RemoteID:   event.RemoteID,
		Operation:  string(event.Operation.Type),
		Outcome:    string(event.Outcome),
	}
	if event.Err != nil {
		message.Error = event.Err.Error()
	}
	d.Publish(message)
}

func (d *RealtimeDispatcher) OnCycleFinished(report engine.CycleReport) {
	message := RealtimeMessage{
		EventType: RealtimeEventCycle,
		Cycle: &cycleSummary{
			Pushed:         report.Push.Succeeded,
			PushFailed:     report.Push.Failed,
			Waiting:        report.Push.Waiting,
			Fetched:        report.Pull.Fetched,
			Created:        report.Pull.Created,
			Updated:        report.Pull.Updated,
			Deleted:        report.Pull.Deleted,
			Repaired:       report.Pull.Repaired,
			PullErrors:     report.Pull.Errors,
			DurationMillis: int(report.FinishedAt.Sub(report.StartedAt).Milliseconds()),
		},
		Timestamp: report.FinishedAt,
	}
	if report.Err != nil {
		message.Error = report.Err.Error()
	}
	d.Publish(message)
}

func (d *RealtimeDispatcher) OnError(err error) {
	if err == nil {
		return
	}
	d.Publish(RealtimeMessage{
		EventType: RealtimeEventSyncError,
		Error:     err.Error(),
	})
}

func (d *RealtimeDispatcher) registerSubscriber(subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
