package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	RealtimeEventCollectionChanged = "collection-change"
	realtimeEventHeartbeat         = "heartbeat"
	realtimeSourceBackend          = "registry-api"

	defaultHeartbeatInterval = 25 * time.Second
)

// RealtimeMessage announces records touched by a successful write.
type RealtimeMessage struct {
	EventType  string
	Collection string
	RecordIDs  []string
	Timestamp  time.Time
}

// RealtimeDispatcher fans change messages out to every connected stream.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream that stays open until ctx ends or the returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan RealtimeMessage, func()) {
	subscriber := &realtimeSubscriber{stream: make(chan RealtimeMessage, d.bufferSize)}
	d.mu.Lock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, subscriber.id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to every subscriber without blocking. Slow subscribers miss it.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" || message.Collection == "" {
		return
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

// Subscribers reports the number of open streams.
func (d *RealtimeDispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

type changeEventPayload struct {
	Type    string            `json:"type"`
	Payload changeEventDetail `json:"payload"`
}

type changeEventDetail struct {
	Collection string   `json:"collection"`
	IDs        []string `json:"ids"`
}

type heartbeatPayload struct {
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	stream, cleanup := h.realtime.Subscribe(c.Request.Context())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case message := <-stream:
			c.SSEvent(message.EventType, changeEventPayload{
				Type: message.EventType,
				Payload: changeEventDetail{
					Collection: message.Collection,
					IDs:        message.RecordIDs,
				},
			})
			c.Writer.Flush()
		case now := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{
				Source:    realtimeSourceBackend,
				Timestamp: now.UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) publishChange(collection string, ids ...string) {
	if h.realtime == nil {
		return
	}
	h.realtime.Publish(RealtimeMessage{
		EventType:  RealtimeEventCollectionChanged,
		Collection: collection,
		RecordIDs:  ids,
		Timestamp:  h.now(),
	})
	h.logger.Debug("collection change published", zap.String("collection", collection), zap.Strings("ids", ids))
}
