package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	obsmetrics "github.com/vedfolnir/vedfolnir/internal/adapter/observability"
	"github.com/vedfolnir/vedfolnir/internal/domain"
)

// subscriberBuffer bounds how far a stream consumer may lag before events
// are dropped. Dropped events are recoverable by polling the task snapshot.
const subscriberBuffer = 16

// Hub delivers a task's progress events to registered subscribers. Each
// (task, subscriber) pair has at most one live stream: a second Subscribe for
// the pair closes the earlier one.
type Hub struct {
	rdb *redis.Client

	mu      sync.Mutex
	streams map[streamKey]*stream
}

type streamKey struct {
	taskID       string
	subscriberID string
}

type stream struct {
	out    chan domain.ProgressEvent
	pubsub *redis.PubSub
	once   sync.Once
}

func NewHub(rdb *redis.Client) *Hub {
	return &Hub{rdb: rdb, streams: make(map[streamKey]*stream)}
}

// Subscribe opens a progress stream for the task. The returned channel is
// closed after a terminal event or when the cancel func runs. Slow consumers
// lose intermediate events rather than stalling the hub.
func (h *Hub) Subscribe(ctx context.Context, taskID, subscriberID string) (<-chan domain.ProgressEvent, func(), error) {
	if taskID == "" || subscriberID == "" {
		return nil, nil, fmt.Errorf("op=broadcast.Subscribe: %w: task and subscriber ids required",
			domain.ErrInvalidArgument)
	}

	pubsub := h.rdb.Subscribe(ctx, Channel(taskID))
	// Force the subscription onto the wire before we report success, so no
	// event published after return can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("op=broadcast.Subscribe: %w", err)
	}

	st := &stream{
		out:    make(chan domain.ProgressEvent, subscriberBuffer),
		pubsub: pubsub,
	}
	key := streamKey{taskID: taskID, subscriberID: subscriberID}

	h.mu.Lock()
	if prev, ok := h.streams[key]; ok {
		prev.close()
	}
	h.streams[key] = st
	h.mu.Unlock()

	go h.pump(key, st)

	cancel := func() {
		h.mu.Lock()
		if h.streams[key] == st {
			delete(h.streams, key)
		}
		h.mu.Unlock()
		st.close()
	}
	return st.out, cancel, nil
}

// pump decodes messages into the subscriber channel until the subscription
// closes or a terminal event arrives.
func (h *Hub) pump(key streamKey, st *stream) {
	defer close(st.out)
	for msg := range st.pubsub.Channel() {
		var ev domain.ProgressEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			slog.Warn("progress event decode failed",
				slog.String("task_id", key.taskID), slog.Any("error", err))
			continue
		}
		select {
		case st.out <- ev:
		default:
			obsmetrics.ProgressEventsDroppedTotal.Inc()
			slog.Debug("progress event dropped on slow subscriber",
				slog.String("task_id", key.taskID), slog.String("subscriber", key.subscriberID))
		}
		if ev.Terminal {
			break
		}
	}
	h.mu.Lock()
	if h.streams[key] == st {
		delete(h.streams, key)
	}
	h.mu.Unlock()
	st.close()
}

// close is idempotent; closing the pubsub ends the pump, which closes out.
func (st *stream) close() {
	st.once.Do(func() { _ = st.pubsub.Close() })
}
