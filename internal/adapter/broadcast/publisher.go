// Package broadcast moves task progress events between processes over Redis
// pub/sub: workers publish, the API's subscriber hub fans events out to
// WebSocket and SSE streams.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

const channelPrefix = "vedfolnir:progress:"

// Channel returns the Redis pub/sub channel for a task.
func Channel(taskID string) string { return channelPrefix + taskID }

// Publisher implements domain.ProgressSink over Redis pub/sub. Progress
// percent is kept monotonic per task: an event that reports less than a
// previously published value is raised to the published high-water mark.
type Publisher struct {
	rdb *redis.Client

	mu   sync.Mutex
	high map[string]int
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb, high: make(map[string]int)}
}

// Publish sends the event to the task's channel. Terminal events release the
// task's high-water mark.
func (p *Publisher) Publish(ctx context.Context, ev domain.ProgressEvent) error {
	if ev.TaskID == "" {
		return fmt.Errorf("op=broadcast.Publish: %w: task id required", domain.ErrInvalidArgument)
	}
	ev.ProgressPercent = p.clamp(ev.TaskID, ev.ProgressPercent, ev.Terminal)

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=broadcast.Publish: marshal: %w", err)
	}
	if err := p.rdb.Publish(ctx, Channel(ev.TaskID), payload).Err(); err != nil {
		return fmt.Errorf("op=broadcast.Publish: %w", err)
	}
	return nil
}

func (p *Publisher) clamp(taskID string, percent int, terminal bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.high[taskID]; ok && percent < prev {
		percent = prev
	}
	if terminal {
		delete(p.high, taskID)
		return percent
	}
	p.high[taskID] = percent
	return percent
}
