// Package redpanda provides Redpanda/Kafka queue integration for caption
// generation tasks: a transactional producer, a consumer with a bounded
// worker pool, and the task handler that drives the processing pipeline.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	obsmetrics "github.com/vedfolnir/vedfolnir/internal/adapter/observability"
	"github.com/vedfolnir/vedfolnir/internal/domain"
)

// TopicCaptionTasks is the Kafka topic caption tasks are produced to.
const TopicCaptionTasks = "caption-tasks"

// Producer wraps a transactional Kafka producer and implements
// domain.TaskQueue. Records are keyed by task id so a task's records stay
// ordered within a partition.
type Producer struct {
	client *kgo.Client
	// serializes transactions; franz-go allows one open transaction per
	// transactional client
	transactionChan chan struct{}
}

// NewProducer constructs a Producer with exactly-once semantics.
func NewProducer(brokers []string) (*Producer, error) {
	return NewProducerWithTransactionalID(brokers, "vedfolnir-producer")
}

// NewProducerWithTransactionalID constructs a Producer with a custom
// transactional ID, so tests can run producers side by side.
func NewProducerWithTransactionalID(brokers []string, transactionalID string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.producer: no seed brokers provided")
	}
	slog.Info("creating redpanda producer",
		slog.Any("brokers", brokers), slog.String("transactional_id", transactionalID))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.producer: client: %w", err)
	}

	if err := createTopicIfNotExists(context.Background(), client, TopicCaptionTasks, 1, 1); err != nil {
		slog.Warn("topic creation failed, it may already exist",
			slog.String("topic", TopicCaptionTasks), slog.Any("error", err))
	}

	return &Producer{
		client:          client,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// EnqueueCaptionTask produces the task payload with exactly-once semantics
// and returns the task id.
func (p *Producer) EnqueueCaptionTask(ctx domain.Context, payload domain.CaptionTaskPayload) (string, error) {
	return p.enqueueToTopic(ctx, payload, TopicCaptionTasks)
}

// enqueueToTopic exists so tests can isolate themselves on unique topics.
func (p *Producer) enqueueToTopic(ctx domain.Context, payload domain.CaptionTaskPayload, topic string) (string, error) {
	if payload.TaskID == "" {
		return "", fmt.Errorf("op=queue.enqueue: %w: task id required", domain.ErrInvalidArgument)
	}

	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return "", fmt.Errorf("op=queue.enqueue: %w", ctx.Err())
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: marshal: %w", err)
	}

	if err := p.client.BeginTransaction(); err != nil {
		return "", fmt.Errorf("op=queue.enqueue: begin transaction: %w", err)
	}

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(payload.TaskID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "task_id", Value: []byte(payload.TaskID)},
			{Key: "user_id", Value: []byte(payload.UserID)},
			{Key: "platform_connection_id", Value: []byte(payload.PlatformConnectionID)},
		},
	}

	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction", slog.Any("error", abortErr))
		}
		return "", fmt.Errorf("op=queue.enqueue: produce: %w", err)
	}

	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return "", fmt.Errorf("op=queue.enqueue: commit transaction: %w", err)
	}

	obsmetrics.EnqueueTask("caption")
	slog.Info("caption task enqueued",
		slog.String("task_id", payload.TaskID), slog.String("topic", topic))
	return payload.TaskID, nil
}

// Ping verifies broker connectivity, for readiness probes.
func (p *Producer) Ping(ctx domain.Context) error {
	if p.client == nil {
		return fmt.Errorf("op=queue.ping: producer not connected")
	}
	return p.client.Ping(ctx)
}

// Close closes the producer client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
