package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/observability"
)

// TaskHandler processes one dequeued caption task.
type TaskHandler interface {
	HandleCaptionTask(ctx context.Context, payload domain.CaptionTaskPayload) error
}

// Consumer reads caption task records in a consumer group with read-committed
// isolation and hands them to a bounded worker pool.
type Consumer struct {
	session *kgo.GroupTransactSession
	handler TaskHandler

	groupID string
	topic   string
	workers int

	records  chan *kgo.Record
	pacer    *pollPacer
	shutdown chan struct{}

	// mark advances the group offset past a handled record. AutoCommitMarks
	// only commits what has been marked, so an unmarked record would be
	// redelivered after every rebalance.
	mark func(...*kgo.Record)
}

// NewConsumer constructs a Consumer. workers bounds how many tasks run
// concurrently in this process.
func NewConsumer(brokers []string, groupID, transactionalID string, workers int, handler TaskHandler) (*Consumer, error) {
	return NewConsumerWithTopic(brokers, groupID, transactionalID, workers, handler, TopicCaptionTasks)
}

// NewConsumerWithTopic constructs a Consumer for a specific topic, so tests
// can isolate themselves.
func NewConsumerWithTopic(brokers []string, groupID, transactionalID string, workers int, handler TaskHandler, topic string) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.consumer: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=queue.consumer: missing required group ID")
	}
	if handler == nil {
		return nil, fmt.Errorf("op=queue.consumer: missing task handler")
	}
	if workers <= 0 {
		workers = 4
	}

	slog.Info("creating redpanda consumer",
		slog.Any("brokers", brokers),
		slog.String("group_id", groupID),
		slog.String("topic", topic),
		slog.Int("workers", workers))

	// Bootstrap the topic with a plain client; the transactional session
	// must not consume before the topic exists.
	tempClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("op=queue.consumer: temp client: %w", err)
	}
	defer tempClient.Close()
	if err := createTopicIfNotExists(context.Background(), tempClient, topic, 8, 1); err != nil {
		slog.Warn("topic creation failed, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))

	session, err := kgo.NewGroupTransactSession(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.RequireStableFetchOffsets(),
		kgo.WithHooks(kotelService.Hooks()...),

		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.RebalanceTimeout(10*time.Second),

		kgo.FetchMaxBytes(10*1024*1024),
		kgo.FetchMaxWait(5*time.Second),
		kgo.FetchMinBytes(512),

		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.consumer: transactional session: %w", err)
	}

	return &Consumer{
		session:  session,
		handler:  handler,
		groupID:  groupID,
		topic:    topic,
		workers:  workers,
		records:  make(chan *kgo.Record, workers*2),
		pacer:    newPollPacer(100 * time.Millisecond),
		shutdown: make(chan struct{}),
		mark:     session.Client().MarkCommitRecords,
	}, nil
}

// Start runs the fetch loop and worker pool until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("starting redpanda consumer",
		slog.String("group_id", c.groupID),
		slog.String("topic", c.topic),
		slog.Int("workers", c.workers))

	for i := 0; i < c.workers; i++ {
		go c.worker(ctx, i)
	}
	go c.fetchLoop(ctx)

	<-ctx.Done()
	slog.Info("redpanda consumer shutting down")
	close(c.shutdown)
	return ctx.Err()
}

func (c *Consumer) fetchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		fetches := c.session.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if errors.Is(fe.Err, context.Canceled) {
					return
				}
				slog.Error("fetch error",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
			}
			c.pacer.recordFailure()
			c.sleep(ctx, c.pacer.next())
			continue
		}

		if fetches.NumRecords() == 0 {
			c.pacer.recordEmpty()
			c.sleep(ctx, c.pacer.next())
			continue
		}
		c.pacer.recordRecords()

		fetches.EachRecord(func(record *kgo.Record) {
			select {
			case c.records <- record:
			case <-ctx.Done():
			}
		})
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-c.shutdown:
	case <-time.After(d):
	}
}

func (c *Consumer) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case record := <-c.records:
			if record == nil {
				return
			}
			if err := c.processRecord(ctx, record); err != nil {
				slog.Error("caption task processing failed",
					slog.Int("worker_id", id),
					slog.Int64("offset", record.Offset),
					slog.Any("error", err))
			}
			// The terminal task state is already persisted by the handler,
			// failures included, so the record is marked either way rather
			// than redelivered to a task that cannot change outcome.
			c.mark(record)
		}
	}
}

// processRecord unmarshals one record and runs the handler with the task id
// attached to the logging context.
func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	tracer := otel.Tracer("queue.consumer")
	ctx, span := tracer.Start(ctx, "ProcessCaptionTask")
	defer span.End()

	var payload domain.CaptionTaskPayload
	if err := json.Unmarshal(record.Value, &payload); err != nil {
		// Poison record: log and drop rather than block the partition.
		slog.Error("unmarshal caption task payload",
			slog.Int64("offset", record.Offset), slog.Any("error", err))
		return nil
	}

	ctx = observability.ContextWithTaskID(ctx, payload.TaskID)
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("task_id", payload.TaskID),
		slog.String("user_id", payload.UserID),
		slog.String("platform_connection_id", payload.PlatformConnectionID),
	)
	ctx = observability.ContextWithLogger(ctx, lg)

	lg.Info("processing caption task",
		slog.Int64("offset", record.Offset), slog.Int("partition", int(record.Partition)))
	return c.handler.HandleCaptionTask(ctx, payload)
}

// Close closes the consumer session.
func (c *Consumer) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}
	return nil
}
