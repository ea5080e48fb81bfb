package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

type stubHandler struct {
	errFor string // task ID whose handling should fail
}

func (h *stubHandler) HandleCaptionTask(_ context.Context, payload domain.CaptionTaskPayload) error {
	if payload.TaskID == h.errFor {
		return errors.New("handler blew up")
	}
	return nil
}

func taskRecord(t *testing.T, taskID string) *kgo.Record {
	t.Helper()
	b, err := json.Marshal(domain.CaptionTaskPayload{
		TaskID:               taskID,
		UserID:               "user-1",
		PlatformConnectionID: "conn-1",
	})
	require.NoError(t, err)
	return &kgo.Record{Value: b}
}

func TestWorker_MarksRecordsAfterHandling(t *testing.T) {
	marked := make(chan *kgo.Record, 4)
	c := &Consumer{
		handler:  &stubHandler{errFor: "task-bad"},
		records:  make(chan *kgo.Record, 4),
		shutdown: make(chan struct{}),
		mark: func(rs ...*kgo.Record) {
			for _, r := range rs {
				marked <- r
			}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.worker(ctx, 0)

	ok := taskRecord(t, "task-ok")
	bad := taskRecord(t, "task-bad")
	c.records <- ok
	c.records <- bad

	// Both records advance the offset: the failed task's terminal state is
	// already persisted, so redelivery would change nothing.
	for _, want := range []*kgo.Record{ok, bad} {
		select {
		case got := <-marked:
			assert.Same(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("record was not marked")
		}
	}
}
