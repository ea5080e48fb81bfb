// Package recovery categorizes worker failures and decides what happens
// next: retry, fail fast, or escalate to an admin.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	obsmetrics "github.com/vedfolnir/vedfolnir/internal/adapter/observability"
	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/observability"
)

// Decision tells the worker how to proceed after a failure.
type Decision struct {
	Category domain.ErrorCategory
	Action   domain.RecoveryAction
	Guidance string
}

// Stats is a snapshot of recovery activity.
type Stats struct {
	Counts              map[domain.ErrorCategory]int64 `json:"counts"`
	Total               int64                          `json:"total"`
	Notifications       int                            `json:"notifications"`
	UnreadNotifications int                            `json:"unread_notifications"`
}

// Service tracks categorized failures, keeps the last-N ring buffer and the
// admin notification list.
type Service struct {
	mu            sync.Mutex
	counts        map[domain.ErrorCategory]int64
	recent        []domain.RecoveredError
	recentCap     int
	notifications []domain.AdminNotification
	maxNotes      int
	retention     time.Duration
	entropy       *rand.Rand
}

// New creates a recovery service. Defaults: 100 recent errors, 200
// notifications, 7 day retention.
func New() *Service {
	return &Service{
		counts:    make(map[domain.ErrorCategory]int64),
		recentCap: 100,
		maxNotes:  200,
		retention: 7 * 24 * time.Hour,
		//nolint:gosec // G404 non-crypto randomness acceptable for id entropy
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

var authFragments = []string{
	"401", "unauthorized", "invalid token", "token revoked", "authentication",
	"invalid_grant", "forbidden",
}

var resourceFragments = []string{
	"no space left", "disk full", "out of memory", "quota exceeded",
	"too many open files", "resource exhausted",
}

var validationFragments = []string{
	"invalid", "malformed", "validation", "schema", "unprocessable",
}

var networkFragments = []string{
	"connection refused", "connection reset", "dial tcp", "no such host",
	"i/o timeout", "network is unreachable", "timeout", "eof",
	"context deadline exceeded",
}

var platformFragments = []string{
	"status 500", "status 502", "status 503", "status 504", "rate limited",
	"too many requests", "bad gateway", "service unavailable",
}

// Categorise maps an error onto the recovery taxonomy. Sentinels win over
// message fragments; fragments catch errors that arrive as plain strings
// from transports.
func Categorise(err error) domain.ErrorCategory {
	if err == nil {
		return domain.CategoryUnknown
	}

	switch {
	case errors.Is(err, domain.ErrAuthenticationFailed), errors.Is(err, domain.ErrUnauthorized):
		return domain.CategoryAuthentication
	case errors.Is(err, domain.ErrUpstreamRateLimit),
		errors.Is(err, domain.ErrPlatformUnavailable):
		return domain.CategoryPlatform
	case errors.Is(err, domain.ErrResourceExhausted):
		return domain.CategoryResource
	case errors.Is(err, domain.ErrInvalidArgument):
		return domain.CategoryValidation
	case errors.Is(err, domain.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.CategoryNetwork
	case errors.Is(err, domain.ErrInternal):
		return domain.CategorySystem
	}

	msg := strings.ToLower(err.Error())
	for _, f := range authFragments {
		if strings.Contains(msg, f) {
			return domain.CategoryAuthentication
		}
	}
	for _, f := range resourceFragments {
		if strings.Contains(msg, f) {
			return domain.CategoryResource
		}
	}
	for _, f := range platformFragments {
		if strings.Contains(msg, f) {
			return domain.CategoryPlatform
		}
	}
	for _, f := range networkFragments {
		if strings.Contains(msg, f) {
			return domain.CategoryNetwork
		}
	}
	for _, f := range validationFragments {
		if strings.Contains(msg, f) {
			return domain.CategoryValidation
		}
	}
	return domain.CategoryUnknown
}

// StrategyFor returns the recovery action for a category.
func StrategyFor(cat domain.ErrorCategory) domain.RecoveryAction {
	switch cat {
	case domain.CategoryAuthentication:
		return domain.ActionNotifyAndAbort
	case domain.CategoryPlatform:
		return domain.ActionRetryBackoff
	case domain.CategoryResource:
		return domain.ActionRetryLongWait
	case domain.CategoryValidation:
		return domain.ActionFailFast
	case domain.CategoryNetwork:
		return domain.ActionRetryBackoff
	case domain.CategorySystem:
		return domain.ActionNotifyAndAbort
	default:
		return domain.ActionSingleRetry
	}
}

func guidanceFor(cat domain.ErrorCategory) string {
	switch cat {
	case domain.CategoryAuthentication:
		return "Reauthorize the platform connection; the stored token was rejected."
	case domain.CategoryPlatform:
		return "The instance returned server errors; verify it is reachable and retry."
	case domain.CategoryResource:
		return "Check disk space and memory on the host running the worker."
	case domain.CategoryValidation:
		return "The request data is malformed; inspect the task settings."
	case domain.CategoryNetwork:
		return "Network path to the instance failed; check connectivity and DNS."
	case domain.CategorySystem:
		return "Unexpected internal failure; check worker logs for the stack trace."
	default:
		return "Unclassified failure; check worker logs."
	}
}

// Sanitize maps a stored raw failure message to a category, a public
// message safe to return from the API, and operator guidance. Raw messages
// can carry instance URLs and transport detail and are never exposed.
func Sanitize(message string) (domain.ErrorCategory, string, string) {
	if strings.TrimSpace(message) == "" {
		return "", "", ""
	}
	cat := Categorise(errors.New(message))
	return cat, publicMessageFor(cat), guidanceFor(cat)
}

func publicMessageFor(cat domain.ErrorCategory) string {
	switch cat {
	case domain.CategoryAuthentication:
		return "platform rejected the stored credentials"
	case domain.CategoryPlatform:
		return "platform instance returned errors"
	case domain.CategoryResource:
		return "worker host ran short of resources"
	case domain.CategoryValidation:
		return "task settings or platform data failed validation"
	case domain.CategoryNetwork:
		return "could not reach the platform instance"
	case domain.CategorySystem:
		return "internal processing error"
	default:
		return "task failed"
	}
}

// Handle categorizes err, records it and returns the decision. Actions that
// escalate raise an admin notification immediately.
func (s *Service) Handle(ctx context.Context, err error, operation, taskID string) Decision {
	cat := Categorise(err)
	action := StrategyFor(cat)
	guidance := guidanceFor(cat)

	s.mu.Lock()
	s.counts[cat]++
	s.pushRecentLocked(domain.RecoveredError{
		Category:   cat,
		Action:     action,
		Operation:  operation,
		TaskID:     taskID,
		Message:    err.Error(),
		OccurredAt: time.Now(),
	})
	s.mu.Unlock()

	obsmetrics.ObserveRecovery(string(cat), string(action))

	lg := observability.LoggerFromContext(ctx)
	lg.WarnContext(ctx, "failure categorized",
		slog.String("operation", operation),
		slog.String("task_id", taskID),
		slog.String("category", string(cat)),
		slog.String("action", string(action)),
		slog.String("error", err.Error()))

	if action == domain.ActionNotifyAndAbort {
		s.Notify(cat, taskID, err.Error(), guidance)
	}

	return Decision{Category: cat, Action: action, Guidance: guidance}
}

// NotifyExhausted raises a notification after retries for a retryable
// category ran out.
func (s *Service) NotifyExhausted(cat domain.ErrorCategory, taskID, message string) {
	s.Notify(cat, taskID, "retries exhausted: "+message, guidanceFor(cat))
}

// Notify appends an admin notification, evicting expired and overflow
// entries.
func (s *Service) Notify(cat domain.ErrorCategory, taskID, message, guidance string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.evictLocked(now)

	s.notifications = append(s.notifications, domain.AdminNotification{
		ID:         ulid.MustNew(ulid.Timestamp(now), s.entropy).String(),
		Category:   cat,
		TaskID:     taskID,
		Message:    message,
		Guidance:   guidance,
		OccurredAt: now,
	})
	if len(s.notifications) > s.maxNotes {
		s.notifications = s.notifications[len(s.notifications)-s.maxNotes:]
	}
}

// Notifications returns admin notifications, optionally only unread ones,
// newest first.
func (s *Service) Notifications(unreadOnly bool) []domain.AdminNotification {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked(time.Now())

	out := make([]domain.AdminNotification, 0, len(s.notifications))
	for i := len(s.notifications) - 1; i >= 0; i-- {
		n := s.notifications[i]
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, n)
	}
	return out
}

// MarkRead marks one notification as read.
func (s *Service) MarkRead(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.notifications {
		if s.notifications[i].ID == id {
			s.notifications[i].Read = true
			return nil
		}
	}
	return domain.ErrNotFound
}

// Recent returns the ring buffer of recent categorized failures, newest
// first.
func (s *Service) Recent() []domain.RecoveredError {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.RecoveredError, 0, len(s.recent))
	for i := len(s.recent) - 1; i >= 0; i-- {
		out = append(out, s.recent[i])
	}
	return out
}

// StatsSnapshot returns per-category counters and notification totals.
func (s *Service) StatsSnapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.ErrorCategory]int64, len(s.counts))
	var total int64
	for cat, n := range s.counts {
		counts[cat] = n
		total += n
	}
	unread := 0
	for _, n := range s.notifications {
		if !n.Read {
			unread++
		}
	}
	return Stats{
		Counts:              counts,
		Total:               total,
		Notifications:       len(s.notifications),
		UnreadNotifications: unread,
	}
}

func (s *Service) pushRecentLocked(re domain.RecoveredError) {
	s.recent = append(s.recent, re)
	if len(s.recent) > s.recentCap {
		s.recent = s.recent[len(s.recent)-s.recentCap:]
	}
}

func (s *Service) evictLocked(now time.Time) {
	if s.retention <= 0 || len(s.notifications) == 0 {
		return
	}
	cutoff := now.Add(-s.retention)
	keep := s.notifications[:0]
	for _, n := range s.notifications {
		if n.OccurredAt.After(cutoff) {
			keep = append(keep, n)
		}
	}
	s.notifications = keep
}
