package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrForbidden              = errors.New("forbidden")
	ErrRateLimited            = errors.New("rate limited")
	ErrUpstreamTimeout        = errors.New("upstream timeout")
	ErrUpstreamRateLimit      = errors.New("upstream rate limit")
	ErrAuthenticationFailed   = errors.New("platform authentication failed")
	ErrPlatformUnavailable    = errors.New("platform unavailable")
	ErrResourceExhausted      = errors.New("resource exhausted")
	ErrMissingPlatformContext = errors.New("platform context not bound")
	ErrTaskActiveExists       = errors.New("active task already exists")
	ErrTaskNotCancellable     = errors.New("task not cancellable")
	ErrStaleSnapshot          = errors.New("stale snapshot")
	ErrInternal               = errors.New("internal error")
)

// PlatformType enumerates the supported ActivityPub platforms.
type PlatformType string

const (
	PlatformPixelfed PlatformType = "pixelfed"
	PlatformMastodon PlatformType = "mastodon"
	PlatformPleroma  PlatformType = "pleroma"
)

// ValidPlatformType reports whether t names a supported platform.
func ValidPlatformType(t PlatformType) bool {
	switch t {
	case PlatformPixelfed, PlatformMastodon, PlatformPleroma:
		return true
	}
	return false
}

// Role enumerates user roles, ordered from most to least privileged.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleReviewer  Role = "reviewer"
	RoleViewer    Role = "viewer"
)

// User is an account snapshot. PasswordHash is an argon2id encoded hash and
// never serialized to API responses.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Role         Role
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PlatformConnection holds a user's credentials for one platform account.
// AccessToken, ClientKey and ClientSecret are AEAD ciphertext at rest, bound
// to the connection id; they are decrypted only inside the platform adapter
// config builder.
// Invariants: unique (user, name); unique (user, platform_type, instance_url,
// username); at most one default per user.
type PlatformConnection struct {
	ID           string
	UserID       string
	Name         string
	PlatformType PlatformType
	InstanceURL  string
	Username     string
	AccessToken  []byte
	ClientKey    []byte
	ClientSecret []byte
	IsActive     bool
	IsDefault    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastUsedAt   *time.Time
}

// Post is a cached platform post. PlatformType and InstanceURL are
// denormalized from the owning connection and validated on write.
type Post struct {
	ID                   string
	PlatformPostID       string
	UserID               string
	PlatformConnectionID string
	PlatformType         PlatformType
	InstanceURL          string
	URL                  string
	Content              string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ImageStatus tracks an image attachment through the review workflow.
type ImageStatus string

const (
	ImagePending  ImageStatus = "pending"
	ImageReviewed ImageStatus = "reviewed"
	ImageApproved ImageStatus = "approved"
	ImageRejected ImageStatus = "rejected"
	ImagePosted   ImageStatus = "posted"
	ImageError    ImageStatus = "error"
)

// Image is one image attachment that lacked usable alt text when harvested.
// The four caption fields track provenance: what the platform had, what the
// model produced, what the reviewer wrote, and what was finally published.
type Image struct {
	ID                   string
	PostID               string
	PlatformConnectionID string
	PlatformType         PlatformType
	InstanceURL          string
	ImageURL             string
	LocalPath            string
	MediaType            string
	AttachmentIndex      int
	PlatformMediaID      string
	OriginalCaption      string
	GeneratedCaption     string
	ReviewedCaption      string
	FinalCaption         string
	QualityScore         int
	PromptUsed           string
	Status               ImageStatus
	ReviewerNotes        string
	ProcessingError      string
	NeedsSpecialReview   bool
	BatchID              string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	ReviewedAt           *time.Time
	PostedAt             *time.Time
}

// RunStatus tracks a processing run lifecycle.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// ProcessingRun aggregates statistics for one batch execution. BatchID is a
// ULID shared by every image the run touched.
type ProcessingRun struct {
	ID                   string
	UserID               string
	PlatformConnectionID string
	BatchID              string
	PostsProcessed       int
	ImagesProcessed      int
	CaptionsGenerated    int
	ErrorsCount          int
	RetryAttempts        int
	RetrySuccesses       int
	Status               RunStatus
	StartedAt            time.Time
	CompletedAt          *time.Time
}

// TaskStatus is the caption generation task state machine.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether s admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// ValidTaskTransition reports whether from -> to is a legal state change.
// queued -> running|cancelled; running -> completed|failed|cancelled.
func ValidTaskTransition(from, to TaskStatus) bool {
	switch from {
	case TaskQueued:
		return to == TaskRunning || to == TaskCancelled
	case TaskRunning:
		return to == TaskCompleted || to == TaskFailed || to == TaskCancelled
	}
	return false
}

// CaptionGenerationTask is a queued unit of caption work for one user on one
// platform connection. Settings and Results are serialized to JSONB columns.
type CaptionGenerationTask struct {
	ID                   string
	UserID               string
	PlatformConnectionID string
	Status               TaskStatus
	Settings             CaptionGenerationSettings
	Results              *GenerationResults
	ProgressPercent      int
	CurrentStep          string
	ErrorMessage         string
	CancelRequested      bool
	CreatedAt            time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
}

// UserSettings are per-(user, platform connection) processing preferences.
type UserSettings struct {
	UserID               string
	PlatformConnectionID string
	MaxPostsPerRun       int
	MaxCaptionLength     int
	OptimalMinLength     int
	OptimalMaxLength     int
	ReprocessExisting    bool
	ProcessingDelay      time.Duration
}

// Repositories (ports)

type UserRepository interface {
	Create(ctx Context, u User) (string, error)
	Get(ctx Context, id string) (User, error)
	GetByUsername(ctx Context, username string) (User, error)
	Count(ctx Context) (int64, error)
}

type PlatformConnectionRepository interface {
	Create(ctx Context, pc PlatformConnection) (string, error)
	Get(ctx Context, userID, id string) (PlatformConnection, error)
	ListByUser(ctx Context, userID string) ([]PlatformConnection, error)
	GetDefault(ctx Context, userID string) (PlatformConnection, error)
	SetDefault(ctx Context, userID, id string) error
	Delete(ctx Context, userID, id string, force bool) error
	TouchLastUsed(ctx Context, id string) error
}

// PostRepository and ImageRepository are platform-scoped: every operation
// requires a bound platform context and filters by its connection id.
type PostRepository interface {
	Upsert(ctx Context, p Post) (string, error)
	Get(ctx Context, id string) (Post, error)
	GetByPlatformPostID(ctx Context, platformPostID string) (Post, error)
}

type ImageRepository interface {
	Upsert(ctx Context, img Image) (string, error)
	Get(ctx Context, id string) (Image, error)
	GetByImageURL(ctx Context, imageURL string) (Image, error)
	ListPending(ctx Context, limit int) ([]Image, error)
	ListByBatch(ctx Context, batchID string) ([]Image, error)
	SetGenerated(ctx Context, id, caption, promptUsed string, qualityScore int, needsSpecialReview bool) error
	SetError(ctx Context, id, processingError string) error
	Review(ctx Context, id string, status ImageStatus, reviewedCaption, notes string) error
	MarkPosted(ctx Context, id, finalCaption string) error
}

type ProcessingRunRepository interface {
	Create(ctx Context, run ProcessingRun) (string, error)
	Finish(ctx Context, run ProcessingRun) error
	Get(ctx Context, id string) (ProcessingRun, error)
}

type TaskRepository interface {
	Create(ctx Context, t CaptionGenerationTask) (string, error)
	Get(ctx Context, id string) (CaptionGenerationTask, error)
	// CompareAndSwapStatus transitions id from -> to and reports whether the
	// swap won. A false return with nil error means another actor moved the
	// task first.
	CompareAndSwapStatus(ctx Context, id string, from, to TaskStatus) (bool, error)
	ActiveForUser(ctx Context, userID string) (CaptionGenerationTask, error)
	RequestCancel(ctx Context, id string) error
	CancelRequested(ctx Context, id string) (bool, error)
	UpdateProgress(ctx Context, id string, percent int, step string) error
	Complete(ctx Context, id string, status TaskStatus, errMsg string, results *GenerationResults) error
	ListActive(ctx Context) ([]CaptionGenerationTask, error)
	ListByUser(ctx Context, userID string, offset, limit int) ([]CaptionGenerationTask, error)
	DeleteTerminalOlderThan(ctx Context, cutoff time.Time) (int64, error)
	RequeueStuck(ctx Context, olderThan time.Duration) ([]string, error)
	Stats(ctx Context) (TaskStats, error)
}

type UserSettingsRepository interface {
	Get(ctx Context, userID, platformConnectionID string) (UserSettings, error)
	Put(ctx Context, s UserSettings) error
}

// TaskStats is the admin metrics snapshot over caption tasks.
type TaskStats struct {
	QueueDepth        int64
	Running           int64
	CompletedTotal    int64
	FailedTotal       int64
	CancelledTotal    int64
	AvgRuntimeSeconds float64
	SuccessRate       float64
}

// TaskQueue (port)

type CaptionTaskPayload struct {
	TaskID               string `json:"task_id"`
	UserID               string `json:"user_id"`
	PlatformConnectionID string `json:"platform_connection_id"`
}

type TaskQueue interface {
	EnqueueCaptionTask(ctx Context, payload CaptionTaskPayload) (string, error)
}

// CaptionGenerator (port)
// Generate produces a caption for the image at path, applying the adapter's
// quality gate and fallback ladder before returning.
type CaptionGenerator interface {
	Generate(ctx Context, imagePath string, category PromptCategory, settings CaptionGenerationSettings) (CaptionResult, error)
}

// CaptionResult carries the winning caption plus assessment metadata.
// Attempts tallies ladder outcomes by reason for aggregation into the run's
// fallback statistics.
type CaptionResult struct {
	Caption            string
	PromptUsed         string
	ModelUsed          string
	QualityScore       int
	QualityLevel       QualityLevel
	NeedsSpecialReview bool
	FallbackReason     string
	Attempts           map[string]int
}

// ImageDownloader (port)
// Download fetches an image into local storage and returns its path and the
// sniffed media type. An already-stored image is reused unless reprocess is
// set.
type ImageDownloader interface {
	Download(ctx Context, imageURL string, reprocess bool) (localPath, mediaType string, err error)
}

// ProgressSink (port)
// Publish delivers a progress event to all subscribers of the task.
type ProgressSink interface {
	Publish(ctx Context, ev ProgressEvent) error
}

// ProgressEvent is the wire shape pushed over WebSocket/SSE streams.
type ProgressEvent struct {
	TaskID          string         `json:"task_id"`
	Status          TaskStatus     `json:"status"`
	CurrentStep     string         `json:"current_step"`
	ProgressPercent int            `json:"progress_percent"`
	Details         map[string]any `json:"details,omitempty"`
	Terminal        bool           `json:"terminal"`
}

// Context is an alias to context.Context so domain signatures stay decoupled
// from stdlib imports at call sites; adapters pass the real context through.
type Context = context.Context
