package usecase

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vedfolnir/vedfolnir/internal/adapter/platform"
	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/observability"
	"github.com/vedfolnir/vedfolnir/internal/service/secrets"
)

// PlatformService manages platform connections. Credentials are sealed with
// the connection id as associated data before they reach the repository, so
// a ciphertext copied onto another row fails to decrypt.
type PlatformService struct {
	Conns    domain.PlatformConnectionRepository
	Registry ClientResolver
	Box      *secrets.Box
}

// NewPlatformService constructs a PlatformService with its dependencies.
func NewPlatformService(c domain.PlatformConnectionRepository, r ClientResolver, b *secrets.Box) PlatformService {
	return PlatformService{Conns: c, Registry: r, Box: b}
}

// ConnectionInput carries plaintext credentials from the API layer. They are
// encrypted here and never stored or logged as given.
type ConnectionInput struct {
	Name         string
	PlatformType domain.PlatformType
	InstanceURL  string
	Username     string
	AccessToken  string
	ClientKey    string
	ClientSecret string
	IsDefault    bool
}

// ConnectionView is the API shape of a connection. Credentials never appear.
type ConnectionView struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	PlatformType domain.PlatformType `json:"platform_type"`
	InstanceURL  string              `json:"instance_url"`
	Username     string              `json:"username"`
	IsActive     bool                `json:"is_active"`
	IsDefault    bool                `json:"is_default"`
	CreatedAt    time.Time           `json:"created_at"`
	LastUsedAt   *time.Time          `json:"last_used_at,omitempty"`
}

func viewOf(pc domain.PlatformConnection) ConnectionView {
	return ConnectionView{
		ID:           pc.ID,
		Name:         pc.Name,
		PlatformType: pc.PlatformType,
		InstanceURL:  pc.InstanceURL,
		Username:     pc.Username,
		IsActive:     pc.IsActive,
		IsDefault:    pc.IsDefault,
		CreatedAt:    pc.CreatedAt,
		LastUsedAt:   pc.LastUsedAt,
	}
}

// Create validates and stores a new connection with sealed credentials.
func (s PlatformService) Create(ctx domain.Context, userID string, in ConnectionInput) (ConnectionView, error) {
	if err := validateConnectionInput(in); err != nil {
		return ConnectionView{}, fmt.Errorf("op=platform.create: %w", err)
	}

	id := uuid.New().String()
	token, err := s.Box.SealString(in.AccessToken, id)
	if err != nil {
		return ConnectionView{}, fmt.Errorf("op=platform.create: seal token: %w", err)
	}
	pc := domain.PlatformConnection{
		ID:           id,
		UserID:       userID,
		Name:         strings.TrimSpace(in.Name),
		PlatformType: in.PlatformType,
		InstanceURL:  strings.TrimRight(strings.TrimSpace(in.InstanceURL), "/"),
		Username:     strings.TrimSpace(in.Username),
		AccessToken:  token,
		IsActive:     true,
		IsDefault:    in.IsDefault,
	}
	if in.ClientKey != "" {
		if pc.ClientKey, err = s.Box.SealString(in.ClientKey, id); err != nil {
			return ConnectionView{}, fmt.Errorf("op=platform.create: seal client key: %w", err)
		}
	}
	if in.ClientSecret != "" {
		if pc.ClientSecret, err = s.Box.SealString(in.ClientSecret, id); err != nil {
			return ConnectionView{}, fmt.Errorf("op=platform.create: seal client secret: %w", err)
		}
	}

	if _, err := s.Conns.Create(ctx, pc); err != nil {
		return ConnectionView{}, fmt.Errorf("op=platform.create: %w", err)
	}
	created, err := s.Conns.Get(ctx, userID, id)
	if err != nil {
		return ConnectionView{}, fmt.Errorf("op=platform.create: %w", err)
	}
	return viewOf(created), nil
}

// Get returns one of the user's connections.
func (s PlatformService) Get(ctx domain.Context, userID, id string) (ConnectionView, error) {
	pc, err := s.Conns.Get(ctx, userID, id)
	if err != nil {
		return ConnectionView{}, fmt.Errorf("op=platform.get: %w", err)
	}
	return viewOf(pc), nil
}

// List returns the user's connections.
func (s PlatformService) List(ctx domain.Context, userID string) ([]ConnectionView, error) {
	conns, err := s.Conns.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("op=platform.list: %w", err)
	}
	out := make([]ConnectionView, 0, len(conns))
	for _, pc := range conns {
		out = append(out, viewOf(pc))
	}
	return out, nil
}

// SetDefault makes the connection the user's default, clearing any previous
// one.
func (s PlatformService) SetDefault(ctx domain.Context, userID, id string) error {
	if err := s.Conns.SetDefault(ctx, userID, id); err != nil {
		return fmt.Errorf("op=platform.set_default: %w", err)
	}
	return nil
}

// Delete removes a connection. Without force the repository refuses when
// dependent rows (posts, images, tasks) exist.
func (s PlatformService) Delete(ctx domain.Context, userID, id string, force bool) error {
	if err := s.Conns.Delete(ctx, userID, id, force); err != nil {
		return fmt.Errorf("op=platform.delete: %w", err)
	}
	return nil
}

// Test verifies the stored credentials against the live instance and reports
// the authenticated account.
func (s PlatformService) Test(ctx domain.Context, userID, id string) (platform.AccountInfo, error) {
	conn, err := s.Conns.Get(ctx, userID, id)
	if err != nil {
		return platform.AccountInfo{}, fmt.Errorf("op=platform.test: %w", err)
	}
	cfg, err := platform.ConfigFromConnection(conn, s.Box)
	if err != nil {
		return platform.AccountInfo{}, fmt.Errorf("op=platform.test: %w", err)
	}
	client, err := s.Registry.ClientFor(ctx, cfg)
	if err != nil {
		return platform.AccountInfo{}, fmt.Errorf("op=platform.test: %w", err)
	}
	account, err := client.Authenticate(ctx)
	if err != nil {
		return platform.AccountInfo{}, fmt.Errorf("op=platform.test: %w", err)
	}
	_ = s.Conns.TouchLastUsed(ctx, conn.ID)
	observability.LoggerFromContext(ctx).Info("connection test succeeded",
		slog.String("connection_id", conn.ID), slog.String("account", account.Username))
	return account, nil
}

func validateConnectionInput(in ConnectionInput) error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name required", domain.ErrInvalidArgument)
	}
	if !domain.ValidPlatformType(in.PlatformType) {
		return fmt.Errorf("%w: platform_type %q", domain.ErrInvalidArgument, in.PlatformType)
	}
	u := strings.TrimSpace(in.InstanceURL)
	if !strings.HasPrefix(u, "https://") && !strings.HasPrefix(u, "http://") {
		return fmt.Errorf("%w: instance_url must be absolute", domain.ErrInvalidArgument)
	}
	if strings.TrimSpace(in.AccessToken) == "" {
		return fmt.Errorf("%w: access_token required", domain.ErrInvalidArgument)
	}
	return nil
}
