// Package platformctx carries the active platform connection through
// context.Context. Every platform-scoped read and write resolves its
// connection from here, so data from one fediverse account can never leak
// into an operation running for another.
package platformctx

import (
	"context"
	"fmt"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

// Context identifies the platform connection an operation runs under.
type Context struct {
	UserID       string
	ConnectionID string
	PlatformType domain.PlatformType
	InstanceURL  string
	SessionID    string
}

type ctxKey struct{}

// Bind attaches a platform context to ctx. A previous binding is replaced.
func Bind(ctx context.Context, pc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, pc)
}

// From returns the bound platform context, if any.
func From(ctx context.Context) (Context, bool) {
	if ctx == nil {
		return Context{}, false
	}
	v := ctx.Value(ctxKey{})
	if v == nil {
		return Context{}, false
	}
	pc, ok := v.(Context)
	return pc, ok
}

// Require returns the bound platform context or ErrMissingPlatformContext.
// Repos call this before building any platform-scoped query.
func Require(ctx context.Context) (Context, error) {
	pc, ok := From(ctx)
	if !ok || pc.ConnectionID == "" {
		return Context{}, fmt.Errorf("op=platformctx.Require: %w", domain.ErrMissingPlatformContext)
	}
	return pc, nil
}

// With binds pc for the duration of fn and restores nothing afterwards;
// context values are immutable, callers simply drop the derived ctx.
func With(ctx context.Context, pc Context, fn func(ctx context.Context) error) error {
	return fn(Bind(ctx, pc))
}

// FromConnection builds a platform context from a stored connection.
func FromConnection(conn domain.PlatformConnection, sessionID string) Context {
	return Context{
		UserID:       conn.UserID,
		ConnectionID: conn.ID,
		PlatformType: conn.PlatformType,
		InstanceURL:  conn.InstanceURL,
		SessionID:    sessionID,
	}
}

// ConnectionStore is the subset of the connection repository Switch needs.
type ConnectionStore interface {
	Get(ctx context.Context, userID, id string) (domain.PlatformConnection, error)
}

// Switch validates that the user owns an active connection and rebinds the
// context to it. The previous binding is discarded.
func Switch(ctx context.Context, store ConnectionStore, userID, newConnID, sessionID string) (context.Context, error) {
	conn, err := store.Get(ctx, userID, newConnID)
	if err != nil {
		return ctx, fmt.Errorf("op=platformctx.Switch: %w", err)
	}
	if !conn.IsActive {
		return ctx, fmt.Errorf("op=platformctx.Switch: connection %s inactive: %w", newConnID, domain.ErrForbidden)
	}
	return Bind(ctx, FromConnection(conn, sessionID)), nil
}

// Stamp copies the platform identity onto an image row before insert so
// rows stay queryable by platform even if the connection is later deleted.
func Stamp(pc Context, img *domain.Image) {
	img.PlatformConnectionID = pc.ConnectionID
	img.PlatformType = pc.PlatformType
	img.InstanceURL = pc.InstanceURL
}

// StampPost copies the platform identity onto a post row before insert.
func StampPost(pc Context, post *domain.Post) {
	post.PlatformConnectionID = pc.ConnectionID
	post.PlatformType = pc.PlatformType
	post.InstanceURL = pc.InstanceURL
}
