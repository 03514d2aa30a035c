// Package resolve derives the interaction context for an incoming chat turn.
//
// The context is computed server-side from the route family, the
// authenticated principal, share-token validity, and active training-session
// state. Client input never participates in the derivation; the declared
// "mode" field is compared against the result and logged on drift only.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/kagami/internal/auth"
	"github.com/ashita-ai/kagami/internal/model"
	"github.com/ashita-ai/kagami/internal/storage"
)

// ErrContextResolution is returned when no context can be derived for a
// route/principal combination. No conversation is touched in that case.
var ErrContextResolution = errors.New("resolve: context resolution failed")

// Request carries everything the resolver may consult.
type Request struct {
	Origin     model.OriginEndpoint
	TwinID     uuid.UUID
	Claims     *auth.Claims // nil for anonymous callers
	ShareToken string       // raw token on the share route, empty elsewhere

	// DeclaredMode is the client's claimed context. Ignored for policy,
	// logged when it disagrees with the derived context.
	DeclaredMode *string
}

// Resolution is the derived trust domain plus the identifiers the rest of
// the pipeline needs.
type Resolution struct {
	Context         model.InteractionContext
	Origin          model.OriginEndpoint
	TenantID        uuid.UUID
	TwinID          uuid.UUID
	OwnerID         *uuid.UUID
	ShareLinkID     *uuid.UUID
	TrainingSession *model.TrainingSession // set only for owner_training
}

// Resolver derives interaction contexts. Read-only: it never creates or
// mutates conversations or sessions.
type Resolver struct {
	db     *storage.DB
	logger *slog.Logger
}

// New creates a Resolver.
func New(db *storage.DB, logger *slog.Logger) *Resolver {
	return &Resolver{db: db, logger: logger}
}

// Resolve derives the interaction context for req.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Resolution, error) {
	var (
		res Resolution
		err error
	)
	switch req.Origin {
	case model.OriginOwnerChat:
		res, err = r.resolveOwnerChat(ctx, req)
	case model.OriginWidget:
		res, err = r.resolveWidget(ctx, req)
	case model.OriginShare:
		res, err = r.resolveShare(ctx, req)
	default:
		return Resolution{}, fmt.Errorf("%w: unknown origin %q", ErrContextResolution, req.Origin)
	}
	if err != nil {
		return Resolution{}, err
	}

	r.logModeDrift(req, res)
	return res, nil
}

// resolveOwnerChat handles the authenticated twin endpoint. An owner of the
// twin's tenant resolves to owner_training when a training session is open,
// owner_chat otherwise. Any other principal is treated as a widget visitor,
// not rejected: the endpoint doubles as the embeddable widget origin.
func (r *Resolver) resolveOwnerChat(ctx context.Context, req Request) (Resolution, error) {
	if req.Claims == nil {
		return r.resolveWidget(ctx, req)
	}

	twin, err := r.db.GetTwin(ctx, req.Claims.TenantID, req.TwinID)
	if errors.Is(err, storage.ErrNotFound) {
		// Authenticated, but not against this twin's tenant.
		return r.resolveWidget(ctx, req)
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve: load twin: %w", err)
	}

	ownerID := req.Claims.OwnerID
	res := Resolution{
		Context:  model.ContextOwnerChat,
		Origin:   model.OriginOwnerChat,
		TenantID: twin.TenantID,
		TwinID:   twin.ID,
		OwnerID:  &ownerID,
	}

	session, err := r.db.GetActiveTrainingSession(ctx, twin.TenantID, twin.ID, ownerID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// No open window; plain owner chat.
	case err != nil:
		return Resolution{}, fmt.Errorf("resolve: check training session: %w", err)
	default:
		res.Context = model.ContextOwnerTraining
		res.TrainingSession = &session
	}
	return res, nil
}

func (r *Resolver) resolveWidget(ctx context.Context, req Request) (Resolution, error) {
	twin, err := r.db.GetTwinGlobal(ctx, req.TwinID)
	if errors.Is(err, storage.ErrNotFound) {
		return Resolution{}, fmt.Errorf("%w: unknown twin", ErrContextResolution)
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve: load twin: %w", err)
	}
	// Origin is preserved from the arrival route: a visitor principal on the
	// owner endpoint still records origin owner_chat with a widget context.
	return Resolution{
		Context:  model.ContextPublicWidget,
		Origin:   req.Origin,
		TenantID: twin.TenantID,
		TwinID:   twin.ID,
	}, nil
}

func (r *Resolver) resolveShare(ctx context.Context, req Request) (Resolution, error) {
	if req.ShareToken == "" {
		return Resolution{}, fmt.Errorf("%w: share token required", ErrContextResolution)
	}

	link, err := r.db.GetShareLinkByTokenHash(ctx, auth.HashShareToken(req.ShareToken))
	if errors.Is(err, storage.ErrNotFound) {
		return Resolution{}, fmt.Errorf("%w: invalid share token", ErrContextResolution)
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve: load share link: %w", err)
	}
	if link.Revoked() {
		return Resolution{}, fmt.Errorf("%w: share link revoked", ErrContextResolution)
	}
	if req.TwinID != uuid.Nil && req.TwinID != link.TwinID {
		return Resolution{}, fmt.Errorf("%w: share token does not match twin", ErrContextResolution)
	}

	linkID := link.ID
	return Resolution{
		Context:     model.ContextPublicShare,
		Origin:      model.OriginShare,
		TenantID:    link.TenantID,
		TwinID:      link.TwinID,
		ShareLinkID: &linkID,
	}, nil
}

// logModeDrift records disagreement between the client's declared mode and
// the derived context. Diagnostics only; the declared value is never acted on.
func (r *Resolver) logModeDrift(req Request, res Resolution) {
	if req.DeclaredMode == nil || *req.DeclaredMode == string(res.Context) {
		return
	}
	r.logger.Info("resolve: client mode drift",
		"declared", *req.DeclaredMode,
		"resolved", string(res.Context),
		"twin_id", res.TwinID,
		"origin", string(res.Origin),
	)
}
