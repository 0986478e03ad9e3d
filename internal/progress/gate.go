package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jimmypocock/reporeconnoiter.com/internal/identity"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

var (
	// ErrAuthorizationDenied carries no detail, so a rejection never reveals
	// whether another caller's session exists.
	ErrAuthorizationDenied = errors.New("subscription rejected")
	ErrInvalidInput        = errors.New("invalid input")
)

// SessionStore looks up the work unit and result behind a session.
type SessionStore interface {
	GetWorkUnitBySession(ctx context.Context, sessionID string) (storage.WorkUnit, error)
	GetResultBySession(ctx context.Context, sessionID string) (storage.Result, error)
}

// Gate admits a subscription only when the caller owns the session.
// Ownership is checked once, at subscribe time.
type Gate struct {
	hub    *Hub
	store  SessionStore
	logger *slog.Logger
}

func NewGate(hub *Hub, store SessionStore, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{hub: hub, store: store, logger: logger}
}

// Authorize decides admission without subscribing.
func (g *Gate) Authorize(ctx context.Context, caller *identity.Caller, kind storage.Kind, sessionID string) error {
	if !caller.Authenticated() {
		return ErrAuthorizationDenied
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidInput)
	}

	w, err := g.store.GetWorkUnitBySession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		g.logger.Info("subscription rejected", "user_id", caller.UserID, "session_id", sessionID, "reason", "unknown_session")
		return ErrAuthorizationDenied
	}
	if err != nil {
		return fmt.Errorf("looking up session: %w", err)
	}
	if w.UserID != caller.UserID || w.Kind != kind {
		g.logger.Info("subscription rejected", "user_id", caller.UserID, "session_id", sessionID, "reason", "not_owner")
		return ErrAuthorizationDenied
	}
	return nil
}

// Subscribe authorizes the caller and, if admitted, binds it to the
// session's stream. Events published before the subscription are not
// delivered, so when the work has already finished its outcome is queued
// as the first event.
func (g *Gate) Subscribe(ctx context.Context, caller *identity.Caller, kind storage.Kind, sessionID string) (*Subscription, error) {
	if err := g.Authorize(ctx, caller, kind, sessionID); err != nil {
		return nil, err
	}
	sessionID = strings.TrimSpace(sessionID)
	sub := g.hub.subscribe(StreamName(kind, sessionID))

	// Read the state after subscribing: anything finishing later is
	// published to sub.
	ev, done, err := g.outcome(ctx, sessionID)
	if err != nil {
		g.hub.Unsubscribe(sub)
		return nil, err
	}
	if done {
		select {
		case sub.ch <- ev:
		default:
		}
	}
	g.logger.Debug("subscription admitted", "user_id", caller.UserID, "stream", sub.stream, "finished", done)
	return sub, nil
}

// outcome returns the terminal event of a session whose work unit is no
// longer processing.
func (g *Gate) outcome(ctx context.Context, sessionID string) (Event, bool, error) {
	w, err := g.store.GetWorkUnitBySession(ctx, sessionID)
	if err != nil {
		return Event{}, false, fmt.Errorf("looking up session: %w", err)
	}
	switch w.Status {
	case storage.StatusCompleted:
		r, err := g.store.GetResultBySession(ctx, sessionID)
		if errors.Is(err, storage.ErrNotFound) {
			return Event{}, false, nil
		}
		if err != nil {
			return Event{}, false, fmt.Errorf("looking up result: %w", err)
		}
		return Event{Type: TypeComplete, Step: "complete", Message: "Analysis complete", Percentage: 100, ResultID: r.ID}, true, nil
	case storage.StatusFailed:
		return Event{Type: TypeError, Step: "failed", Message: "Analysis failed. Please try again later."}, true, nil
	}
	return Event{}, false, nil
}

// Unsubscribe releases the subscription.
func (g *Gate) Unsubscribe(sub *Subscription) {
	g.hub.Unsubscribe(sub)
}
