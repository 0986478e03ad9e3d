// Package identity resolves API keys to callers. It decides who is calling,
// never what they may do.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

// ErrUnauthenticated is returned for a missing, unknown or revoked key.
var ErrUnauthenticated = errors.New("unauthenticated")

const (
	keyPrefix = "rr_"
	// PrefixLen is how many leading characters of a key are stored in clear
	// to narrow the digest comparison.
	PrefixLen = 8
)

// Caller is an authenticated principal.
type Caller struct {
	UserID string
	Name   string
	Admin  bool
	KeyID  string
}

// Authenticated reports whether c identifies a user.
func (c *Caller) Authenticated() bool {
	return c != nil && c.UserID != ""
}

type ctxKey struct{}

func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the caller stored by WithCaller, or nil.
func FromContext(ctx context.Context) *Caller {
	c, _ := ctx.Value(ctxKey{}).(*Caller)
	return c
}

// Store is the persistence the authenticator needs.
type Store interface {
	GetUser(ctx context.Context, id string) (storage.User, error)
	CreateAPIKey(ctx context.Context, k storage.APIKey) error
	ActiveAPIKeysByPrefix(ctx context.Context, prefix string) ([]storage.APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
}

type Authenticator struct {
	store  Store
	cost   int
	logger *slog.Logger
}

func NewAuthenticator(store Store, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{store: store, cost: bcrypt.DefaultCost, logger: logger}
}

// SetCost overrides the bcrypt cost. Tests use bcrypt.MinCost.
func (a *Authenticator) SetCost(cost int) { a.cost = cost }

// Authenticate resolves a raw key to its caller.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey string) (*Caller, error) {
	rawKey = strings.TrimSpace(rawKey)
	if len(rawKey) <= PrefixLen {
		return nil, ErrUnauthenticated
	}
	keys, err := a.store.ActiveAPIKeysByPrefix(ctx, rawKey[:PrefixLen])
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}
	for _, k := range keys {
		if bcrypt.CompareHashAndPassword([]byte(k.Digest), []byte(rawKey)) != nil {
			continue
		}
		u, err := a.store.GetUser(ctx, k.UserID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		if err != nil {
			return nil, fmt.Errorf("loading user %s: %w", k.UserID, err)
		}
		if err := a.store.TouchAPIKey(ctx, k.ID, time.Now()); err != nil {
			a.logger.Warn("failed to record api key use", "key_id", k.ID, "error", err)
		}
		return &Caller{UserID: u.ID, Name: u.Name, Admin: u.Admin, KeyID: k.ID}, nil
	}
	return nil, ErrUnauthenticated
}

// IssueKey creates a new key for userID and returns the raw key. The raw
// key is not stored and cannot be recovered.
func (a *Authenticator) IssueKey(ctx context.Context, userID, name string) (string, storage.APIKey, error) {
	raw, err := GenerateKey()
	if err != nil {
		return "", storage.APIKey{}, err
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(raw), a.cost)
	if err != nil {
		return "", storage.APIKey{}, fmt.Errorf("hashing api key: %w", err)
	}
	k := storage.APIKey{
		ID:     uuid.NewString(),
		UserID: userID,
		Name:   name,
		Prefix: raw[:PrefixLen],
		Digest: string(digest),
	}
	if err := a.store.CreateAPIKey(ctx, k); err != nil {
		return "", storage.APIKey{}, err
	}
	return raw, k, nil
}

// GenerateKey returns a random key of the form rr_<64 hex chars>.
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return keyPrefix + hex.EncodeToString(b), nil
}
