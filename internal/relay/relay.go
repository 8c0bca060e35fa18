// Package relay is the central ordering authority. It authorizes every call
// against memberships and capabilities, assigns change-log sequences, keeps
// the key-wrap directory and publishes notifications. It never sees
// plaintext.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/auth"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/notify"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/store"
	bbsync "github.com/BetterbaseHQ/betterbase-dev-sub000/internal/sync"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/validation"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/vault"
)

// Config bounds relay requests.
type Config struct {
	IdempotencyTTL   time.Duration
	DefaultPullLimit int
	MaxPullLimit     int
	MaxPushRecords   int
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	return Config{
		IdempotencyTTL:   24 * time.Hour,
		DefaultPullLimit: bbsync.DefaultPullLimit,
		MaxPullLimit:     bbsync.MaxPullLimit,
		MaxPushRecords:   1000,
	}
}

// Service implements the relay operations. Every method that acts on behalf
// of an identity takes the caller's DID, already authenticated by the
// transport.
type Service struct {
	store   store.Store
	issuer  *auth.Issuer
	hub     *notify.Hub
	cfg     Config
	metrics *Metrics
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the service collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates a Service.
func New(st store.Store, issuer *auth.Issuer, hub *notify.Hub, cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = def.IdempotencyTTL
	}
	if cfg.MaxPullLimit <= 0 {
		cfg.MaxPullLimit = def.MaxPullLimit
	}
	if cfg.DefaultPullLimit <= 0 || cfg.DefaultPullLimit > cfg.MaxPullLimit {
		cfg.DefaultPullLimit = min(def.DefaultPullLimit, cfg.MaxPullLimit)
	}
	if cfg.MaxPushRecords <= 0 {
		cfg.MaxPushRecords = def.MaxPushRecords
	}
	s := &Service{
		store:  st,
		issuer: issuer,
		hub:    hub,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s
}

// Hub returns the notification hub.
func (s *Service) Hub() *notify.Hub { return s.hub }

// Stats returns store statistics.
func (s *Service) Stats(ctx context.Context) (*store.Stats, error) {
	return s.store.GetStats(ctx)
}

// Register publishes an identity and returns a session token for it. The
// DID is derived from the public key.
func (s *Service) Register(ctx context.Context, req bbsync.RegisterRequest) (bbsync.RegisterResponse, error) {
	if err := validation.Register(req); err != nil {
		return bbsync.RegisterResponse{}, err
	}
	did := vault.DIDFromPublicKey(req.PublicKey)
	if err := s.store.CreateIdentity(ctx, types.Identity{DID: did, Handle: req.Handle, PublicKey: req.PublicKey}); err != nil {
		return bbsync.RegisterResponse{}, err
	}
	token, err := s.issuer.Session(did)
	if err != nil {
		return bbsync.RegisterResponse{}, err
	}

	s.logger.Info("identity registered",
		"component", "relay",
		"action", "register",
		"did", did,
		"handle", req.Handle,
	)
	return bbsync.RegisterResponse{DID: did, SessionToken: token}, nil
}

// Authenticate resolves a session token to a registered DID.
func (s *Service) Authenticate(ctx context.Context, token string) (string, error) {
	did, err := s.issuer.VerifySession(token)
	if err != nil {
		return "", err
	}
	if _, err := s.store.IdentityByDID(ctx, did); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return "", fmt.Errorf("unknown identity %s: %w", did, types.ErrUnauthorized)
		}
		return "", err
	}
	return did, nil
}

// Resolve looks up a handle in the identity directory.
func (s *Service) Resolve(ctx context.Context, handle string) (types.Identity, error) {
	return s.store.IdentityByHandle(ctx, handle)
}

// Subscribe opens a notification subscription for did.
func (s *Service) Subscribe(did string) *notify.Subscription {
	return s.hub.Subscribe(did)
}

// CreateSpace creates a space at epoch 1 with the caller as its joined
// admin. A personal space must use the caller's personal space id. Wraps may
// only address the caller.
func (s *Service) CreateSpace(ctx context.Context, did string, req bbsync.CreateSpaceRequest) (types.Space, error) {
	if err := validation.CreateSpace(req); err != nil {
		return types.Space{}, err
	}
	if req.Kind == types.SpacePersonal && req.SpaceID != types.PersonalSpaceID(did) {
		return types.Space{}, fmt.Errorf("personal space id must be %s: %w", types.PersonalSpaceID(did), types.ErrInvalid)
	}
	for _, w := range req.Wraps {
		if w.MemberDID != did || w.Epoch != 1 {
			return types.Space{}, fmt.Errorf("initial wraps must address the creator at epoch 1: %w", types.ErrInvalid)
		}
	}

	sp := types.Space{ID: req.SpaceID, Kind: req.Kind, CreatedBy: did, CurrentEpoch: 1}
	admin := types.Member{
		MembershipID: uuid.NewString(),
		SpaceID:      req.SpaceID,
		DID:          did,
		Role:         types.RoleAdmin,
		Status:       types.StatusJoined,
		InvitedBy:    did,
	}
	if err := s.store.CreateSpace(ctx, sp, admin, req.Wraps); err != nil {
		return types.Space{}, err
	}

	s.logger.Info("space created",
		"component", "relay",
		"action", "create_space",
		"space_id", sp.ID,
		"kind", sp.Kind,
		"did", did,
	)
	sp.Role = types.RoleAdmin
	sp.Status = types.StatusJoined
	sp.UpdatedAt = time.Now().UTC()
	return sp, nil
}

// Spaces lists the spaces did holds a membership in.
func (s *Service) Spaces(ctx context.Context, did string) ([]types.Space, error) {
	return s.store.SpacesFor(ctx, did)
}

// Capability issues a sync capability. Only joined members receive one.
func (s *Service) Capability(ctx context.Context, did, spaceID string) (bbsync.CapabilityResponse, error) {
	if _, err := s.requireJoined(ctx, spaceID, did); err != nil {
		if errors.Is(err, types.ErrForbidden) {
			return bbsync.CapabilityResponse{}, fmt.Errorf("capability for %s: %w", spaceID, types.ErrUnauthorized)
		}
		return bbsync.CapabilityResponse{}, err
	}
	c, err := s.issuer.Capability(did, spaceID)
	if err != nil {
		return bbsync.CapabilityResponse{}, err
	}
	if err := s.store.RecordCapability(ctx, c.JTI, spaceID, did, c.IssuedAt); err != nil {
		return bbsync.CapabilityResponse{}, err
	}
	return bbsync.CapabilityResponse{Token: c.Token, ExpiresAt: c.ExpiresAt}, nil
}

// authorize checks a capability token for spaceID: valid signature, not
// expired, not revoked, and held by a joined member.
func (s *Service) authorize(ctx context.Context, token, spaceID string) (auth.Capability, error) {
	c, err := s.issuer.VerifyCapability(token)
	if err != nil {
		return auth.Capability{}, err
	}
	if c.SpaceID != spaceID {
		return auth.Capability{}, fmt.Errorf("capability is for another space: %w", types.ErrUnauthorized)
	}
	active, err := s.store.CapabilityActive(ctx, c.JTI)
	if err != nil {
		return auth.Capability{}, err
	}
	if !active {
		return auth.Capability{}, fmt.Errorf("capability revoked: %w", types.ErrUnauthorized)
	}
	m, err := s.store.ActiveMembership(ctx, spaceID, c.DID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return auth.Capability{}, fmt.Errorf("no membership: %w", types.ErrUnauthorized)
		}
		return auth.Capability{}, err
	}
	if m.Status != types.StatusJoined {
		return auth.Capability{}, fmt.Errorf("membership %s: %w", m.Status, types.ErrUnauthorized)
	}
	return c, nil
}

// requireJoined returns did's joined membership or ErrForbidden. An unknown
// space is ErrNotFound.
func (s *Service) requireJoined(ctx context.Context, spaceID, did string) (types.Member, error) {
	if _, err := s.store.GetSpace(ctx, spaceID); err != nil {
		return types.Member{}, err
	}
	m, err := s.store.ActiveMembership(ctx, spaceID, did)
	if errors.Is(err, types.ErrNotFound) {
		return types.Member{}, fmt.Errorf("%s is not a member of %s: %w", did, spaceID, types.ErrForbidden)
	}
	if err != nil {
		return types.Member{}, err
	}
	if m.Status != types.StatusJoined {
		return types.Member{}, fmt.Errorf("%s membership in %s is %s: %w", did, spaceID, m.Status, types.ErrForbidden)
	}
	return m, nil
}

// requireAdmin returns the space and did's admin membership or ErrForbidden.
func (s *Service) requireAdmin(ctx context.Context, spaceID, did string) (types.Space, error) {
	sp, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return types.Space{}, err
	}
	m, err := s.requireJoined(ctx, spaceID, did)
	if err != nil {
		return types.Space{}, err
	}
	if m.Role != types.RoleAdmin {
		return types.Space{}, fmt.Errorf("%s is not admin of %s: %w", did, spaceID, types.ErrForbidden)
	}
	return sp, nil
}

// notifyMembers publishes ev to every joined member of a space plus extra.
func (s *Service) notifyMembers(ctx context.Context, ev types.Event, extra ...string) {
	members, err := s.store.Members(ctx, ev.SpaceID)
	if err != nil {
		s.logger.Warn("notify members failed",
			"component", "relay",
			"action", "notify",
			"space_id", ev.SpaceID,
			"error", err,
		)
		return
	}
	dids := append([]string(nil), extra...)
	for _, m := range members {
		if m.Status == types.StatusJoined {
			dids = append(dids, m.DID)
		}
	}
	s.hub.Publish(ev, dids...)
}
