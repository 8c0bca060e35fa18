// Package syncer runs the per-space push/pull protocol between a local
// replica and the relay. Each space moves idle → pushing → pulling → idle,
// or to error from either active state. Concurrent Sync calls on one device
// are coalesced; spaces sync concurrently and fail independently.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/replica"
	bbsync "github.com/BetterbaseHQ/betterbase-dev-sub000/internal/sync"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/transport"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/vault"
)

// State is a space's position in the sync state machine.
type State string

const (
	StateIdle    State = "idle"
	StatePushing State = "pushing"
	StatePulling State = "pulling"
	StateError   State = "error"
)

// Replica is the local state the syncer reads and writes.
type Replica interface {
	Spaces(ctx context.Context, status types.MemberStatus) ([]types.Space, error)
	Space(ctx context.Context, id string) (types.Space, error)
	SetSpaceEpoch(ctx context.Context, id string, epoch uint32) error
	Capability(ctx context.Context, spaceID string) (string, error)
	SetCapability(ctx context.Context, spaceID, token string) error
	DirtyRecords(ctx context.Context, spaceID string) ([]replica.Pending, error)
	MarkPushed(ctx context.Context, acked []replica.Acked) error
	ApplyRemote(ctx context.Context, remote *types.Record) (bool, error)
	Cursor(ctx context.Context, spaceID, deviceID string) (types.Cursor, error)
	AdvanceCursor(ctx context.Context, c types.Cursor) error
	MarkSkipped(ctx context.Context, sk replica.Skipped) error
	SkippedRecords(ctx context.Context, spaceID string) ([]replica.Skipped, error)
	ClearSkipped(ctx context.Context, spaceID string, sequence int64) error
}

var _ Replica = (*replica.Store)(nil)

// Config tunes a Syncer.
type Config struct {
	DeviceID     string
	Timeout      time.Duration
	PullLimit    int
	MaxPushBatch int
	Concurrency  int
}

// DefaultConfig returns the syncer defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		PullLimit:    500,
		MaxPushBatch: 500,
		Concurrency:  4,
	}
}

// SpaceReport summarizes one space's sync. Recovered counts previously
// skipped records applied after their epoch key arrived.
type SpaceReport struct {
	SpaceID   string
	Pushed    int
	Pulled    int
	Applied   int
	Skipped   int
	Recovered int
	Cursor    int64
	Err       error
	Duration  time.Duration
}

// Report summarizes a Sync call.
type Report struct {
	Spaces   []SpaceReport
	Duration time.Duration
}

// Space returns the report for one space.
func (r *Report) Space(id string) (SpaceReport, bool) {
	for _, s := range r.Spaces {
		if s.SpaceID == id {
			return s, true
		}
	}
	return SpaceReport{}, false
}

// Errors returns every per-space failure.
func (r *Report) Errors() []error {
	var errs []error
	for _, s := range r.Spaces {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	return errs
}

// Syncer drives sync for one device and identity.
type Syncer struct {
	replica Replica
	vault   *vault.Vault
	relay   transport.Relay
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	rotate Rotator

	group singleflight.Group

	mu     sync.Mutex
	states map[string]State
	locks  map[string]*sync.Mutex
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger sets the syncer's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) {
		if l != nil {
			s.logger = l
		}
	}
}

// Rotator publishes the next epoch of a space and returns it.
type Rotator func(ctx context.Context, spaceID string) (uint32, error)

// WithRotator lets an admin device complete a rotation the relay reports as
// owed, such as one interrupted after a member removal.
func WithRotator(r Rotator) Option {
	return func(s *Syncer) { s.rotate = r }
}

// WithClock overrides the wall clock used for edit chain timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// New creates a Syncer. Zero config fields take their defaults.
func New(r Replica, v *vault.Vault, rl transport.Relay, cfg Config, opts ...Option) *Syncer {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PullLimit <= 0 {
		cfg.PullLimit = def.PullLimit
	}
	if cfg.MaxPushBatch <= 0 {
		cfg.MaxPushBatch = def.MaxPushBatch
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	s := &Syncer{
		replica: r,
		vault:   v,
		relay:   rl,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		states:  make(map[string]State),
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns a space's current sync state. Unknown spaces are idle.
func (s *Syncer) State(spaceID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[spaceID]; ok {
		return st
	}
	return StateIdle
}

func (s *Syncer) setState(spaceID string, st State) {
	s.mu.Lock()
	s.states[spaceID] = st
	s.mu.Unlock()
}

func (s *Syncer) spaceLock(spaceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[spaceID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[spaceID] = l
	}
	return l
}

// Sync pushes then pulls every joined space. A call made while another is
// in flight waits for and shares that call's result. The returned error is
// the personal space's failure, if any; failures of shared spaces are only
// reported in the Report.
func (s *Syncer) Sync(ctx context.Context) (*Report, error) {
	v, err, _ := s.group.Do("sync", func() (any, error) {
		return s.syncAll(ctx)
	})
	if v == nil {
		return nil, err
	}
	return v.(*Report), err
}

func (s *Syncer) syncAll(ctx context.Context) (*Report, error) {
	start := s.now()
	spaces, err := s.replica.Spaces(ctx, types.StatusJoined)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}

	reports := make([]SpaceReport, len(spaces))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, sp := range spaces {
		g.Go(func() error {
			// Per-space failures are reported, never returned, so one space
			// cannot cancel the others.
			reports[i], _ = s.SyncSpace(gctx, sp.ID)
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{Spaces: reports, Duration: s.now().Sub(start)}
	var personalErr error
	failed := 0
	for i, sp := range spaces {
		if reports[i].Err == nil {
			continue
		}
		failed++
		if sp.Kind == types.SpacePersonal {
			personalErr = reports[i].Err
		}
	}
	s.logger.Info("sync completed",
		"component", "syncer",
		"action", "sync",
		"spaces", len(spaces),
		"failed", failed,
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report, personalErr
}

// SyncSpace pushes then pulls one space. Calls for the same space are
// serialized. The error, also stored in the report, is a *SpaceError.
func (s *Syncer) SyncSpace(ctx context.Context, spaceID string) (SpaceReport, error) {
	lock := s.spaceLock(spaceID)
	lock.Lock()
	defer lock.Unlock()

	start := s.now()
	rep := SpaceReport{SpaceID: spaceID}
	fail := func(phase State, err error) (SpaceReport, error) {
		s.setState(spaceID, StateError)
		serr := &SpaceError{SpaceID: spaceID, Phase: phase, Err: err}
		rep.Err = serr
		rep.Duration = s.now().Sub(start)
		s.logger.Warn("space sync failed",
			"component", "syncer",
			"action", "sync_space_failed",
			"space_id", spaceID,
			"phase", string(phase),
			"retryable", serr.Retryable(),
			"error", err,
		)
		return rep, serr
	}

	sp, err := s.replica.Space(ctx, spaceID)
	if err != nil {
		return fail(StateIdle, err)
	}

	s.setState(spaceID, StatePushing)
	admin := sp.Kind == types.SpaceShared && sp.Role == types.RoleAdmin
	if admin {
		rotated, err := s.settleRotation(ctx, spaceID)
		if err != nil {
			return fail(StatePushing, err)
		}
		if rotated {
			if sp, err = s.replica.Space(ctx, spaceID); err != nil {
				return fail(StatePushing, err)
			}
		}
	}
	pushed, err := s.push(ctx, sp)
	rep.Pushed = pushed
	if err != nil {
		return fail(StatePushing, err)
	}

	s.setState(spaceID, StatePulling)
	if err := s.pull(ctx, sp, &rep); err != nil {
		return fail(StatePulling, err)
	}

	if admin {
		s.reconcileWraps(ctx, spaceID)
	}

	s.setState(spaceID, StateIdle)
	rep.Duration = s.now().Sub(start)
	s.logger.Debug("space synced",
		"component", "syncer",
		"action", "sync_space",
		"space_id", spaceID,
		"pushed", rep.Pushed,
		"pulled", rep.Pulled,
		"applied", rep.Applied,
		"skipped", rep.Skipped,
		"cursor", rep.Cursor,
		"duration_ms", rep.Duration.Milliseconds(),
	)
	return rep, nil
}

// call runs fn with the per-call network timeout.
func (s *Syncer) call(ctx context.Context, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return netErr(ctx, fn(cctx))
}

// capability returns the cached capability for a space, fetching a new one
// when none is cached or fresh is set.
func (s *Syncer) capability(ctx context.Context, spaceID string, fresh bool) (string, error) {
	if !fresh {
		token, err := s.replica.Capability(ctx, spaceID)
		if err != nil {
			return "", err
		}
		if token != "" {
			return token, nil
		}
	}
	var token string
	err := s.call(ctx, func(ctx context.Context) error {
		resp, err := s.relay.Capability(ctx, spaceID)
		token = resp.Token
		return err
	})
	if err != nil {
		_ = s.replica.SetCapability(ctx, spaceID, "")
		return "", err
	}
	if err := s.replica.SetCapability(ctx, spaceID, token); err != nil {
		return "", err
	}
	return token, nil
}

// withCapability runs fn with the space capability, retrying once with a
// freshly issued one when the relay rejects the cached token.
func (s *Syncer) withCapability(ctx context.Context, spaceID string, fn func(token string) error) error {
	token, err := s.capability(ctx, spaceID, false)
	if err != nil {
		return err
	}
	err = fn(token)
	if !errors.Is(err, types.ErrUnauthorized) {
		return err
	}
	token, err = s.capability(ctx, spaceID, true)
	if err != nil {
		return err
	}
	return fn(token)
}

// refreshKeys imports every wrap the relay holds for the local identity in
// a space and records the relay's current epoch.
func (s *Syncer) refreshKeys(ctx context.Context, spaceID string) (int, error) {
	var n int
	err := s.call(ctx, func(ctx context.Context) error {
		resp, err := s.relay.KeyWraps(ctx, spaceID)
		if err != nil {
			return err
		}
		if n, err = s.vault.ImportWraps(ctx, resp.Wraps); err != nil {
			return err
		}
		return s.replica.SetSpaceEpoch(ctx, spaceID, resp.CurrentEpoch)
	})
	if err != nil {
		return n, fmt.Errorf("refresh keys: %w", err)
	}
	s.logger.Debug("keys refreshed",
		"component", "syncer",
		"action", "refresh_keys",
		"space_id", spaceID,
		"imported", n,
	)
	return n, nil
}

// settleRotation publishes the next epoch when the relay reports one owed,
// so nothing is pushed under a key a removed member still holds.
func (s *Syncer) settleRotation(ctx context.Context, spaceID string) (bool, error) {
	if s.rotate == nil {
		return false, nil
	}
	var owed bool
	err := s.call(ctx, func(ctx context.Context) error {
		resp, err := s.relay.KeyWraps(ctx, spaceID)
		owed = resp.RotationRequired
		return err
	})
	if err != nil || !owed {
		return false, err
	}
	epoch, err := s.rotate(ctx, spaceID)
	if err != nil {
		return false, fmt.Errorf("owed rotation: %w", err)
	}
	s.logger.Info("owed rotation completed",
		"component", "syncer",
		"action", "settle_rotation",
		"space_id", spaceID,
		"epoch", epoch,
	)
	return true, nil
}

// reconcileWraps seals held epoch keys to joined members who lack them, such
// as members still pending during a rotation. Failures are logged only.
func (s *Syncer) reconcileWraps(ctx context.Context, spaceID string) {
	var missing []types.WrappedKey
	err := s.call(ctx, func(ctx context.Context) error {
		gaps, err := s.relay.MissingWraps(ctx, spaceID)
		if err != nil {
			return err
		}
		for _, g := range gaps {
			w, err := s.vault.WrapFor(ctx, spaceID, g.Epoch, g.MemberDID)
			if errors.Is(err, types.ErrKeyUnavailable) {
				continue
			}
			if err != nil {
				return err
			}
			missing = append(missing, w)
		}
		return nil
	})
	if err == nil && len(missing) > 0 {
		err = s.publishWraps(ctx, spaceID, missing)
	}
	if err != nil {
		s.logger.Warn("wrap reconciliation failed",
			"component", "syncer",
			"action", "reconcile_wraps",
			"space_id", spaceID,
			"error", err,
		)
		return
	}
	if len(missing) > 0 {
		s.logger.Info("missing wraps published",
			"component", "syncer",
			"action", "reconcile_wraps",
			"space_id", spaceID,
			"wraps", len(missing),
		)
	}
}

func (s *Syncer) publishWraps(ctx context.Context, spaceID string, wraps []types.WrappedKey) error {
	return s.call(ctx, func(ctx context.Context) error {
		return s.relay.PublishWraps(ctx, bbsync.PublishWrapsRequest{SpaceID: spaceID, Wraps: wraps})
	})
}
