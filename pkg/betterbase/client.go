// Package betterbase is the local-first client: an encrypted replica of the
// identity's spaces that works offline and syncs through a relay.
//
// Local operations (Put, Get, Query, Patch, Delete, MoveToSpace, BulkMove)
// never touch the network. Sync and the membership operations talk to the
// relay and are cancellable through their context.
package betterbase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/membership"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/replica"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/syncer"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/transport"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/vault"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("client is closed")

// Re-exported error taxonomy, matched with errors.Is.
var (
	ErrNotFound       = types.ErrNotFound
	ErrForbidden      = types.ErrForbidden
	ErrKeyUnavailable = types.ErrKeyUnavailable
	ErrUnauthorized   = types.ErrUnauthorized
	ErrTimeout        = types.ErrTimeout
)

// Credentials link another device to an existing identity.
type Credentials struct {
	IdentityKey  []byte
	SessionToken string
}

// Config configures a Client.
type Config struct {
	// Path is the replica database file.
	Path string
	// Relay is the relay connection. It is bound to the identity on connect.
	Relay transport.Relay
	// Handle registers a new identity when the replica holds none and no
	// Credentials are given.
	Handle string
	// Credentials adopt an existing identity on a new device.
	Credentials *Credentials
	// Sync tunes the sync engine. Zero values use the defaults.
	Sync syncer.Config
	// EventQueueSize bounds the notification queue. Default 64.
	EventQueueSize int
	Logger         *slog.Logger
}

// Client is one device's replica of an identity's spaces.
type Client struct {
	cfg      Config
	rep      *replica.Store
	vault    *vault.Vault
	relay    transport.Relay
	syncer   *syncer.Syncer
	members  *membership.Manager
	logger   *slog.Logger
	did      string
	deviceID string

	mu     sync.RWMutex
	closed bool
	stop   context.CancelFunc
	wg     sync.WaitGroup

	// connMu guards connected and serializes relay authentication.
	connMu    sync.Mutex
	connected bool
}

// Open opens or creates the replica at cfg.Path and connects it to the
// relay. A new replica either registers cfg.Handle or adopts
// cfg.Credentials. An existing replica whose relay is unreachable still
// opens; local operations work and the next Sync reconnects.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Path == "" {
		return nil, errors.New("Path is required")
	}
	if cfg.Relay == nil {
		return nil, errors.New("Relay is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = 64
	}

	rep, err := replica.Open(ctx, cfg.Path, replica.WithLogger(cfg.Logger))
	if err != nil {
		return nil, err
	}
	c, err := newClient(ctx, rep, cfg)
	if err != nil {
		rep.Close()
		return nil, err
	}
	return c, nil
}

func newClient(ctx context.Context, rep *replica.Store, cfg Config) (*Client, error) {
	id, err := loadIdentity(ctx, rep, cfg.Handle, cfg.Credentials)
	if err != nil {
		return nil, err
	}
	deviceID, err := rep.DeviceID(ctx, func() string { return ulid.Make().String() })
	if err != nil {
		return nil, err
	}
	rep.SetAuthor(id.DID)

	v := vault.New(id, rep, cfg.Logger)
	scfg := cfg.Sync
	scfg.DeviceID = deviceID
	c := &Client{
		cfg:      cfg,
		rep:      rep,
		vault:    v,
		relay:    cfg.Relay,
		members:  membership.New(rep, v, cfg.Relay, cfg.Logger),
		logger:   cfg.Logger,
		did:      id.DID,
		deviceID: deviceID,
	}
	c.syncer = syncer.New(rep, v, cfg.Relay, scfg,
		syncer.WithLogger(cfg.Logger),
		syncer.WithRotator(c.members.RotateSpaceKey),
	)

	if cfg.Credentials != nil {
		if err := rep.SetSessionToken(ctx, cfg.Credentials.SessionToken); err != nil {
			return nil, err
		}
	}
	session, err := rep.SessionToken(ctx)
	if err != nil {
		return nil, err
	}
	if session == "" {
		if cfg.Handle == "" {
			return nil, errNoSession
		}
		if err := c.register(ctx, id); err != nil {
			return nil, err
		}
	}

	if err := c.connect(ctx); err != nil {
		if !errors.Is(err, types.ErrTimeout) {
			return nil, err
		}
		c.logger.Warn("relay unreachable, starting offline",
			"component", "client",
			"action", "open",
			"device_id", deviceID,
			"error", err,
		)
	}
	return c, nil
}

var errNoSession = errors.New("replica has no session: Handle or Credentials required")

// loadIdentity returns the replica's identity, adopting creds or creating a
// new one on first use.
func loadIdentity(ctx context.Context, rep *replica.Store, handle string, creds *Credentials) (*vault.Identity, error) {
	stored, err := rep.IdentityKey(ctx)
	if err != nil {
		return nil, err
	}
	var id *vault.Identity
	switch {
	case stored != nil:
		return vault.ParseIdentity(stored)
	case creds != nil:
		id, err = vault.ParseIdentity(creds.IdentityKey)
	case handle == "":
		return nil, errNoSession
	default:
		id, err = vault.NewIdentity()
	}
	if err != nil {
		return nil, err
	}
	return id, rep.SetIdentityKey(ctx, id.PrivateKey())
}

func (c *Client) register(ctx context.Context, id *vault.Identity) error {
	resp, err := c.relay.Register(ctx, c.cfg.Handle, id.PublicKey())
	if err != nil {
		return fmt.Errorf("register %s: %w", c.cfg.Handle, err)
	}
	if resp.DID != id.DID {
		return fmt.Errorf("relay registered %s, expected %s", resp.DID, id.DID)
	}
	return c.rep.SetSessionToken(ctx, resp.SessionToken)
}

// connect binds the relay connection to the identity and makes the personal
// space available. It runs once per Client unless it fails.
func (c *Client) connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.connected {
		return nil
	}
	session, err := c.rep.SessionToken(ctx)
	if err != nil {
		return err
	}
	did, err := c.relay.Authenticate(ctx, session)
	if err != nil {
		return err
	}
	if did != c.did {
		return fmt.Errorf("session belongs to %s: %w", did, types.ErrUnauthorized)
	}
	if _, err := c.members.EnsurePersonalSpace(ctx); err != nil {
		return err
	}
	c.connected = true
	c.logger.Info("client connected",
		"component", "client",
		"action", "connect",
		"device_id", c.deviceID,
	)
	return nil
}

// online checks the client is open and connected.
func (c *Client) online(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.connect(ctx)
}

func (c *Client) check() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// DID returns the identity's decentralized identifier.
func (c *Client) DID() string { return c.did }

// DeviceID returns this replica's persistent device id.
func (c *Client) DeviceID() string { return c.deviceID }

// PersonalSpaceID returns the id of the identity's personal space.
func (c *Client) PersonalSpaceID() string { return types.PersonalSpaceID(c.did) }

// Credentials returns what another device needs to join this identity.
// Treat the result as secret.
func (c *Client) Credentials(ctx context.Context) (Credentials, error) {
	session, err := c.rep.SessionToken(ctx)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{IdentityKey: c.vault.Identity().PrivateKey(), SessionToken: session}, nil
}

// Close stops the notification listener and closes the replica. In-flight
// calls are not waited for beyond the listener.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stop := c.stop
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	c.wg.Wait()
	return c.rep.Close()
}

// Sync pushes then pulls every joined space. The error is the personal
// space's failure; shared-space failures are reported per space.
func (c *Client) Sync(ctx context.Context) (*syncer.Report, error) {
	if err := c.online(ctx); err != nil {
		return nil, err
	}
	return c.syncer.Sync(ctx)
}

// SyncSpace pushes then pulls one space.
func (c *Client) SyncSpace(ctx context.Context, spaceID string) (syncer.SpaceReport, error) {
	if err := c.online(ctx); err != nil {
		return syncer.SpaceReport{}, err
	}
	return c.syncer.SyncSpace(ctx, spaceID)
}

// SyncState returns the sync state of a space.
func (c *Client) SyncState(spaceID string) syncer.State {
	return c.syncer.State(spaceID)
}

// PendingChanges returns how many records of a space await push.
func (c *Client) PendingChanges(ctx context.Context, spaceID string) (int, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	return c.rep.DirtyCount(ctx, spaceID)
}
