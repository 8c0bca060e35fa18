package betterbase

import (
	"context"
	"errors"
	"time"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

// Listen subscribes to relay notifications and reacts to them in the
// background until ctx ends or the client closes. Sync notifications pull
// the named space, invitations refresh the mailbox and revocations
// reconcile membership. Notifications are best effort; a full queue drops
// them and the next Sync catches up.
func (c *Client) Listen(ctx context.Context) error {
	if err := c.online(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.stop != nil {
		c.mu.Unlock()
		return errors.New("already listening")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.stop = cancel
	c.mu.Unlock()

	events, err := c.relay.Events(ctx)
	if err != nil {
		cancel()
		c.mu.Lock()
		c.stop = nil
		c.mu.Unlock()
		return err
	}

	queue := make(chan types.Event, c.cfg.EventQueueSize)
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		defer close(queue)
		c.receive(ctx, events, queue)
	}()
	go func() {
		defer c.wg.Done()
		for ev := range queue {
			c.handle(ctx, ev)
		}
	}()

	c.logger.Info("listening for notifications",
		"component", "client",
		"action", "listen",
		"device_id", c.deviceID,
	)
	return nil
}

// receive moves events into the bounded queue without blocking the stream.
func (c *Client) receive(ctx context.Context, events <-chan types.Event, queue chan<- types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			select {
			case queue <- ev:
			default:
				c.logger.Warn("notification dropped",
					"component", "client",
					"action", "listen",
					"event", string(ev.Type),
					"space_id", ev.SpaceID,
				)
			}
		}
	}
}

func (c *Client) handle(ctx context.Context, ev types.Event) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	var err error
	switch ev.Type {
	case types.EventSync:
		if _, lookupErr := c.rep.Space(ctx, ev.SpaceID); errors.Is(lookupErr, types.ErrNotFound) {
			_, err = c.members.CheckInvitations(ctx)
			break
		}
		_, err = c.syncer.SyncSpace(ctx, ev.SpaceID)
	case types.EventInvitation:
		_, err = c.members.CheckInvitations(ctx)
	case types.EventRevocation:
		if _, err = c.members.CheckInvitations(ctx); err == nil {
			_, err = c.syncer.Sync(ctx)
		}
	default:
		c.logger.Debug("unknown notification ignored",
			"component", "client",
			"event", string(ev.Type),
		)
		return
	}

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("notification handling failed",
			"component", "client",
			"action", "listen",
			"event", string(ev.Type),
			"space_id", ev.SpaceID,
			"error", err,
		)
		return
	}
	c.logger.Debug("notification handled",
		"component", "client",
		"action", "listen",
		"event", string(ev.Type),
		"space_id", ev.SpaceID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
