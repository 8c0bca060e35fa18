package betterbase

import (
	"context"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/replica"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

// Record is a decoded local record.
type Record = types.Record

// BulkMoveError lists the ids a BulkMove could not move.
type BulkMoveError = replica.BulkMoveError

// PutOption configures Put.
type PutOption func(*putOptions)

type putOptions struct {
	spaceID string
}

// InSpace writes the record into a shared space instead of the personal one.
func InSpace(spaceID string) PutOption {
	return func(o *putOptions) { o.spaceID = spaceID }
}

// Put creates a record and returns its id. The record is marked for push.
func (c *Client) Put(ctx context.Context, collection string, values map[string]any, opts ...PutOption) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}
	o := putOptions{spaceID: c.PersonalSpaceID()}
	for _, opt := range opts {
		opt(&o)
	}
	return c.rep.Put(ctx, collection, o.spaceID, values)
}

// Get returns a live record, or nil with no error when the record is missing
// or deleted.
func (c *Client) Get(ctx context.Context, collection, id string) (*Record, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.rep.Get(ctx, collection, id)
}

// QueryOption narrows Query.
type QueryOption func(*replica.Filter)

// Where matches records whose field equals value.
func Where(field string, value any) QueryOption {
	return func(f *replica.Filter) {
		if f.Equals == nil {
			f.Equals = map[string]any{}
		}
		f.Equals[field] = value
	}
}

// FromSpace restricts Query to one space.
func FromSpace(spaceID string) QueryOption {
	return func(f *replica.Filter) { f.SpaceID = spaceID }
}

// Limit caps the number of results.
func Limit(n int) QueryOption {
	return func(f *replica.Filter) { f.Limit = n }
}

// Query returns the live records of a collection across every space.
func (c *Client) Query(ctx context.Context, collection string, opts ...QueryOption) ([]*Record, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	var f replica.Filter
	for _, opt := range opts {
		opt(&f)
	}
	return c.rep.Query(ctx, collection, f)
}

// Patch merges values into a record. Only the given fields change.
func (c *Client) Patch(ctx context.Context, collection, id string, values map[string]any) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.rep.Patch(ctx, collection, id, values)
}

// Delete tombstones a record. Deletion wins over any concurrent edit.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.rep.Delete(ctx, collection, id)
}

// MoveToSpace moves a record into another space and returns its new id.
// The old id becomes a tombstone in the source space.
func (c *Client) MoveToSpace(ctx context.Context, collection, id, targetSpaceID string) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}
	return c.rep.MoveToSpace(ctx, collection, id, targetSpaceID)
}

// BulkMove moves records atomically. On failure nothing moves and the error
// is a *BulkMoveError.
func (c *Client) BulkMove(ctx context.Context, collection string, ids []string, targetSpaceID string) (map[string]string, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.rep.BulkMove(ctx, collection, ids, targetSpaceID)
}
