package client

import (
	"context"

	"github.com/KevoDB/slabkv/pkg/common/iterator"
	"github.com/KevoDB/slabkv/pkg/entry"
)

// Scan returns an iterator over the live entries in [from, to). The whole
// range is fetched in one call; iteration is local.
func (c *Client) Scan(ctx context.Context, from, to entry.Key) (iterator.Iterator, error) {
	entries, err := c.Range(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return iterator.NewSliceIterator(entries), nil
}
