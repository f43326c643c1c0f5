package feed

import (
	"context"
	"strings"
	"time"

	"github.com/fanout/smartfeed/pkg/feed/cursor"
)

// Order key names for the per-base sorted indices.
const (
	OrderCreated  = "created"
	OrderModified = "modified"
	OrderDeleted  = "deleted"
)

// Item is a single feed entry. Data is an opaque JSON value (mapping or
// scalar). Deleted items remain visible as tombstones until expired.
type Item struct {
	ID       string
	Created  time.Time
	Modified time.Time
	Deleted  bool
	Data     any
}

// ItemsResult is the outcome of a range read.
//
// LastCursor is nil when the read is terminal (descending traversal with no
// further items); the empty string is the sentinel cursor meaning "no prior
// position".
type ItemsResult struct {
	Items      []*Item
	Total      *int
	LastCursor *string
}

// Store is the storage capability: ordered reads with cursor pagination and
// transactional mutation. Subscription registry operations are declared for
// backends that persist them; backends without a registry return
// UNIMPLEMENTED.
type Store interface {
	GetItems(ctx context.Context, feedID string, since, until *cursor.Spec, maxCount int) (*ItemsResult, error)

	// Add inserts or updates an item within base. An empty id requests a
	// server-generated one. The committed item is returned.
	Add(ctx context.Context, base string, data any, id string, notify bool) (*Item, error)

	// Delete tombstones an item. Deleting an absent or already tombstoned
	// item fails with ErrItemDoesNotExist.
	Delete(ctx context.Context, base, id string, notify bool) error

	// ClearExpired physically removes items whose expiry-index score is at
	// or below now−ttl−1, returning the number removed. When deleted is
	// true only tombstoned items are considered; otherwise the modified
	// index drives expiry.
	ClearExpired(ctx context.Context, base string, ttl time.Duration, deleted bool) (int, error)

	PshSubSet(ctx context.Context, feedID, uri string) error
	PshSubRemove(ctx context.Context, feedID, uri string) error
	XmppSubSet(ctx context.Context, feedID, jid string) error
	XmppSubRemove(ctx context.Context, feedID, jid string) error
}

// Publisher is the realtime fanout capability. Publish delivers one item
// event for a feed, chained to the previous event via prevCursor. total may
// be nil.
type Publisher interface {
	Publish(ctx context.Context, feedID string, item *Item, total *int, cursor, prevCursor string) error

	PshSubSet(ctx context.Context, feedID, uri string) error
	PshSubRemove(ctx context.Context, feedID, uri string) error
	XmppSubSet(ctx context.Context, feedID, jid string) error
	XmppSubRemove(ctx context.Context, feedID, jid string) error
}

// Formatter renders items for a wire format ("json", "atom").
type Formatter interface {
	IsSupported(format string) bool
	ToFormat(item *Item, format string) (any, error)
}

// FeedID is a parsed external feed handle "<enc_base>-[-]<order>".
type FeedID struct {
	Base       string
	Order      string
	Descending bool
}

// ParseFeedID splits a feed id on the first '-' and decodes both
// components. A second leading '-' on the order requests descending
// traversal.
func ParseFeedID(feedID string) (FeedID, error) {
	at := strings.Index(feedID, "-")
	if at < 1 || at == len(feedID)-1 {
		return FeedID{}, ErrFeedDoesNotExist
	}
	base, err := cursor.DecodeIDPart(feedID[:at])
	if err != nil {
		return FeedID{}, ErrFeedDoesNotExist
	}
	order := feedID[at+1:]
	desc := strings.HasPrefix(order, "-")
	if desc {
		order = order[1:]
	}
	order, err = cursor.DecodeIDPart(order)
	if err != nil || order == "" {
		return FeedID{}, ErrFeedDoesNotExist
	}
	return FeedID{Base: base, Order: order, Descending: desc}, nil
}
