package redis

import (
	"context"
	"encoding/json"

	"github.com/fanout/smartfeed/pkg/errors"
	"github.com/fanout/smartfeed/pkg/feed"
	"github.com/fanout/smartfeed/pkg/feed/cursor"
	"github.com/fanout/smartfeed/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// Notify slot states. A slot is reserved inside the mutating transaction
// before its cursors exist, then finalized to pending once they do.
const (
	notifyStateInitializing = "initializing"
	notifyStatePending      = "pending"
)

// notifyProps is the stored form of one notification slot.
type notifyProps struct {
	State          string      `json:"state"`
	Created        int64       `json:"created"`
	Item           *storedItem `json:"item,omitempty"`
	CursorCreated  string      `json:"cursor_created,omitempty"`
	CursorModified string      `json:"cursor_modified,omitempty"`
}

func marshalNotifyProps(props *notifyProps) (string, error) {
	data, err := json.Marshal(props)
	if err != nil {
		return "", errors.Wrap(err, "failed to serialize notify slot")
	}
	return string(data), nil
}

// finalizeNotify promotes a reserved slot to pending, attaching the item
// snapshot and its cursors. If the slot was reclaimed in the meantime the
// promotion silently no-ops; a later writer's slot carries fanout forward.
func (s *Store) finalizeNotify(ctx context.Context, encBase, notifyID string, item *feed.Item, cursorCreated, cursorModified string) error {
	keyNotifyItems := s.keyNotifyItems(encBase)
	for {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.HGet(ctx, keyNotifyItems, notifyID).Result()
			if err == redis.Nil {
				return nil
			}
			if err != nil {
				return err
			}
			var props notifyProps
			if err := json.Unmarshal([]byte(raw), &props); err != nil {
				return feed.ErrDataCorruption
			}
			props.State = notifyStatePending
			props.Item = itemToStored(item)
			props.CursorCreated = cursorCreated
			props.CursorModified = cursorModified
			updated, err := marshalNotifyProps(&props)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, keyNotifyItems, notifyID, updated)
				return nil
			})
			return err
		}, keyNotifyItems)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
}

// publishCall is one fanout decided inside a drain transaction and issued
// after it commits.
type publishCall struct {
	feedID     string
	item       *feed.Item
	cursor     string
	prevCursor string
}

// ProcessNotify drains the base's notification queue, one slot per
// transaction, publishing in FIFO order. A fresh initializing slot stops
// the drain (its producer finalizes it shortly); one older than the stale
// age is reclaimed without publishing.
func (s *Store) ProcessNotify(ctx context.Context, base string) error {
	encBase := cursor.EncodeIDPart(base)
	keyNotify := s.keyNotify(encBase)
	keyNotifyItems := s.keyNotifyItems(encBase)
	keyLastpubCreated := s.keyLastpub(encBase, feed.OrderCreated)
	keyLastpubModified := s.keyLastpub(encBase, feed.OrderModified)

	for {
		var done bool
		var calls []publishCall
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			done = false
			calls = nil

			head, err := tx.LIndex(ctx, keyNotify, 0).Result()
			if err == redis.Nil {
				done = true
				return nil
			}
			if err != nil {
				return err
			}

			raw, err := tx.HGet(ctx, keyNotifyItems, head).Result()
			if err == redis.Nil {
				// props not visible yet; the next call retries
				done = true
				return nil
			}
			if err != nil {
				return err
			}

			var props notifyProps
			if err := json.Unmarshal([]byte(raw), &props); err != nil {
				return feed.ErrDataCorruption
			}

			if props.State == notifyStateInitializing {
				age := s.now().UTC().Unix() - props.Created
				if age <= int64(s.staleAge.Seconds()) {
					// the producer will finalize shortly
					done = true
					return nil
				}
				// stale slot: reclaim without publishing
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.LPop(ctx, keyNotify)
					pipe.HDel(ctx, keyNotifyItems, head)
					return nil
				})
				return err
			}

			var prevCreated, prevModified string
			if props.CursorCreated != "" {
				prevCreated, err = tx.Get(ctx, keyLastpubCreated).Result()
				if err != nil && err != redis.Nil {
					return err
				}
			}
			if props.CursorModified != "" {
				prevModified, err = tx.Get(ctx, keyLastpubModified).Result()
				if err != nil && err != redis.Nil {
					return err
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LPop(ctx, keyNotify)
				pipe.HDel(ctx, keyNotifyItems, head)
				if props.CursorCreated != "" {
					pipe.Set(ctx, keyLastpubCreated, props.CursorCreated, 0)
				}
				if props.CursorModified != "" {
					pipe.Set(ctx, keyLastpubModified, props.CursorModified, 0)
				}
				return nil
			})
			if err != nil {
				return err
			}

			if props.Item != nil {
				item := storedItemToItem(props.Item)
				if props.CursorCreated != "" {
					calls = append(calls, publishCall{
						feedID:     encBase + "-" + feed.OrderCreated,
						item:       item,
						cursor:     props.CursorCreated,
						prevCursor: prevCreated,
					})
				}
				if props.CursorModified != "" {
					calls = append(calls, publishCall{
						feedID:     encBase + "-" + feed.OrderModified,
						item:       item,
						cursor:     props.CursorModified,
						prevCursor: prevModified,
					})
				}
			}
			return nil
		}, keyNotify, keyNotifyItems, keyLastpubCreated, keyLastpubModified)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return err
		}

		// publish outside the transaction; delivery failures are logged
		// and recovered by client resync, never rolled back
		if s.publisher != nil {
			for _, call := range calls {
				if err := s.publisher.Publish(ctx, call.feedID, call.item, nil, call.cursor, call.prevCursor); err != nil {
					logger.L().ErrorContext(ctx, "publish failed",
						"feed_id", call.feedID, "cursor", call.cursor, "error", err)
				}
			}
		}

		if done {
			return nil
		}
	}
}
