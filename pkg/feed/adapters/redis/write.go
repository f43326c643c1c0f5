package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/fanout/smartfeed/pkg/feed"
	"github.com/fanout/smartfeed/pkg/feed/cursor"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Add inserts or updates an item and enqueues its notification. The write,
// both index upserts, the tie-block reads used for cursor computation, and
// the notify slot reservation commit in one transaction; cursor computation
// and slot finalization happen after commit.
func (s *Store) Add(ctx context.Context, base string, data any, id string, notify bool) (*feed.Item, error) {
	encBase := cursor.EncodeIDPart(base)
	keyItems := s.keyItems(encBase)
	keyIdxCreated := s.keyIndex(encBase, feed.OrderCreated)
	keyIdxModified := s.keyIndex(encBase, feed.OrderModified)
	keyNotify := s.keyNotify(encBase)
	keyNotifyItems := s.keyNotifyItems(encBase)

	var item *feed.Item
	var isNew bool
	var notifyID string
	var blockCreated, blockModified []string

	for {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			now := s.now().UTC().Truncate(time.Second)

			item = &feed.Item{Data: data}
			isNew = false
			if id != "" {
				item.ID = id
				raw, err := tx.HGet(ctx, keyItems, id).Result()
				switch {
				case err == redis.Nil:
					isNew = true
				case err != nil:
					return err
				default:
					cur, err := itemDeserialize(raw)
					if err != nil {
						return err
					}
					item.Created = cur.Created
					item.Deleted = cur.Deleted
				}
			} else {
				for {
					newID := uuid.NewString()
					exists, err := tx.HExists(ctx, keyItems, newID).Result()
					if err != nil {
						return err
					}
					if !exists {
						item.ID = newID
						break
					}
				}
				isNew = true
			}

			if isNew {
				item.Created = now
			}
			item.Modified = now

			raw, err := itemSerialize(item)
			if err != nil {
				return err
			}

			tsCreated := item.Created.Unix()
			tsModified := item.Modified.Unix()

			var initProps string
			if notify {
				notifyID = uuid.NewString()
				initProps, err = marshalNotifyProps(&notifyProps{
					State:   notifyStateInitializing,
					Created: now.Unix(),
				})
				if err != nil {
					return err
				}
			}

			// write and retrieve position info in one shot
			var createdCmd, modifiedCmd *redis.StringSliceCmd
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, keyItems, item.ID, raw)
				pipe.ZAdd(ctx, keyIdxCreated, redis.Z{Score: float64(tsCreated), Member: item.ID})
				pipe.ZAdd(ctx, keyIdxModified, redis.Z{Score: float64(tsModified), Member: item.ID})
				createdScore := strconv.FormatInt(tsCreated, 10)
				modifiedScore := strconv.FormatInt(tsModified, 10)
				createdCmd = pipe.ZRangeByScore(ctx, keyIdxCreated, &redis.ZRangeBy{Min: createdScore, Max: createdScore})
				modifiedCmd = pipe.ZRangeByScore(ctx, keyIdxModified, &redis.ZRangeBy{Min: modifiedScore, Max: modifiedScore})
				if notify {
					pipe.RPush(ctx, keyNotify, notifyID)
					pipe.HSet(ctx, keyNotifyItems, notifyID, initProps)
				}
				return nil
			})
			if err != nil {
				return err
			}
			blockCreated = createdCmd.Val()
			blockModified = modifiedCmd.Val()
			return nil
		}, keyItems, keyIdxCreated, keyIdxModified, keyNotify, keyNotifyItems)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	if notify {
		var cursorCreated string
		if isNew {
			if offset := indexOf(blockCreated, item.ID); offset != -1 {
				cursorCreated = cursor.Make(item.Created.Unix(), offset, blockCreated[:offset+1])
			}
		}
		var cursorModified string
		if offset := indexOf(blockModified, item.ID); offset != -1 {
			cursorModified = cursor.Make(item.Modified.Unix(), offset, blockModified[:offset+1])
		}

		if err := s.finalizeNotify(ctx, encBase, notifyID, item, cursorCreated, cursorModified); err != nil {
			return nil, err
		}
		if err := s.ProcessNotify(ctx, base); err != nil {
			return nil, err
		}
	}

	return item, nil
}

// Delete tombstones an item: deleted is set, modified advances, and the
// item enters the deleted index. The tombstone stays readable until
// expired.
func (s *Store) Delete(ctx context.Context, base, id string, notify bool) error {
	encBase := cursor.EncodeIDPart(base)
	keyItems := s.keyItems(encBase)
	keyIdxModified := s.keyIndex(encBase, feed.OrderModified)
	keyIdxDeleted := s.keyIndex(encBase, feed.OrderDeleted)
	keyNotify := s.keyNotify(encBase)
	keyNotifyItems := s.keyNotifyItems(encBase)

	var item *feed.Item
	var notifyID string
	var blockModified []string

	for {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			now := s.now().UTC().Truncate(time.Second)

			raw, err := tx.HGet(ctx, keyItems, id).Result()
			if err == redis.Nil {
				return feed.ErrItemDoesNotExist
			}
			if err != nil {
				return err
			}
			item, err = itemDeserialize(raw)
			if err != nil {
				return err
			}
			if item.Deleted {
				return feed.ErrItemDoesNotExist
			}

			item.Deleted = true
			item.Modified = now

			raw, err = itemSerialize(item)
			if err != nil {
				return err
			}

			tsModified := item.Modified.Unix()

			var initProps string
			if notify {
				notifyID = uuid.NewString()
				initProps, err = marshalNotifyProps(&notifyProps{
					State:   notifyStateInitializing,
					Created: now.Unix(),
				})
				if err != nil {
					return err
				}
			}

			var modifiedCmd *redis.StringSliceCmd
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, keyItems, item.ID, raw)
				pipe.ZAdd(ctx, keyIdxModified, redis.Z{Score: float64(tsModified), Member: item.ID})
				pipe.ZAdd(ctx, keyIdxDeleted, redis.Z{Score: float64(tsModified), Member: item.ID})
				score := strconv.FormatInt(tsModified, 10)
				modifiedCmd = pipe.ZRangeByScore(ctx, keyIdxModified, &redis.ZRangeBy{Min: score, Max: score})
				if notify {
					pipe.RPush(ctx, keyNotify, notifyID)
					pipe.HSet(ctx, keyNotifyItems, notifyID, initProps)
				}
				return nil
			})
			if err != nil {
				return err
			}
			blockModified = modifiedCmd.Val()
			return nil
		}, keyItems, keyIdxModified, keyIdxDeleted, keyNotify, keyNotifyItems)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return err
		}
		break
	}

	if notify {
		var cursorModified string
		if offset := indexOf(blockModified, item.ID); offset != -1 {
			cursorModified = cursor.Make(item.Modified.Unix(), offset, blockModified[:offset+1])
		}
		if err := s.finalizeNotify(ctx, encBase, notifyID, item, "", cursorModified); err != nil {
			return err
		}
		if err := s.ProcessNotify(ctx, base); err != nil {
			return err
		}
	}

	return nil
}

// ClearExpired physically removes items whose expiry-index score is at or
// below now−ttl−1, one item per transaction, until the index is drained
// above the cutoff. Returns the number of items reclaimed.
func (s *Store) ClearExpired(ctx context.Context, base string, ttl time.Duration, deleted bool) (int, error) {
	encBase := cursor.EncodeIDPart(base)
	keyItems := s.keyItems(encBase)
	keyIdxCreated := s.keyIndex(encBase, feed.OrderCreated)
	keyIdxModified := s.keyIndex(encBase, feed.OrderModified)
	keyIdxDeleted := s.keyIndex(encBase, feed.OrderDeleted)

	keyExpiry := keyIdxModified
	if deleted {
		keyExpiry = keyIdxDeleted
	}

	cutoff := s.now().UTC().Unix() - int64(ttl.Seconds()) - 1

	total := 0
	for {
		var done bool
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			ids, err := tx.ZRangeByScore(ctx, keyExpiry, &redis.ZRangeBy{
				Min:   "-inf",
				Max:   strconv.FormatInt(cutoff, 10),
				Count: 1,
			}).Result()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				done = true
				return nil
			}
			itemID := ids[0]
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HDel(ctx, keyItems, itemID)
				pipe.ZRem(ctx, keyIdxCreated, itemID)
				pipe.ZRem(ctx, keyIdxModified, itemID)
				pipe.ZRem(ctx, keyIdxDeleted, itemID)
				return nil
			})
			return err
		}, keyItems, keyIdxCreated, keyIdxModified, keyIdxDeleted)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return total, err
		}
		if done {
			return total, nil
		}
		total++
	}
}
