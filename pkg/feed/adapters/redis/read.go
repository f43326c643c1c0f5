package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/fanout/smartfeed/pkg/feed"
	"github.com/fanout/smartfeed/pkg/feed/cursor"
	"github.com/redis/go-redis/v9"
)

// specParts is a position spec resolved to numeric index coordinates.
type specParts struct {
	ts        int64
	offset    int
	checksum  string
	hasOffset bool
}

func (s *Store) resolveSpec(ctx context.Context, tx *redis.Tx, keyIndex string, spec *cursor.Spec) (specParts, error) {
	switch spec.Kind {
	case cursor.KindID:
		score, err := tx.ZScore(ctx, keyIndex, spec.Value).Result()
		if err == redis.Nil {
			return specParts{}, feed.ErrInvalidSpec
		}
		if err != nil {
			return specParts{}, err
		}
		return specParts{ts: int64(score)}, nil
	case cursor.KindTime:
		t, err := time.Parse(feed.TimeLayout, spec.Value)
		if err != nil {
			return specParts{}, feed.ErrInvalidSpec
		}
		return specParts{ts: t.UTC().Unix()}, nil
	case cursor.KindCursor:
		p, err := cursor.Parse(spec.Value)
		if err != nil {
			return specParts{}, feed.ErrInvalidSpec
		}
		return specParts{ts: p.TS, offset: p.Offset, checksum: p.Checksum, hasOffset: p.HasOffset}, nil
	default:
		return specParts{}, feed.ErrUnsupportedSpec
	}
}

func scoreBound(parts *specParts, present bool, def string) string {
	if !present {
		return def
	}
	return strconv.FormatInt(parts.ts, 10)
}

// GetItems reads a page of items along the feed's order, honoring position
// specs and returning a cursor for resumption. The read runs as one
// optimistic transaction and restarts on any conflicting write.
func (s *Store) GetItems(ctx context.Context, feedID string, since, until *cursor.Spec, maxCount int) (*feed.ItemsResult, error) {
	fid, err := feed.ParseFeedID(feedID)
	if err != nil {
		return nil, err
	}
	if since != nil && !supportedSpecKind(since.Kind) {
		return nil, feed.ErrUnsupportedSpec
	}
	if until != nil && !supportedSpecKind(until.Kind) {
		return nil, feed.ErrUnsupportedSpec
	}
	if maxCount < 1 {
		return nil, feed.ErrInvalidSpec
	}

	encBase := cursor.EncodeIDPart(fid.Base)
	keyItems := s.keyItems(encBase)
	keyIndex := s.keyIndex(encBase, fid.Order)

	for {
		var result *feed.ItemsResult
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			var err error
			if fid.Descending {
				result, err = s.getItemsDesc(ctx, tx, keyItems, keyIndex, since, until, maxCount)
			} else {
				result, err = s.getItemsAsc(ctx, tx, keyItems, keyIndex, since, until, maxCount)
			}
			return err
		}, keyItems, keyIndex)
		if err == redis.TxFailedErr || err == errRestart {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

func supportedSpecKind(kind cursor.Kind) bool {
	return kind == cursor.KindID || kind == cursor.KindTime || kind == cursor.KindCursor
}

func (s *Store) getItemsAsc(ctx context.Context, tx *redis.Tx, keyItems, keyIndex string, since, until *cursor.Spec, maxCount int) (*feed.ItemsResult, error) {
	var sinceParts, untilParts specParts
	var err error
	if since != nil {
		if sinceParts, err = s.resolveSpec(ctx, tx, keyIndex, since); err != nil {
			return nil, err
		}
	}
	if until != nil {
		if untilParts, err = s.resolveSpec(ctx, tx, keyIndex, until); err != nil {
			return nil, err
		}
	}

	// Effective kinds shadow the input specs so a cursor→time fallback
	// never mutates the caller's values.
	sinceKind := cursor.Kind("")
	if since != nil {
		sinceKind = since.Kind
	}
	untilKind := cursor.Kind("")
	if until != nil {
		untilKind = until.Kind
	}

	var refs []ref
	var start, end int
	for {
		// A since trim discards the head of the window, so the fetch must
		// over-read by the trim width to still fill a page.
		extra, err := s.sinceTrimWidth(ctx, tx, keyIndex, since, sinceKind, &sinceParts, false)
		if err != nil {
			return nil, err
		}
		zs, err := tx.ZRangeByScoreWithScores(ctx, keyIndex, &redis.ZRangeBy{
			Min:   scoreBound(&sinceParts, since != nil, "-inf"),
			Max:   scoreBound(&untilParts, until != nil, "+inf"),
			Count: int64(maxCount + extra),
		}).Result()
		if err != nil {
			return nil, err
		}
		refs = refsFromZ(zs)

		start = 0
		end = len(refs)

		if since != nil {
			switch sinceKind {
			case cursor.KindID:
				at := refFind(refs, since.Value, sinceParts.ts)
				if at == -1 {
					// the item moved or was trimmed under us
					return nil, errRestart
				}
				start = at + 1
			case cursor.KindCursor:
				if sinceParts.hasOffset && len(refs) > 0 && refs[0].score == sinceParts.ts {
					prefixLen := sinceParts.offset + 1
					if prefixLen > len(refs) || cursor.Checksum(refIDs(refs[:prefixLen])) != sinceParts.checksum {
						// tie-block changed shape; fall back to a time query
						sinceKind = cursor.KindTime
						sinceParts.hasOffset = false
						continue
					}
					start = prefixLen
				}
			}
		}

		if until != nil {
			switch untilKind {
			case cursor.KindID:
				at := refRFind(refs, until.Value, untilParts.ts)
				if at == -1 {
					return nil, errRestart
				}
				end = at
			case cursor.KindCursor:
				if untilParts.hasOffset && len(refs) > 0 && refs[len(refs)-1].score == untilParts.ts {
					at := refRFindFirstScore(refs, untilParts.ts)
					if at == -1 || at+untilParts.offset+1 > len(refs) ||
						cursor.Checksum(refIDs(refs[at:at+untilParts.offset+1])) != untilParts.checksum {
						untilKind = cursor.KindTime
						untilParts.hasOffset = false
						continue
					}
					end = at + untilParts.offset
				}
			}
		}

		break
	}

	if end > start+maxCount {
		end = start + maxCount
	}

	if end-start <= 0 {
		return s.emptyAscResult(ctx, tx, keyIndex, since, sinceParts, refs, start)
	}

	items, err := s.fetchItems(ctx, tx, keyItems, refIDs(refs[start:end]))
	if err != nil {
		return nil, err
	}

	at := refRFindFirstScore(refs, refs[end-1].score)
	lastCursor := cursor.Make(refs[at].score, end-at-1, refIDs(refs[at:end]))
	return &feed.ItemsResult{Items: items, LastCursor: &lastCursor}, nil
}

// emptyAscResult implements the empty-window cursor policy for ascending
// reads: polling consumers always get a cursor to resume from. The policy
// keys on the caller's original spec type, so a cursor that fell back to a
// time query still echoes its input token.
func (s *Store) emptyAscResult(ctx context.Context, tx *redis.Tx, keyIndex string, since *cursor.Spec, sinceParts specParts, refs []ref, start int) (*feed.ItemsResult, error) {
	out := &feed.ItemsResult{Items: []*feed.Item{}}
	empty := ""
	if since == nil {
		out.LastCursor = &empty
		return out, nil
	}
	switch since.Kind {
	case cursor.KindID:
		// the referenced item is just previous to the window
		lc := cursor.Make(sinceParts.ts, start-1, refIDs(refs[:start]))
		out.LastCursor = &lc
	case cursor.KindTime:
		if sinceParts.ts <= 0 {
			out.LastCursor = &empty
			return out, nil
		}
		// search for the last item before this time
		prev, err := tx.ZRevRangeByScoreWithScores(ctx, keyIndex, &redis.ZRangeBy{
			Max:   strconv.FormatInt(sinceParts.ts-1, 10),
			Min:   "-inf",
			Count: 1,
		}).Result()
		if err != nil {
			return nil, err
		}
		if len(prev) == 0 {
			out.LastCursor = &empty
			return out, nil
		}
		ts := int64(prev[0].Score)
		block, err := s.tieBlock(ctx, tx, keyIndex, ts)
		if err != nil {
			return nil, err
		}
		if len(block) == 0 {
			return nil, errRestart
		}
		lc := cursor.Make(ts, len(block)-1, block)
		out.LastCursor = &lc
	case cursor.KindCursor:
		// echo the input token; after a time fallback this still carries
		// the original cursor value
		lc := since.Value
		out.LastCursor = &lc
	}
	return out, nil
}

func (s *Store) getItemsDesc(ctx context.Context, tx *redis.Tx, keyItems, keyIndex string, since, until *cursor.Spec, maxCount int) (*feed.ItemsResult, error) {
	var sinceParts, untilParts specParts
	var err error
	if since != nil {
		if sinceParts, err = s.resolveSpec(ctx, tx, keyIndex, since); err != nil {
			return nil, err
		}
	}
	if until != nil {
		if untilParts, err = s.resolveSpec(ctx, tx, keyIndex, until); err != nil {
			return nil, err
		}
	}

	sinceKind := cursor.Kind("")
	if since != nil {
		sinceKind = since.Kind
	}
	untilKind := cursor.Kind("")
	if until != nil {
		untilKind = until.Kind
	}

	var refs []ref
	var start, end int
	var rangeBy *redis.ZRangeBy
	for {
		extra, err := s.sinceTrimWidth(ctx, tx, keyIndex, since, sinceKind, &sinceParts, true)
		if err != nil {
			return nil, err
		}
		rangeBy = &redis.ZRangeBy{
			Max:   scoreBound(&sinceParts, since != nil, "+inf"),
			Min:   scoreBound(&untilParts, until != nil, "-inf"),
			Count: int64(maxCount + 1 + extra),
		}
		zs, err := tx.ZRevRangeByScoreWithScores(ctx, keyIndex, rangeBy).Result()
		if err != nil {
			return nil, err
		}
		refs = refsFromZ(zs)

		start = 0
		end = len(refs)

		if since != nil {
			switch sinceKind {
			case cursor.KindID:
				at := refFind(refs, since.Value, sinceParts.ts)
				if at == -1 {
					return nil, errRestart
				}
				start = at + 1
			case cursor.KindCursor:
				if sinceParts.hasOffset && len(refs) > 0 && refs[0].score == sinceParts.ts {
					block, err := s.tieBlock(ctx, tx, keyIndex, sinceParts.ts)
					if err != nil {
						return nil, err
					}
					prefixLen := sinceParts.offset + 1
					if prefixLen > len(block) || cursor.Checksum(block[:prefixLen]) != sinceParts.checksum {
						sinceKind = cursor.KindTime
						sinceParts.hasOffset = false
						continue
					}
					at := refFind(refs, block[sinceParts.offset], sinceParts.ts)
					if at == -1 {
						return nil, errRestart
					}
					start = at + 1
				}
			}
		}

		if until != nil {
			switch untilKind {
			case cursor.KindID:
				at := refRFind(refs, until.Value, untilParts.ts)
				if at == -1 {
					return nil, errRestart
				}
				end = at
			case cursor.KindCursor:
				if untilParts.hasOffset && len(refs) > 0 && refs[len(refs)-1].score == untilParts.ts {
					block, err := s.tieBlock(ctx, tx, keyIndex, untilParts.ts)
					if err != nil {
						return nil, err
					}
					prefixLen := untilParts.offset + 1
					if prefixLen > len(block) || cursor.Checksum(block[:prefixLen]) != untilParts.checksum {
						untilKind = cursor.KindTime
						untilParts.hasOffset = false
						continue
					}
					at := refRFind(refs, block[untilParts.offset], untilParts.ts)
					if at == -1 {
						return nil, errRestart
					}
					end = at
				}
			}
		}

		break
	}

	if end < start {
		end = start
	}
	window := refs[start:end]
	if len(window) == 0 {
		// descending traversal is terminal when empty: no cursor
		return &feed.ItemsResult{Items: []*feed.Item{}}, nil
	}

	more := false
	if len(window) > maxCount {
		window = window[:maxCount]
		more = true
	} else {
		// probe one position past the window to learn whether the
		// traversal can continue
		probe, err := tx.ZRevRangeByScoreWithScores(ctx, keyIndex, &redis.ZRangeBy{
			Max:    rangeBy.Max,
			Min:    rangeBy.Min,
			Offset: int64(start + len(window)),
			Count:  1,
		}).Result()
		if err != nil {
			return nil, err
		}
		more = len(probe) > 0
	}

	var lastCursor *string
	if more {
		last := window[len(window)-1]
		block, err := s.tieBlock(ctx, tx, keyIndex, last.score)
		if err != nil {
			return nil, err
		}
		offset := indexOf(block, last.id)
		if offset == -1 {
			return nil, errRestart
		}
		lc := cursor.Make(last.score, offset, block[:offset+1])
		lastCursor = &lc
	}

	items, err := s.fetchItems(ctx, tx, keyItems, refIDs(window))
	if err != nil {
		return nil, err
	}
	return &feed.ItemsResult{Items: items, LastCursor: lastCursor}, nil
}

// sinceTrimWidth returns how many window slots a since trim may discard,
// so the range fetch can over-read by that amount and still fill a page.
func (s *Store) sinceTrimWidth(ctx context.Context, tx *redis.Tx, keyIndex string, since *cursor.Spec, kind cursor.Kind, parts *specParts, desc bool) (int, error) {
	if since == nil {
		return 0, nil
	}
	switch kind {
	case cursor.KindID:
		// the id may sit anywhere in its tie-block
		return s.tieCount(ctx, tx, keyIndex, parts.ts)
	case cursor.KindCursor:
		if !parts.hasOffset {
			return 0, nil
		}
		if desc {
			n, err := s.tieCount(ctx, tx, keyIndex, parts.ts)
			if err != nil {
				return 0, err
			}
			if w := n - parts.offset; w > 0 {
				return w, nil
			}
			return 0, nil
		}
		return parts.offset + 1, nil
	}
	return 0, nil
}

func (s *Store) tieCount(ctx context.Context, tx *redis.Tx, keyIndex string, ts int64) (int, error) {
	score := strconv.FormatInt(ts, 10)
	n, err := tx.ZCount(ctx, keyIndex, score, score).Result()
	return int(n), err
}

// tieBlock returns the ascending id run at exactly the given score.
func (s *Store) tieBlock(ctx context.Context, tx *redis.Tx, keyIndex string, ts int64) ([]string, error) {
	score := strconv.FormatInt(ts, 10)
	return tx.ZRangeByScore(ctx, keyIndex, &redis.ZRangeBy{Min: score, Max: score}).Result()
}

// fetchItems loads the window's items inside the MULTI phase; a missing
// entry means the snapshot is stale and the operation restarts.
func (s *Store) fetchItems(ctx context.Context, tx *redis.Tx, keyItems string, ids []string) ([]*feed.Item, error) {
	cmds := make([]*redis.StringCmd, 0, len(ids))
	_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			cmds = append(cmds, pipe.HGet(ctx, keyItems, id))
		}
		return nil
	})
	if err == redis.Nil {
		// one of the HGETs missed; item went missing between index read
		// and fetch
		return nil, errRestart
	}
	if err != nil {
		return nil, err
	}
	items := make([]*feed.Item, 0, len(cmds))
	for _, cmd := range cmds {
		raw, err := cmd.Result()
		if err == redis.Nil {
			return nil, errRestart
		}
		if err != nil {
			return nil, err
		}
		item, err := itemDeserialize(raw)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
