// Package redis implements the feed storage engine on a Redis-compatible
// service, using optimistic WATCH/MULTI/EXEC transactions.
//
// Key schema (prefix configurable, default empty):
//
//	<prefix><enc_base>-items           hash   id → item JSON
//	<prefix><enc_base>-index-<order>   zset   id scored by ts
//	<prefix><enc_base>-notify          list   notify_ids in FIFO order
//	<prefix><enc_base>-notify-items    hash   notify_id → notify JSON
//	<prefix><enc_base>-lastpub-<order> string last published cursor
package redis

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/fanout/smartfeed/pkg/errors"
	"github.com/fanout/smartfeed/pkg/feed"
	"github.com/redis/go-redis/v9"
)

// errRestart aborts the current attempt of an optimistic operation; the
// outer loop runs it again against fresh state.
var errRestart = stderrors.New("restart transaction")

// Config holds configuration for the Redis feed store.
type Config struct {
	// Prefix is prepended to every storage key.
	Prefix string `env:"FEED_KEY_PREFIX" env-default:""`

	// StaleSlotAge is how long an unfinalized notify slot may block the
	// queue head before it is reclaimed.
	StaleSlotAge time.Duration `env:"FEED_STALE_SLOT_AGE" env-default:"60s"`
}

// Store implements feed.Store backed by Redis hashes, sorted sets and
// lists. All cross-operation coordination happens through the server's
// optimistic transactions; the store itself holds no locks.
type Store struct {
	client    *redis.Client
	prefix    string
	staleAge  time.Duration
	publisher feed.Publisher

	// now is replaceable in tests
	now func() time.Time
}

// New creates a Store. publisher may be nil, in which case notifications
// are still queued and drained but no fanout happens.
func New(client *redis.Client, cfg Config, publisher feed.Publisher) *Store {
	staleAge := cfg.StaleSlotAge
	if staleAge <= 0 {
		staleAge = 60 * time.Second
	}
	return &Store{
		client:    client,
		prefix:    cfg.Prefix,
		staleAge:  staleAge,
		publisher: publisher,
		now:       time.Now,
	}
}

func (s *Store) keyItems(encBase string) string {
	return s.prefix + encBase + "-items"
}

func (s *Store) keyIndex(encBase, order string) string {
	return s.prefix + encBase + "-index-" + order
}

func (s *Store) keyNotify(encBase string) string {
	return s.prefix + encBase + "-notify"
}

func (s *Store) keyNotifyItems(encBase string) string {
	return s.prefix + encBase + "-notify-items"
}

func (s *Store) keyLastpub(encBase, order string) string {
	return s.prefix + encBase + "-lastpub-" + order
}

// storedItem is the storage form of an item.
type storedItem struct {
	Data any        `json:"data"`
	Meta storedMeta `json:"meta"`
}

type storedMeta struct {
	ID       string `json:"id"`
	Created  int64  `json:"created"`
	Modified int64  `json:"modified"`
	Deleted  bool   `json:"deleted,omitempty"`
}

func itemSerialize(item *feed.Item) (string, error) {
	out := storedItem{
		Data: item.Data,
		Meta: storedMeta{
			ID:       item.ID,
			Created:  item.Created.Unix(),
			Modified: item.Modified.Unix(),
			Deleted:  item.Deleted,
		},
	}
	data, err := json.Marshal(&out)
	if err != nil {
		return "", errors.Wrap(err, "failed to serialize item")
	}
	return string(data), nil
}

func itemDeserialize(raw string) (*feed.Item, error) {
	var in storedItem
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, feed.ErrDataCorruption
	}
	return storedItemToItem(&in), nil
}

func storedItemToItem(in *storedItem) *feed.Item {
	return &feed.Item{
		ID:       in.Meta.ID,
		Created:  time.Unix(in.Meta.Created, 0).UTC(),
		Modified: time.Unix(in.Meta.Modified, 0).UTC(),
		Deleted:  in.Meta.Deleted,
		Data:     in.Data,
	}
}

func itemToStored(item *feed.Item) *storedItem {
	return &storedItem{
		Data: item.Data,
		Meta: storedMeta{
			ID:       item.ID,
			Created:  item.Created.Unix(),
			Modified: item.Modified.Unix(),
			Deleted:  item.Deleted,
		},
	}
}

// ref is one sorted-index entry.
type ref struct {
	id    string
	score int64
}

func refsFromZ(zs []redis.Z) []ref {
	out := make([]ref, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		out = append(out, ref{id: id, score: int64(z.Score)})
	}
	return out
}

func refFind(refs []ref, id string, score int64) int {
	for n, r := range refs {
		if r.id == id && r.score == score {
			return n
		}
	}
	return -1
}

func refRFind(refs []ref, id string, score int64) int {
	for n := len(refs) - 1; n >= 0; n-- {
		if refs[n].id == id && refs[n].score == score {
			return n
		}
	}
	return -1
}

// refRFindFirstScore returns the index where the run of entries with the
// given score starts, searching from the tail.
func refRFindFirstScore(refs []ref, score int64) int {
	found := false
	for n := len(refs) - 1; n >= 0; n-- {
		if refs[n].score == score {
			found = true
		} else if found {
			return n + 1
		}
	}
	if found {
		return 0
	}
	return -1
}

func refIDs(refs []ref) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.id)
	}
	return out
}

func indexOf(ids []string, id string) int {
	for n, v := range ids {
		if v == id {
			return n
		}
	}
	return -1
}

// Subscription registries are out-of-scope hooks; this backend does not
// persist them.

func (s *Store) PshSubSet(ctx context.Context, feedID, uri string) error {
	return errors.Unimplemented("PubSubHubbub subscriptions not implemented", nil)
}

func (s *Store) PshSubRemove(ctx context.Context, feedID, uri string) error {
	return errors.Unimplemented("PubSubHubbub subscriptions not implemented", nil)
}

func (s *Store) XmppSubSet(ctx context.Context, feedID, jid string) error {
	return errors.Unimplemented("XMPP subscriptions not implemented", nil)
}

func (s *Store) XmppSubRemove(ctx context.Context, feedID, jid string) error {
	return errors.Unimplemented("XMPP subscriptions not implemented", nil)
}
