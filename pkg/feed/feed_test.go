package feed_test

import (
	"context"
	"testing"
	"time"

	"github.com/fanout/smartfeed/pkg/feed"
	"github.com/fanout/smartfeed/pkg/feed/cursor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFeedID(t *testing.T) {
	fid, err := feed.ParseFeedID("f-created")
	require.NoError(t, err)
	assert.Equal(t, "f", fid.Base)
	assert.Equal(t, "created", fid.Order)
	assert.False(t, fid.Descending)

	fid, err = feed.ParseFeedID("f--created")
	require.NoError(t, err)
	assert.Equal(t, "f", fid.Base)
	assert.Equal(t, "created", fid.Order)
	assert.True(t, fid.Descending)

	// encoded bases survive the split
	enc := cursor.EncodeIDPart("my-feed")
	fid, err = feed.ParseFeedID(enc + "-modified")
	require.NoError(t, err)
	assert.Equal(t, "my-feed", fid.Base)
	assert.Equal(t, "modified", fid.Order)
}

func TestParseFeedIDInvalid(t *testing.T) {
	for _, in := range []string{"", "nodash", "-created", "f-", "f--"} {
		_, err := feed.ParseFeedID(in)
		assert.ErrorIs(t, err, feed.ErrFeedDoesNotExist, "input %q", in)
	}
}

// recordingStore counts facade delegation.
type recordingStore struct {
	getItems    int
	add         int
	del         int
	clear       int
	pshSet      int
	pshSetError error
}

func (r *recordingStore) GetItems(ctx context.Context, feedID string, since, until *cursor.Spec, maxCount int) (*feed.ItemsResult, error) {
	r.getItems++
	return &feed.ItemsResult{}, nil
}

func (r *recordingStore) Add(ctx context.Context, base string, data any, id string, notify bool) (*feed.Item, error) {
	r.add++
	return &feed.Item{ID: id}, nil
}

func (r *recordingStore) Delete(ctx context.Context, base, id string, notify bool) error {
	r.del++
	return nil
}

func (r *recordingStore) ClearExpired(ctx context.Context, base string, ttl time.Duration, deleted bool) (int, error) {
	r.clear++
	return 0, nil
}

func (r *recordingStore) PshSubSet(ctx context.Context, feedID, uri string) error {
	r.pshSet++
	return r.pshSetError
}

func (r *recordingStore) PshSubRemove(ctx context.Context, feedID, uri string) error { return nil }
func (r *recordingStore) XmppSubSet(ctx context.Context, feedID, jid string) error   { return nil }
func (r *recordingStore) XmppSubRemove(ctx context.Context, feedID, jid string) error {
	return nil
}

type recordingPublisher struct {
	published int
	pshSet    int
}

func (r *recordingPublisher) Publish(ctx context.Context, feedID string, item *feed.Item, total *int, cur, prev string) error {
	r.published++
	return nil
}

func (r *recordingPublisher) PshSubSet(ctx context.Context, feedID, uri string) error {
	r.pshSet++
	return nil
}

func (r *recordingPublisher) PshSubRemove(ctx context.Context, feedID, uri string) error { return nil }
func (r *recordingPublisher) XmppSubSet(ctx context.Context, feedID, jid string) error   { return nil }
func (r *recordingPublisher) XmppSubRemove(ctx context.Context, feedID, jid string) error {
	return nil
}

func TestServiceDelegation(t *testing.T) {
	store := &recordingStore{}
	pub := &recordingPublisher{}
	svc := feed.NewService(store, pub)
	ctx := context.Background()

	_, err := svc.GetItems(ctx, "f-created", nil, nil, 50)
	require.NoError(t, err)
	_, err = svc.Add(ctx, "f", "A", "1", true)
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, "f", "1", true))
	_, err = svc.ClearExpired(ctx, "f", time.Minute, true)
	require.NoError(t, err)

	assert.Equal(t, 1, store.getItems)
	assert.Equal(t, 1, store.add)
	assert.Equal(t, 1, store.del)
	assert.Equal(t, 1, store.clear)
}

func TestServiceSubscriptionMediation(t *testing.T) {
	store := &recordingStore{}
	pub := &recordingPublisher{}
	svc := feed.NewService(store, pub)
	ctx := context.Background()

	require.NoError(t, svc.PshSubSet(ctx, "f-created", "http://example.com/cb"))
	assert.Equal(t, 1, store.pshSet)
	assert.Equal(t, 1, pub.pshSet)
}

func TestServiceSubscriptionStoreFailureStopsPublisher(t *testing.T) {
	store := &recordingStore{pshSetError: feed.ErrItemDoesNotExist}
	pub := &recordingPublisher{}
	svc := feed.NewService(store, pub)

	err := svc.PshSubSet(context.Background(), "f-created", "http://example.com/cb")
	require.Error(t, err)
	assert.Equal(t, 0, pub.pshSet)
}
