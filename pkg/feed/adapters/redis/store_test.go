package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fanout/smartfeed/pkg/feed"
	"github.com/fanout/smartfeed/pkg/feed/cursor"
	"github.com/fanout/smartfeed/pkg/test"
	"github.com/redis/go-redis/v9"
)

type fakePublish struct {
	feedID     string
	item       *feed.Item
	total      *int
	cursor     string
	prevCursor string
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []fakePublish
}

func (p *fakePublisher) Publish(ctx context.Context, feedID string, item *feed.Item, total *int, cur, prev string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fakePublish{feedID: feedID, item: item, total: total, cursor: cur, prevCursor: prev})
	return nil
}

func (p *fakePublisher) PshSubSet(ctx context.Context, feedID, uri string) error    { return nil }
func (p *fakePublisher) PshSubRemove(ctx context.Context, feedID, uri string) error { return nil }
func (p *fakePublisher) XmppSubSet(ctx context.Context, feedID, jid string) error   { return nil }
func (p *fakePublisher) XmppSubRemove(ctx context.Context, feedID, jid string) error {
	return nil
}

func (p *fakePublisher) callsFor(feedID string) []fakePublish {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []fakePublish
	for _, call := range p.calls {
		if call.feedID == feedID {
			out = append(out, call)
		}
	}
	return out
}

type StoreSuite struct {
	test.Suite
	mr     *miniredis.Miniredis
	client *redis.Client
	pub    *fakePublisher
	store  *Store
	nowVal time.Time
}

func TestStoreSuite(t *testing.T) {
	test.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	s.Suite.SetupTest()

	mr, err := miniredis.Run()
	s.Require().NoError(err)
	s.mr = mr

	s.client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s.pub = &fakePublisher{}
	s.store = New(s.client, Config{}, s.pub)

	s.nowVal = time.Date(2014, 6, 1, 12, 0, 0, 0, time.UTC)
	s.store.now = func() time.Time { return s.nowVal }
}

func (s *StoreSuite) TearDownTest() {
	s.client.Close()
	s.mr.Close()
}

func (s *StoreSuite) advance(d time.Duration) {
	s.nowVal = s.nowVal.Add(d)
}

func (s *StoreSuite) mustAdd(base, id string, data any) *feed.Item {
	item, err := s.store.Add(s.Ctx, base, data, id, true)
	s.Require().NoError(err)
	return item
}

func (s *StoreSuite) mustGet(feedID string, since, until *cursor.Spec, max int) *feed.ItemsResult {
	result, err := s.store.GetItems(s.Ctx, feedID, since, until, max)
	s.Require().NoError(err)
	return result
}

func sinceCursor(token string) *cursor.Spec {
	return &cursor.Spec{Kind: cursor.KindCursor, Value: token}
}

func itemIDs(items []*feed.Item) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}

func (s *StoreSuite) TestAddAndGetItems() {
	item := s.mustAdd("f", "1", "A")
	s.Equal("1", item.ID)
	s.Equal(s.nowVal, item.Created)
	s.Equal(s.nowVal, item.Modified)
	s.False(item.Deleted)

	result := s.mustGet("f-created", nil, nil, 50)
	s.Require().Len(result.Items, 1)
	s.Equal("1", result.Items[0].ID)
	s.Equal("A", result.Items[0].Data)
	s.Equal(s.nowVal, result.Items[0].Created)
	s.Require().NotNil(result.LastCursor)
	s.NotEqual("", *result.LastCursor)
}

func (s *StoreSuite) TestTieBlockCursorPagination() {
	ts := s.nowVal.Unix()
	s.mustAdd("f", "1", "A")
	s.mustAdd("f", "2", "B")

	result := s.mustGet("f-created", nil, nil, 1)
	s.Require().Len(result.Items, 1)
	s.Equal("1", result.Items[0].ID)
	s.Require().NotNil(result.LastCursor)
	s.Equal(cursor.Make(ts, 0, []string{"1"}), *result.LastCursor)

	result = s.mustGet("f-created", sinceCursor(*result.LastCursor), nil, 1)
	s.Require().Len(result.Items, 1)
	s.Equal("2", result.Items[0].ID)
	s.Require().NotNil(result.LastCursor)
	s.Equal(cursor.Make(ts, 1, []string{"1", "2"}), *result.LastCursor)
}

func (s *StoreSuite) TestCursorRoundTrip() {
	s.mustAdd("f", "1", "A")
	s.mustAdd("f", "2", "B")

	result := s.mustGet("f-created", nil, nil, 50)
	s.Require().Len(result.Items, 2)
	token := *result.LastCursor

	// re-issuing at the returned cursor with no writes in between returns
	// nothing and echoes the cursor
	result = s.mustGet("f-created", sinceCursor(token), nil, 50)
	s.Empty(result.Items)
	s.Require().NotNil(result.LastCursor)
	s.Equal(token, *result.LastCursor)
}

func (s *StoreSuite) TestMonotoneProgress() {
	ids := []string{"a", "b", "c", "d", "e"}
	for n, id := range ids {
		if n > 0 {
			s.advance(time.Second)
		}
		s.mustAdd("f", id, n)
	}

	var got []string
	var since *cursor.Spec
	for {
		result := s.mustGet("f-created", since, nil, 2)
		if len(result.Items) == 0 {
			break
		}
		got = append(got, itemIDs(result.Items)...)
		s.Require().NotNil(result.LastCursor)
		since = sinceCursor(*result.LastCursor)
	}
	s.Equal(ids, got)
}

func (s *StoreSuite) TestCursorFallbackAfterTrim() {
	ts := s.nowVal.Unix()
	s.mustAdd("f", "1", "A")
	s.mustAdd("f", "2", "B")

	result := s.mustGet("f-created", nil, nil, 1)
	s.Require().Len(result.Items, 1)
	stale := *result.LastCursor

	// physically remove item 1, as a trim would
	s.Require().NoError(s.client.HDel(s.Ctx, "f-items", "1").Err())
	s.Require().NoError(s.client.ZRem(s.Ctx, "f-index-created", "1").Err())
	s.Require().NoError(s.client.ZRem(s.Ctx, "f-index-modified", "1").Err())

	// the checksum no longer matches, so the read falls back to a time
	// query at the cursor's timestamp
	result = s.mustGet("f-created", sinceCursor(stale), nil, 50)
	s.Require().Len(result.Items, 1)
	s.Equal("2", result.Items[0].ID)
	for _, item := range result.Items {
		s.GreaterOrEqual(item.Created.Unix(), ts)
	}
}

func (s *StoreSuite) TestDescendingPagination() {
	s.mustAdd("f", "1", "A")
	s.advance(time.Second)
	s.mustAdd("f", "2", "B")
	s.advance(time.Second)
	s.mustAdd("f", "3", "C")

	result := s.mustGet("f--created", nil, nil, 2)
	s.Equal([]string{"3", "2"}, itemIDs(result.Items))
	s.Require().NotNil(result.LastCursor)

	result = s.mustGet("f--created", sinceCursor(*result.LastCursor), nil, 2)
	s.Equal([]string{"1"}, itemIDs(result.Items))
	// terminal: no cursor
	s.Nil(result.LastCursor)
}

func (s *StoreSuite) TestDescendingTieBlock() {
	ts := s.nowVal.Unix()
	s.mustAdd("f", "1", "A")
	s.mustAdd("f", "2", "B")
	s.mustAdd("f", "3", "C")

	// descending ties iterate in reverse lexical order
	result := s.mustGet("f--created", nil, nil, 2)
	s.Equal([]string{"3", "2"}, itemIDs(result.Items))
	s.Require().NotNil(result.LastCursor)
	s.Equal(cursor.Make(ts, 1, []string{"1", "2"}), *result.LastCursor)

	result = s.mustGet("f--created", sinceCursor(*result.LastCursor), nil, 2)
	s.Equal([]string{"1"}, itemIDs(result.Items))
	s.Nil(result.LastCursor)
}

func (s *StoreSuite) TestDeleteTombstone() {
	s.mustAdd("f", "1", "A")
	s.advance(time.Second)
	s.Require().NoError(s.store.Delete(s.Ctx, "f", "1", true))

	result := s.mustGet("f-modified", nil, nil, 50)
	s.Require().Len(result.Items, 1)
	s.True(result.Items[0].Deleted)
	s.Equal(s.nowVal, result.Items[0].Modified)

	result = s.mustGet("f-deleted", nil, nil, 50)
	s.Equal([]string{"1"}, itemIDs(result.Items))

	// still present under created
	result = s.mustGet("f-created", nil, nil, 50)
	s.Equal([]string{"1"}, itemIDs(result.Items))
	s.True(result.Items[0].Deleted)
}

func (s *StoreSuite) TestDeleteMissing() {
	err := s.store.Delete(s.Ctx, "f", "nope", true)
	s.ErrorIs(err, feed.ErrItemDoesNotExist)

	s.mustAdd("f", "1", "A")
	s.Require().NoError(s.store.Delete(s.Ctx, "f", "1", true))
	err = s.store.Delete(s.Ctx, "f", "1", true)
	s.ErrorIs(err, feed.ErrItemDoesNotExist)
}

func (s *StoreSuite) TestUpdatePreservesCreated() {
	first := s.mustAdd("f", "1", "A")
	s.advance(5 * time.Second)
	second := s.mustAdd("f", "1", "B")

	s.Equal(first.Created, second.Created)
	s.Equal(s.nowVal, second.Modified)
	s.Equal("B", second.Data)

	result := s.mustGet("f-modified", nil, nil, 50)
	s.Require().Len(result.Items, 1)
	s.Equal("B", result.Items[0].Data)
	s.Equal(first.Created, result.Items[0].Created)
}

func (s *StoreSuite) TestGeneratedID() {
	item := s.mustAdd("f", "", map[string]any{"k": "v"})
	s.NotEmpty(item.ID)

	result := s.mustGet("f-created", nil, nil, 50)
	s.Equal([]string{item.ID}, itemIDs(result.Items))
}

func (s *StoreSuite) TestClearExpired() {
	s.mustAdd("f", "1", "A")
	s.mustAdd("f", "2", "B")
	s.Require().NoError(s.store.Delete(s.Ctx, "f", "1", true))

	// not old enough yet
	cleared, err := s.store.ClearExpired(s.Ctx, "f", time.Minute, true)
	s.Require().NoError(err)
	s.Equal(0, cleared)

	s.advance(2 * time.Minute)
	cleared, err = s.store.ClearExpired(s.Ctx, "f", time.Minute, true)
	s.Require().NoError(err)
	s.Equal(1, cleared)

	// only the tombstone is gone, and every index agrees
	s.False(s.mr.Exists("f-index-deleted"))
	result := s.mustGet("f-created", nil, nil, 50)
	s.Equal([]string{"2"}, itemIDs(result.Items))
	result = s.mustGet("f-modified", nil, nil, 50)
	s.Equal([]string{"2"}, itemIDs(result.Items))
	exists, err := s.client.HExists(s.Ctx, "f-items", "1").Result()
	s.Require().NoError(err)
	s.False(exists)
}

func (s *StoreSuite) TestSinceID() {
	s.mustAdd("f", "1", "A")
	s.advance(time.Second)
	s.mustAdd("f", "2", "B")
	s.advance(time.Second)
	s.mustAdd("f", "3", "C")

	result := s.mustGet("f-created", &cursor.Spec{Kind: cursor.KindID, Value: "1"}, nil, 50)
	s.Equal([]string{"2", "3"}, itemIDs(result.Items))

	// since the last item: empty window, cursor points at it
	result = s.mustGet("f-created", &cursor.Spec{Kind: cursor.KindID, Value: "3"}, nil, 50)
	s.Empty(result.Items)
	s.Require().NotNil(result.LastCursor)
	s.Equal(cursor.Make(s.nowVal.Unix(), 0, []string{"3"}), *result.LastCursor)
}

func (s *StoreSuite) TestSinceIDUnknown() {
	s.mustAdd("f", "1", "A")
	_, err := s.store.GetItems(s.Ctx, "f-created", &cursor.Spec{Kind: cursor.KindID, Value: "nope"}, nil, 50)
	s.ErrorIs(err, feed.ErrInvalidSpec)
}

func (s *StoreSuite) TestUntilID() {
	s.mustAdd("f", "1", "A")
	s.advance(time.Second)
	s.mustAdd("f", "2", "B")
	s.advance(time.Second)
	s.mustAdd("f", "3", "C")

	result := s.mustGet("f-created", nil, &cursor.Spec{Kind: cursor.KindID, Value: "3"}, 50)
	s.Equal([]string{"1", "2"}, itemIDs(result.Items))
}

func (s *StoreSuite) TestSinceTime() {
	s.mustAdd("f", "1", "A")
	s.advance(time.Second)
	s.mustAdd("f", "2", "B")

	spec := &cursor.Spec{Kind: cursor.KindTime, Value: s.nowVal.Format(feed.TimeLayout)}
	result := s.mustGet("f-created", spec, nil, 50)
	s.Equal([]string{"2"}, itemIDs(result.Items))

	// an empty time window still yields a cursor at the previous tie-block
	spec = &cursor.Spec{Kind: cursor.KindTime, Value: s.nowVal.Add(10 * time.Second).Format(feed.TimeLayout)}
	result = s.mustGet("f-created", spec, nil, 50)
	s.Empty(result.Items)
	s.Require().NotNil(result.LastCursor)
	s.Equal(cursor.Make(s.nowVal.Unix(), 0, []string{"2"}), *result.LastCursor)
}

func (s *StoreSuite) TestEmptyFeed() {
	result := s.mustGet("f-created", nil, nil, 50)
	s.Empty(result.Items)
	s.Require().NotNil(result.LastCursor)
	s.Equal("", *result.LastCursor)

	// descending: terminal, no cursor
	result = s.mustGet("f--created", nil, nil, 50)
	s.Empty(result.Items)
	s.Nil(result.LastCursor)
}

func (s *StoreSuite) TestUnsupportedSpec() {
	_, err := s.store.GetItems(s.Ctx, "f-created", &cursor.Spec{Kind: "rank", Value: "5"}, nil, 50)
	s.ErrorIs(err, feed.ErrUnsupportedSpec)
}

func (s *StoreSuite) TestBadFeedID() {
	_, err := s.store.GetItems(s.Ctx, "nodash", nil, nil, 50)
	s.ErrorIs(err, feed.ErrFeedDoesNotExist)
}

func (s *StoreSuite) TestEncodedBase() {
	base := "my-feed_1"
	s.mustAdd(base, "1", "A")

	encBase := cursor.EncodeIDPart(base)
	result := s.mustGet(encBase+"-created", nil, nil, 50)
	s.Equal([]string{"1"}, itemIDs(result.Items))

	// keys carry the encoded base
	s.True(s.mr.Exists(encBase + "-items"))
}
