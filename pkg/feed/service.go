package feed

import (
	"context"
	"time"

	"github.com/fanout/smartfeed/pkg/feed/cursor"
)

// Service is the feed facade. It delegates reads and mutations to the
// storage engine and mediates subscription registrations across the durable
// registry and the realtime publisher. It holds no state of its own.
type Service struct {
	store     Store
	publisher Publisher
}

func NewService(store Store, publisher Publisher) *Service {
	return &Service{store: store, publisher: publisher}
}

func (s *Service) GetItems(ctx context.Context, feedID string, since, until *cursor.Spec, maxCount int) (*ItemsResult, error) {
	return s.store.GetItems(ctx, feedID, since, until, maxCount)
}

func (s *Service) Add(ctx context.Context, base string, data any, id string, notify bool) (*Item, error) {
	return s.store.Add(ctx, base, data, id, notify)
}

func (s *Service) Delete(ctx context.Context, base, id string, notify bool) error {
	return s.store.Delete(ctx, base, id, notify)
}

func (s *Service) ClearExpired(ctx context.Context, base string, ttl time.Duration, deleted bool) (int, error) {
	return s.store.ClearExpired(ctx, base, ttl, deleted)
}

func (s *Service) PshSubSet(ctx context.Context, feedID, uri string) error {
	if err := s.store.PshSubSet(ctx, feedID, uri); err != nil {
		return err
	}
	return s.publisher.PshSubSet(ctx, feedID, uri)
}

func (s *Service) PshSubRemove(ctx context.Context, feedID, uri string) error {
	if err := s.store.PshSubRemove(ctx, feedID, uri); err != nil {
		return err
	}
	return s.publisher.PshSubRemove(ctx, feedID, uri)
}

func (s *Service) XmppSubSet(ctx context.Context, feedID, jid string) error {
	if err := s.store.XmppSubSet(ctx, feedID, jid); err != nil {
		return err
	}
	return s.publisher.XmppSubSet(ctx, feedID, jid)
}

func (s *Service) XmppSubRemove(ctx context.Context, feedID, jid string) error {
	if err := s.store.XmppSubRemove(ctx, feedID, jid); err != nil {
		return err
	}
	return s.publisher.XmppSubRemove(ctx, feedID, jid)
}
