package grip

import (
	"context"
	"encoding/json"

	"github.com/fanout/smartfeed/pkg/errors"
	"github.com/fanout/smartfeed/pkg/feed"
)

// Publisher implements feed.Publisher over EPCP. Each event is published
// once per supported format, on the format's channel, carrying response,
// stream and request framings of the same logical event.
type Publisher struct {
	set       *PubControlSet
	prefix    string
	formatter feed.Formatter
}

// NewPublisher creates a Publisher. A nil formatter publishes json only.
func NewPublisher(set *PubControlSet, prefix string, formatter feed.Formatter) *Publisher {
	return &Publisher{set: set, prefix: prefix, formatter: formatter}
}

func (p *Publisher) Publish(ctx context.Context, feedID string, item *feed.Item, total *int, cursor, prevCursor string) error {
	for _, format := range []string{feed.FormatAtom, feed.FormatJSON} {
		supported := format == feed.FormatJSON
		if p.formatter != nil {
			supported = p.formatter.IsSupported(format)
		}
		if !supported {
			continue
		}
		if err := p.publish(feedID, item, format, total, cursor, prevCursor); err != nil {
			return err
		}
	}
	return nil
}

type streamEvent struct {
	Cursor     string `json:"cursor"`
	PrevCursor string `json:"prev_cursor"`
	Total      *int   `json:"total,omitempty"`
	Item       any    `json:"item"`
}

func (p *Publisher) makeItem(item *feed.Item, format string, total *int, cursor, prevCursor string) (*Item, error) {
	// response framing: a full items document positioned at this cursor
	respType, respBody, err := feed.ItemsBody(format, []*feed.Item{item}, total, nil, &cursor, p.formatter)
	if err != nil {
		return nil, err
	}

	// stream framing: one event per line
	formatter := p.formatter
	if formatter == nil {
		formatter = feed.DefaultFormatter{}
	}
	formatted, err := formatter.ToFormat(item, format)
	if err != nil {
		return nil, err
	}
	streamBody, err := json.Marshal(&streamEvent{
		Cursor:     cursor,
		PrevCursor: prevCursor,
		Total:      total,
		Item:       formatted,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal stream event")
	}
	streamBody = append(streamBody, '\n')

	// request framing: a webhook body carrying both cursors
	reqType, reqBody, err := feed.ItemsBody(format, []*feed.Item{item}, total, &prevCursor, &cursor, p.formatter)
	if err != nil {
		return nil, err
	}

	return &Item{
		ID:     cursor,
		PrevID: prevCursor,
		Formats: []Format{
			&HTTPResponseFormat{Headers: map[string]string{"Content-Type": respType}, Body: respBody},
			&HTTPStreamFormat{Content: streamBody},
			&HTTPRequestFormat{Headers: map[string]string{"Content-Type": reqType}, Body: reqBody},
		},
	}, nil
}

func (p *Publisher) publish(feedID string, item *feed.Item, format string, total *int, cursor, prevCursor string) error {
	pubItem, err := p.makeItem(item, format, total, cursor, prevCursor)
	if err != nil {
		return err
	}
	p.set.PublishAsync(ChannelName(p.prefix, feedID, format), pubItem)
	return nil
}

// Subscription management is an out-of-scope hook on this publisher.

func (p *Publisher) PshSubSet(ctx context.Context, feedID, uri string) error {
	return errors.Unimplemented("PubSubHubbub subscriptions not implemented", nil)
}

func (p *Publisher) PshSubRemove(ctx context.Context, feedID, uri string) error {
	return errors.Unimplemented("PubSubHubbub subscriptions not implemented", nil)
}

func (p *Publisher) XmppSubSet(ctx context.Context, feedID, jid string) error {
	return errors.Unimplemented("XMPP subscriptions not implemented", nil)
}

func (p *Publisher) XmppSubRemove(ctx context.Context, feedID, jid string) error {
	return errors.Unimplemented("XMPP subscriptions not implemented", nil)
}
