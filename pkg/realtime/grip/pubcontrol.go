package grip

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fanout/smartfeed/pkg/errors"
	"github.com/fanout/smartfeed/pkg/logger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const publishQueueSize = 256

// PubControl publishes EPCP items to a single control endpoint. Publish
// delivers synchronously; PublishAsync is fire-and-forget through an
// internal queue, which Close flushes.
type PubControl struct {
	uri    string
	iss    string
	key    []byte
	client *http.Client

	queue chan queuedItem
	wg    sync.WaitGroup
	once  sync.Once
}

type queuedItem struct {
	channel string
	item    *Item
}

// NewPubControl creates a client for one control endpoint and starts its
// delivery worker.
func NewPubControl(uri string) *PubControl {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = nil

	baseTransport := rc.HTTPClient.Transport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}
	rc.HTTPClient.Transport = otelhttp.NewTransport(baseTransport)

	p := &PubControl{
		uri:    strings.TrimRight(uri, "/"),
		client: rc.StandardClient(),
		queue:  make(chan queuedItem, publishQueueSize),
	}
	p.wg.Add(1)
	go p.worker()
	return p
}

// SetAuthJWT configures claim-based auth: each publish carries a token
// with the given issuer, signed with key.
func (p *PubControl) SetAuthJWT(iss string, key []byte) {
	p.iss = iss
	p.key = key
}

// Publish delivers one item synchronously.
func (p *PubControl) Publish(ctx context.Context, channel string, item *Item) error {
	return p.post(ctx, channel, item)
}

// PublishAsync queues one item for delivery. It blocks only when the
// queue is full.
func (p *PubControl) PublishAsync(channel string, item *Item) {
	p.queue <- queuedItem{channel: channel, item: item}
}

// Close stops accepting publishes and waits for the queue to drain.
func (p *PubControl) Close() {
	p.once.Do(func() {
		close(p.queue)
	})
	p.wg.Wait()
}

func (p *PubControl) worker() {
	defer p.wg.Done()
	for q := range p.queue {
		if err := p.post(context.Background(), q.channel, q.item); err != nil {
			logger.L().Error("async publish failed",
				"uri", p.uri, "channel", q.channel, "error", err)
		}
	}
}

func (p *PubControl) post(ctx context.Context, channel string, item *Item) error {
	body, err := json.Marshal(map[string]any{
		"items": []any{item.export(channel)},
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal publish body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.uri+"/publish/", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build publish request")
	}
	req.Header.Set("Content-Type", "application/json")

	if p.iss != "" {
		claims := jwt.MapClaims{
			"iss": p.iss,
			"exp": jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.key)
		if err != nil {
			return errors.Wrap(err, "failed to sign auth claim")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Unavailable("publish transport failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Unavailable("publish rejected: "+resp.Status, nil)
	}
	return nil
}

// PubControlSet fans one publish out to every configured control endpoint.
type PubControlSet struct {
	pubs []*PubControl
}

func NewPubControlSet() *PubControlSet {
	return &PubControlSet{}
}

// Add registers an endpoint client.
func (s *PubControlSet) Add(pub *PubControl) {
	s.pubs = append(s.pubs, pub)
}

// ApplyConfig creates clients for every entry with a control URI.
func (s *PubControlSet) ApplyConfig(entries []ConfigEntry) {
	for _, entry := range entries {
		if entry.ControlURI == "" {
			continue
		}
		pub := NewPubControl(entry.ControlURI)
		if entry.ControlISS != "" {
			pub.SetAuthJWT(entry.ControlISS, []byte(entry.Key))
		}
		s.Add(pub)
	}
}

// Publish delivers to all endpoints concurrently and reports the first
// failure.
func (s *PubControlSet) Publish(ctx context.Context, channel string, item *Item) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, pub := range s.pubs {
		pub := pub
		g.Go(func() error {
			return pub.Publish(ctx, channel, item)
		})
	}
	return g.Wait()
}

// PublishAsync queues the item on every endpoint.
func (s *PubControlSet) PublishAsync(channel string, item *Item) {
	for _, pub := range s.pubs {
		pub.PublishAsync(channel, item)
	}
}

// Close flushes and stops every endpoint client.
func (s *PubControlSet) Close() {
	for _, pub := range s.pubs {
		pub.Close()
	}
}
