package grip

import (
	"encoding/json"

	"github.com/fanout/smartfeed/pkg/errors"
	"github.com/fanout/smartfeed/pkg/feed/cursor"
	"github.com/golang-jwt/jwt/v5"
)

// ConfigEntry describes one GRIP proxy: where to publish and which key
// signs its requests and its Grip-Sig headers.
type ConfigEntry struct {
	// ControlURI is the proxy's EPCP endpoint base.
	ControlURI string `json:"control_uri"`

	// ControlISS, when set, enables claim-based auth: publishes carry a
	// JWT with this issuer, signed with Key.
	ControlISS string `json:"control_iss,omitempty"`

	// Key signs auth claims and verifies Grip-Sig headers.
	Key string `json:"key,omitempty"`
}

// ChannelName builds the per-format channel for a feed:
// "<prefix><enc_feed_id>-<enc_format>".
func ChannelName(prefix, feedID, format string) string {
	return prefix + cursor.EncodeIDPart(feedID) + "-" + cursor.EncodeIDPart(format)
}

// ValidateSig verifies a Grip-Sig JWT against a proxy key.
func ValidateSig(sig string, key []byte) bool {
	token, err := jwt.Parse(sig, func(t *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && token.Valid
}

// CheckGripSig reports whether the Grip-Sig header validates against any
// configured proxy key.
func CheckGripSig(sig string, entries []ConfigEntry) bool {
	for _, entry := range entries {
		if entry.Key == "" {
			continue
		}
		if ValidateSig(sig, []byte(entry.Key)) {
			return true
		}
	}
	return false
}

// Format is one wire framing of a published event.
type Format interface {
	Name() string
	Export() any
}

// HTTPResponseFormat frames an event as a complete HTTP response body, for
// long-poll subscribers.
type HTTPResponseFormat struct {
	Code    int
	Headers map[string]string
	Body    []byte
}

func (f *HTTPResponseFormat) Name() string { return "http-response" }

func (f *HTTPResponseFormat) Export() any {
	out := make(map[string]any)
	if f.Code != 0 {
		out["code"] = f.Code
	}
	if len(f.Headers) > 0 {
		out["headers"] = f.Headers
	}
	out["body"] = string(f.Body)
	return out
}

// HTTPStreamFormat frames an event as a chunk appended to an open stream.
type HTTPStreamFormat struct {
	Content []byte
}

func (f *HTTPStreamFormat) Name() string { return "http-stream" }

func (f *HTTPStreamFormat) Export() any {
	return map[string]any{"content": string(f.Content)}
}

// HTTPRequestFormat frames an event as a webhook request body, for
// push-to-URL subscribers.
type HTTPRequestFormat struct {
	Headers map[string]string
	Body    []byte
}

func (f *HTTPRequestFormat) Name() string { return "http-request" }

func (f *HTTPRequestFormat) Export() any {
	out := make(map[string]any)
	if len(f.Headers) > 0 {
		out["headers"] = f.Headers
	}
	out["body"] = string(f.Body)
	return out
}

// Item is one publishable event: a set of framings plus chaining ids.
type Item struct {
	ID      string
	PrevID  string
	Formats []Format
}

func (i *Item) export(channel string) map[string]any {
	formats := make(map[string]any, len(i.Formats))
	for _, f := range i.Formats {
		formats[f.Name()] = f.Export()
	}
	out := map[string]any{
		"channel": channel,
		"formats": formats,
	}
	if i.ID != "" {
		out["id"] = i.ID
	}
	if i.PrevID != "" {
		out["prev-id"] = i.PrevID
	}
	return out
}

// Channel identifies a subscription channel in a hold instruction,
// optionally anchored at the last seen message id.
type Channel struct {
	Name   string `json:"name"`
	PrevID string `json:"prev-id,omitempty"`
}

type holdResponse struct {
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

type holdInstruct struct {
	Hold struct {
		Mode     string    `json:"mode"`
		Channels []Channel `json:"channels"`
	} `json:"hold"`
	Response *holdResponse `json:"response,omitempty"`
}

func createHold(mode string, channels []Channel, headers map[string]string, body []byte) ([]byte, error) {
	var instruct holdInstruct
	instruct.Hold.Mode = mode
	instruct.Hold.Channels = channels
	if len(headers) > 0 || len(body) > 0 {
		instruct.Response = &holdResponse{Headers: headers, Body: string(body)}
	}
	data, err := json.Marshal(&instruct)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal hold instruction")
	}
	return data, nil
}

// CreateHoldResponse builds a GRIP long-poll hold instruction with the
// given timeout response.
func CreateHoldResponse(channels []Channel, headers map[string]string, body []byte) ([]byte, error) {
	return createHold("response", channels, headers, body)
}

// CreateHoldStream builds a GRIP stream hold instruction with the given
// initial response.
func CreateHoldStream(channels []Channel, headers map[string]string, body []byte) ([]byte, error) {
	return createHold("stream", channels, headers, body)
}
