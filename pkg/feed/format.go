package feed

import (
	"encoding/json"
	"strings"

	"github.com/fanout/smartfeed/pkg/errors"
)

// TimeLayout renders item timestamps at second precision, UTC, no zone
// designator.
const TimeLayout = "2006-01-02T15:04:05"

// Wire formats.
const (
	FormatJSON = "json"
	FormatAtom = "atom"
)

// Content types for the wire formats.
const (
	ContentTypeJSON = "application/json"
	ContentTypeAtom = "application/atom+xml"
)

// DefaultFormatter renders items as JSON-ready values. Mapping payloads are
// merged with the meta fields; scalar payloads are wrapped under "value";
// tombstones carry meta only.
type DefaultFormatter struct{}

func (DefaultFormatter) IsSupported(format string) bool {
	return format == FormatJSON
}

func (DefaultFormatter) ToFormat(item *Item, format string) (any, error) {
	if format != FormatJSON {
		return nil, errors.InvalidArgument("unsupported format: "+format, nil)
	}
	out := make(map[string]any)
	if !item.Deleted {
		if m, ok := item.Data.(map[string]any); ok {
			for k, v := range m {
				out[k] = v
			}
		} else {
			out["value"] = item.Data
		}
	}
	out["id"] = item.ID
	out["created"] = item.Created.UTC().Format(TimeLayout)
	out["modified"] = item.Modified.UTC().Format(TimeLayout)
	if item.Deleted {
		out["deleted"] = true
	}
	return out, nil
}

type itemsBody struct {
	Items      []any   `json:"items"`
	Total      *int    `json:"total,omitempty"`
	PrevCursor *string `json:"prev_cursor,omitempty"`
	LastCursor *string `json:"last_cursor,omitempty"`
}

// ItemsBody renders a full items document for the given format, returning
// the content type and body. prevCursor and lastCursor are included when
// non-nil; the empty cursor sentinel is preserved. A nil formatter falls
// back to DefaultFormatter.
func ItemsBody(format string, items []*Item, total *int, prevCursor, lastCursor *string, formatter Formatter) (string, []byte, error) {
	switch format {
	case FormatAtom:
		return "", nil, errors.Unimplemented("atom format not implemented", nil)
	case FormatJSON:
		if formatter == nil {
			formatter = DefaultFormatter{}
		}
		body := itemsBody{
			Items:      make([]any, 0, len(items)),
			Total:      total,
			PrevCursor: prevCursor,
			LastCursor: lastCursor,
		}
		for _, item := range items {
			v, err := formatter.ToFormat(item, FormatJSON)
			if err != nil {
				return "", nil, err
			}
			body.Items = append(body.Items, v)
		}
		data, err := json.MarshalIndent(&body, "", "    ")
		if err != nil {
			return "", nil, errors.Wrap(err, "failed to marshal items body")
		}
		return ContentTypeJSON, append(data, '\n'), nil
	default:
		return "", nil, errors.InvalidArgument("unsupported format: "+format, nil)
	}
}

// AcceptFormat negotiates a wire format from an Accept header, defaulting
// to json when nothing matches.
func AcceptFormat(accept string) string {
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, _ := strings.Cut(part, ";")
		if strings.TrimSpace(mediaType) == ContentTypeAtom {
			return FormatAtom
		}
	}
	return FormatJSON
}
