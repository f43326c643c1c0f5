// Package handlers implements the HTTP front end for feed reads and
// realtime subscription hand-off to a GRIP proxy.
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/fanout/smartfeed/pkg/errors"
	"github.com/fanout/smartfeed/pkg/feed"
	"github.com/fanout/smartfeed/pkg/feed/cursor"
	"github.com/fanout/smartfeed/pkg/realtime/grip"
	"github.com/labstack/echo/v4"
)

const (
	defaultMaxCount = 50
	maxMaxCount     = 50
)

// FeedService is the read surface the handlers need.
type FeedService interface {
	GetItems(ctx context.Context, feedID string, since, until *cursor.Spec, maxCount int) (*feed.ItemsResult, error)
}

// Handler serves feed reads. Empty reads with wait=true hand the client
// off to the GRIP proxy via hold instructions.
type Handler struct {
	svc         FeedService
	formatter   feed.Formatter
	gripPrefix  string
	gripEntries []grip.ConfigEntry
}

func New(svc FeedService, formatter feed.Formatter, gripPrefix string, gripEntries []grip.ConfigEntry) *Handler {
	return &Handler{
		svc:         svc,
		formatter:   formatter,
		gripPrefix:  gripPrefix,
		gripEntries: gripEntries,
	}
}

// Register mounts the feed routes.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/feeds/:feed/items", h.Items)
	e.GET("/feeds/:feed/stream", h.Stream)
	e.Any("/feeds/:feed/subscriptions", h.Subscriptions)
}

func (h *Handler) Items(c echo.Context) error {
	feedID := c.Param("feed")

	maxCount := defaultMaxCount
	if raw := c.QueryParam("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.String(http.StatusBadRequest, "Bad Request: Invalid max value\n")
		}
		maxCount = n
		if maxCount > maxMaxCount {
			maxCount = maxMaxCount
		}
	}

	var since, until *cursor.Spec
	if raw := c.QueryParam("since"); raw != "" {
		spec, err := cursor.ParseSpec(raw)
		if err != nil {
			return c.String(http.StatusBadRequest, "Bad Request: Invalid since value\n")
		}
		since = spec
	}
	if raw := c.QueryParam("until"); raw != "" {
		spec, err := cursor.ParseSpec(raw)
		if err != nil {
			return c.String(http.StatusBadRequest, "Bad Request: Invalid until value\n")
		}
		until = spec
	}

	wait := false
	if raw := c.QueryParam("wait"); raw != "" {
		switch raw {
		case "true":
			wait = true
		case "false":
		default:
			return c.String(http.StatusBadRequest, "Bad Request: Invalid wait value\n")
		}
	}

	format := feed.AcceptFormat(c.Request().Header.Get("Accept"))

	result, err := h.svc.GetItems(c.Request().Context(), feedID, since, until, maxCount)
	if err != nil {
		return h.errorResponse(c, err)
	}

	if !wait || result.LastCursor == nil || since == nil || len(result.Items) > 0 {
		contentType, body, err := feed.ItemsBody(format, result.Items, result.Total, nil, result.LastCursor, h.formatter)
		if err != nil {
			return h.errorResponse(c, err)
		}
		return c.Blob(http.StatusOK, contentType, body)
	}

	// empty result and the client wants to wait: hand off to the proxy
	if !grip.CheckGripSig(c.Request().Header.Get("Grip-Sig"), h.gripEntries) {
		return c.String(http.StatusNotImplemented, "Error: Realtime endpoint not supported. Set up Pushpin or Fanout.io\n")
	}

	channel := grip.Channel{
		Name:   grip.ChannelName(h.gripPrefix, feedID, format),
		PrevID: *result.LastCursor,
	}
	contentType, timeoutBody, err := feed.ItemsBody(format, nil, nil, nil, result.LastCursor, h.formatter)
	if err != nil {
		return h.errorResponse(c, err)
	}
	instruct, err := grip.CreateHoldResponse([]grip.Channel{channel},
		map[string]string{"Content-Type": contentType}, timeoutBody)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.Blob(http.StatusOK, "application/grip-instruct", instruct)
}

func (h *Handler) Stream(c echo.Context) error {
	feedID := c.Param("feed")
	format := feed.AcceptFormat(c.Request().Header.Get("Accept"))

	if !grip.CheckGripSig(c.Request().Header.Get("Grip-Sig"), h.gripEntries) {
		return c.String(http.StatusNotImplemented, "Error: Realtime endpoint not supported. Set up Pushpin or Fanout.io\n")
	}

	channel := grip.Channel{Name: grip.ChannelName(h.gripPrefix, feedID, format)}
	instruct, err := grip.CreateHoldStream([]grip.Channel{channel},
		map[string]string{"Content-Type": "text/plain"}, nil)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.Blob(http.StatusOK, "application/grip-instruct", instruct)
}

func (h *Handler) Subscriptions(c echo.Context) error {
	return c.String(http.StatusNotImplemented, "Not Implemented: Persistent subscriptions not implemented\n")
}

func (h *Handler) errorResponse(c echo.Context, err error) error {
	status := errors.HTTPStatus(err)
	switch status {
	case http.StatusBadRequest:
		return c.String(status, "Bad Request: "+err.Error()+"\n")
	case http.StatusNotFound:
		return c.String(status, "Not Found: "+err.Error()+"\n")
	case http.StatusNotImplemented:
		return c.String(status, "Not Implemented: "+err.Error()+"\n")
	default:
		return c.String(http.StatusInternalServerError, "Error\n")
	}
}
