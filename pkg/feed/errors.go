package feed

import (
	"github.com/fanout/smartfeed/pkg/errors"
	"github.com/fanout/smartfeed/pkg/feed/cursor"
)

var (
	// ErrInvalidSpec indicates a position spec that cannot be resolved
	// against the feed (bad value, unknown id).
	ErrInvalidSpec = errors.InvalidArgument("invalid position spec", nil)

	// ErrUnsupportedSpec indicates a position spec type the engine does not
	// implement.
	ErrUnsupportedSpec = errors.InvalidArgument("position spec not supported", nil)

	// ErrSpecMismatch indicates since/until specs that contradict each other.
	ErrSpecMismatch = errors.InvalidArgument("position specs do not agree", nil)

	// ErrFeedDoesNotExist indicates a feed id that does not parse into a
	// base and an order.
	ErrFeedDoesNotExist = errors.NotFound("feed does not exist", nil)

	// ErrItemDoesNotExist indicates a reference to an absent (or already
	// tombstoned) item.
	ErrItemDoesNotExist = errors.NotFound("item does not exist", nil)

	// ErrBadEncoding indicates an id component that does not decode.
	ErrBadEncoding = cursor.ErrBadEncoding

	// ErrDataCorruption indicates stored item JSON that no longer
	// deserializes.
	ErrDataCorruption = errors.Internal("stored item is corrupt", nil)

	// ErrTransport indicates a publish transport failure.
	ErrTransport = errors.Unavailable("publish transport failed", nil)
)
