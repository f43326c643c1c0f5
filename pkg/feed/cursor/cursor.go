// Package cursor implements the identifier codec and position tokens used
// by feed pagination.
//
// Feed ids and channel names are compound keys built by joining encoded
// components with '-'. EncodeIDPart escapes the join characters so the
// compound form splits unambiguously. Cursors are opaque position tokens of
// the form "<ts>_<offset>_<crc32>" identifying a point inside the run of
// items sharing a timestamp score.
package cursor

import (
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/fanout/smartfeed/pkg/errors"
)

var (
	// ErrBadEncoding indicates an encoded id component that does not decode.
	ErrBadEncoding = errors.InvalidArgument("bad format of encoded id", nil)

	// ErrInvalidSpec indicates a position spec string without a type.
	ErrInvalidSpec = errors.InvalidArgument("position spec missing type", nil)

	// ErrInvalidCursor indicates a malformed cursor token.
	ErrInvalidCursor = errors.InvalidArgument("bad cursor format", nil)
)

// EncodeIDPart escapes '\', '-' and '_' so the result can be joined with
// other encoded components using '-'.
func EncodeIDPart(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\', '-', '_':
			fmt.Fprintf(&b, "\\x%02x", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// DecodeIDPart is the inverse of EncodeIDPart.
func DecodeIDPart(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); {
		if s[i] == '\\' {
			if i+3 >= len(s) || s[i+1] != 'x' {
				return "", ErrBadEncoding
			}
			v, err := strconv.ParseUint(s[i+2:i+4], 16, 8)
			if err != nil {
				return "", ErrBadEncoding
			}
			b.WriteByte(byte(v))
			i += 4
		} else {
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String(), nil
}

// Kind classifies a position spec.
type Kind string

const (
	KindID     Kind = "id"
	KindTime   Kind = "time"
	KindCursor Kind = "cursor"
)

// Spec is a parsed position specification. Unknown kinds are carried
// through for the storage engine to reject.
type Spec struct {
	Kind  Kind
	Value string
}

// ParseSpec splits "<type>:<value>" on the first colon. The type must be at
// least one character.
func ParseSpec(s string) (*Spec, error) {
	at := strings.Index(s, ":")
	if at < 1 {
		return nil, ErrInvalidSpec
	}
	return &Spec{Kind: Kind(s[:at]), Value: s[at+1:]}, nil
}

// Checksum computes the CRC32 over the '_'-joined ids, formatted as an
// unsigned decimal string.
func Checksum(ids []string) string {
	crc := crc32.ChecksumIEEE([]byte(strings.Join(ids, "_")))
	return strconv.FormatUint(uint64(crc), 10)
}

// Make formats a cursor token for the position offset within a tie-block.
// ids must be the tie-block id prefix up to and including the position.
func Make(ts int64, offset int, ids []string) string {
	return strconv.FormatInt(ts, 10) + "_" + strconv.Itoa(offset) + "_" + Checksum(ids)
}

// Parsed is a decoded cursor token. The empty token parses to the sentinel
// position (zero timestamp, no offset or checksum).
type Parsed struct {
	TS        int64
	Offset    int
	Checksum  string
	HasOffset bool
}

// Parse decodes a cursor token.
func Parse(token string) (Parsed, error) {
	if token == "" {
		return Parsed{}, nil
	}
	parts := strings.Split(token, "_")
	if len(parts) != 3 {
		return Parsed{}, ErrInvalidCursor
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || ts < 0 {
		return Parsed{}, ErrInvalidCursor
	}
	offset, err := strconv.Atoi(parts[1])
	if err != nil || offset < 0 {
		return Parsed{}, ErrInvalidCursor
	}
	return Parsed{TS: ts, Offset: offset, Checksum: parts[2], HasOffset: true}, nil
}
