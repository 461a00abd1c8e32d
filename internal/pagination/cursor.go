// Package pagination implements opaque keyset cursors for list endpoints.
//
// A cursor encodes the (created_at, id) pair of the last item on a page.
// Stores use it to resume a keyset scan, which stays stable while new
// rows are inserted, unlike offset pagination.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed is returned by Decode for cursors that did not come from
// Encode.
var ErrMalformed = errors.New("malformed cursor")

// Cursor is a decoded page position.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode packs a page position into an opaque URL-safe token.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode unpacks a token produced by Encode. An empty token decodes to
// nil, meaning start from the newest item.
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrMalformed
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrMalformed
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, ErrMalformed
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage trims an over-fetched result down to limit items. Callers
// fetch limit+1 rows; the extra row, if present, proves there is another
// page and the cursor for it is derived from the last kept item via key.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
