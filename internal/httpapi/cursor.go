package httpapi

import (
	"math/rand"
	"strconv"
	"time"
)

// DefaultCursorInterval is the width of one cursor tick.
const DefaultCursorInterval = 20 * time.Second

// cursorEpoch anchors cursor arithmetic: 2024-10-09T00:00:00Z. Cursors are
// intervals elapsed since this instant.
var cursorEpoch = time.Date(2024, time.October, 9, 0, 0, 0, 0, time.UTC)

// nextCursor produces the Stream-Cursor for a response. Cursors only ever
// advance: when the client already holds a cursor at or ahead of the current
// interval (clock skew, previous jitter), the reply jitters further forward
// instead of going backward. Jitter is 1 to 3600 seconds, at least one
// interval.
func nextCursor(clientCursor string, interval time.Duration, now time.Time) string {
	intervalSecs := int64(interval / time.Second)
	if intervalSecs < 1 {
		intervalSecs = 1
	}
	current := now.Unix() - cursorEpoch.Unix()
	if current < 0 {
		current = 0
	}
	current /= intervalSecs

	if clientCursor != "" {
		if client, err := strconv.ParseInt(clientCursor, 10, 64); err == nil && client >= current {
			jitter := (1 + rand.Int63n(3600)) / intervalSecs
			if jitter < 1 {
				jitter = 1
			}
			return strconv.FormatInt(client+jitter, 10)
		}
	}
	return strconv.FormatInt(current, 10)
}
