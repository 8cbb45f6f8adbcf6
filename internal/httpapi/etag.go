package httpapi

import (
	"encoding/base64"
	"strings"

	"github.com/durable-streams/streamd/internal/offset"
)

// computeETag derives the entity tag for a read response. The tag covers the
// byte range served plus whether the response conveyed closed-at-tail state,
// so a close invalidates caches even without new bytes.
func computeETag(path string, start, end offset.Offset, closedAtTail bool) string {
	tag := base64.StdEncoding.EncodeToString([]byte(path)) +
		":" + start.String() + ":" + end.String()
	if closedAtTail {
		tag += ":c"
	}
	return `"` + tag + `"`
}

// etagMatches implements If-None-Match comparison, including the `*` form
// and multiple comma-separated candidates. Weak validators compare by their
// opaque part.
func etagMatches(ifNoneMatch, tag string) bool {
	if ifNoneMatch == "" {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == tag {
			return true
		}
	}
	return false
}
