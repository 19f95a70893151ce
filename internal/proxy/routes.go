package proxy

import (
	"net/http"
	"strings"
)

// RouteKey canonicalizes a request path into a ratelimit bucket key.
// Snowflake segments collapse to :id, the emoji segment after "reactions"
// collapses to :id, and webhook tokens collapse to :token. Message deletes
// get their own bucket as Discord ratelimits them separately from other
// operations on the same route.
func RouteKey(method string, path string) string {
	// Already canonicalized delete keys are fixed points.
	if strings.HasPrefix(path, http.MethodDelete+"/") {
		return path
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")

	for i, segment := range segments {
		if segment == "" {
			continue
		}

		switch {
		case isSnowflake(segment):
			segments[i] = ":id"
		case i > 0 && segments[i-1] == "reactions":
			segments[i] = ":id"
		case i == 2 && segments[0] == "webhooks":
			segments[i] = ":token"
		}
	}

	key := "/" + strings.Join(segments, "/")

	if method == http.MethodDelete && len(segments) >= 2 &&
		segments[len(segments)-2] == "messages" && segments[len(segments)-1] == ":id" {
		key = http.MethodDelete + key
	}

	return key
}

func isSnowflake(segment string) bool {
	if segment == "" {
		return false
	}

	for _, r := range segment {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}
