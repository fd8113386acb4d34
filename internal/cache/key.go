package cache

import "net/http"

// Key canonicalizes a request to its cache key: method and URL without the
// fragment. Two requests for the same resource always share a key.
func Key(method, url string) string {
	for i := 0; i < len(url); i++ {
		if url[i] == '#' {
			url = url[:i]

			break
		}
	}

	return method + " " + url
}

// RequestKey builds the canonical key for an inbound request.
func RequestKey(r *http.Request) string {
	return Key(r.Method, r.URL.String())
}

// RangeKey builds the key for a ranged video request. Distinct byte ranges
// must never collide, so the range header is part of the key; serving the
// wrong range from cache breaks seek during playback.
func RangeKey(r *http.Request) string {
	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		return RequestKey(r)
	}

	return RequestKey(r) + " range=" + rangeHeader
}
