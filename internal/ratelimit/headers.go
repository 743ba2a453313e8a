package ratelimit

import (
	"math"
	"net/http"
	"strconv"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// WriteHeaders sets the X-RateLimit-* headers, plus Retry-After on
// rejections. Reset is a unix timestamp in seconds.
func (r Result) WriteHeaders(h http.Header) {
	h.Set(HeaderLimit, strconv.Itoa(r.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(r.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(r.ResetAt.Unix(), 10))
	if !r.Allowed {
		h.Set(HeaderRetryAfter, strconv.Itoa(r.RetryAfterSeconds()))
	}
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds; rejections
// always report at least 1.
func (r Result) RetryAfterSeconds() int {
	if r.Allowed {
		return 0
	}
	return max(1, int(math.Ceil(r.RetryAfter.Seconds())))
}
