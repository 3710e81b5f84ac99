package chain

import (
	"strconv"
	"strings"
)

// rateLimitSignatures is the fixed list of case-folded substrings that
// identify a provider rate-limit error, per spec §4.1. Order doesn't
// matter; membership does.
var rateLimitSignatures = []string{
	"rate limit",
	"too many requests",
	"429",
	"quota exceeded",
	"throttled",
	"request limit",
	"rate exceeded",
	"free tier",
	"block range",
	"eth_newfilter",
}

// IsRateLimitError reports whether err's message matches one of the known
// provider rate-limit signatures. Errors that don't match are treated as
// non-retryable at this layer and propagate as-is.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range rateLimitSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// RateLimitExhaustedError is returned by the RPC client when a call has
// been retried rpc_max_retries times against a rate-limit error without
// success.
type RateLimitExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RateLimitExhaustedError) Error() string {
	return "rpc: rate limit retries exhausted after " + strconv.Itoa(e.Attempts) + " attempts: " + e.Last.Error()
}

func (e *RateLimitExhaustedError) Unwrap() error { return e.Last }
