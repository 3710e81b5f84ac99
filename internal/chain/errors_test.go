package chain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRateLimitError(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"429 Too Many Requests", true},
		{"Rate Limit Exceeded", true},
		{"quota exceeded for this month", true},
		{"THROTTLED by upstream", true},
		{"block range exceeds limit", true},
		{"eth_newFilter not supported", true},
		{"connection refused", false},
		{"context deadline exceeded", false},
	}

	for _, c := range cases {
		got := IsRateLimitError(errors.New(c.msg))
		assert.Equal(t, c.want, got, "message: %q", c.msg)
	}
}

func TestIsRateLimitError_NilError(t *testing.T) {
	assert.False(t, IsRateLimitError(nil))
}

func TestRateLimitExhaustedError(t *testing.T) {
	last := errors.New("429 too many requests")
	err := &RateLimitExhaustedError{Attempts: 6, Last: last}

	assert.Contains(t, err.Error(), "6 attempts")
	assert.ErrorIs(t, err, last)
}
