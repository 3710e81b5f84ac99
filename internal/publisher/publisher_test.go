package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainrelay/eventrelayer/internal/abi"
)

func TestNew_RequiresTopic(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "topic")
}

func TestPublish_FatalWhenBusUnreachable(t *testing.T) {
	pub, err := New(Config{
		RedisAddr:   "127.0.0.1:1", // nothing listens here
		Topic:       "chain-events",
		MaxRetries:  1,
		AttemptTime: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	defer pub.Close()

	ev := abi.DecodedEvent{
		ContractAddress: "0xchild",
		EventName:       "Released",
		BlockNumber:     10,
		TxHash:          "0xabc",
		LogIndex:        0,
		Args:            map[string]string{"amount": "5000"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = pub.Publish(ctx, ev, "1")
	require.Error(t, err, "publishing to an unreachable bus must surface a fatal error, never hang")
}
