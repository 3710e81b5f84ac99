// Package publisher implements the publisher (C6): serializes a decoded
// event to the fixed wire framing and publishes it to the message bus,
// retrying transient failures and returning only after the bus has
// acknowledged the publish.
package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/chainrelay/eventrelayer/internal/abi"
	"github.com/chainrelay/eventrelayer/internal/logging"
	"github.com/chainrelay/eventrelayer/internal/resilience"
	"github.com/chainrelay/eventrelayer/internal/svcerrors"
)

// Config configures a Publisher.
type Config struct {
	RedisAddr   string
	Topic       string
	MaxRetries  int           // default 3, spec §4.6
	AttemptTime time.Duration // default 10s, per-attempt completion timeout
	Logger      *logging.Logger
}

// Publisher publishes DecodedEvents to a Redis channel, implementing C6's
// single publish() operation. Redis Pub/Sub has no native per-message
// attribute concept, so chain_id/event_name travel both in the JSON body
// and duplicated into a small attributes envelope a downstream router can
// read without decoding args.
type Publisher struct {
	client *redis.Client
	cfg    Config
	logger *logging.Logger
}

// New constructs a Publisher. Connectivity is verified lazily on first
// Publish call, matching the teacher's lazy-connect style for external
// stores.
func New(cfg Config) (*Publisher, error) {
	if cfg.Topic == "" {
		return nil, svcerrors.ConfigErrorf("publisher: topic is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.AttemptTime <= 0 {
		cfg.AttemptTime = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewFromEnv("publisher")
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return &Publisher{client: client, cfg: cfg, logger: cfg.Logger}, nil
}

// wireMessage is the envelope actually placed on the bus: the event body
// plus a top-level "attributes" object per spec §6.
type wireMessage struct {
	ChainID         string            `json:"chain_id"`
	ContractAddress string            `json:"contract_address"`
	EventName       string            `json:"event_name"`
	BlockNumber     uint64            `json:"block_number"`
	TransactionHash string            `json:"transaction_hash"`
	LogIndex        uint              `json:"log_index"`
	Args            map[string]string `json:"args"`
	Timestamp       string            `json:"timestamp"`
	Attributes      map[string]string `json:"attributes"`
}

// Publish serializes ev and publishes it to the configured Redis channel,
// retrying up to cfg.MaxRetries times with 2^n second backoff. It returns
// a generated message ID on success, or a KindPublishFatal error once
// retries are exhausted — callers MUST NOT mark the event processed in
// that case.
func (p *Publisher) Publish(ctx context.Context, ev abi.DecodedEvent, chainID string) (string, error) {
	ts := time.Unix(ev.Timestamp, 0).UTC()
	if ev.Timestamp == 0 {
		ts = time.Now().UTC()
	}

	msg := wireMessage{
		ChainID:         chainID,
		ContractAddress: ev.ContractAddress,
		EventName:       ev.EventName,
		BlockNumber:     ev.BlockNumber,
		TransactionHash: ev.TxHash,
		LogIndex:        ev.LogIndex,
		Args:            ev.Args,
		Timestamp:       ts.Format(time.RFC3339),
		Attributes: map[string]string{
			"chain_id":   chainID,
			"event_name": ev.EventName,
		},
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", svcerrors.PublishFatal(ev.EventID(chainID), err)
	}

	messageID := uuid.NewString()

	retryCfg := resilience.RetryConfig{
		MaxAttempts:  p.cfg.MaxRetries + 1,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}

	err = resilience.Retry(ctx, retryCfg, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTime)
		defer cancel()

		if err := p.client.Publish(attemptCtx, p.cfg.Topic, body).Err(); err != nil {
			p.logger.WithError(err).WithFields(map[string]interface{}{
				"event_id": ev.EventID(chainID),
			}).Warn("publish attempt failed, will retry")
			return svcerrors.PublishTransient(err)
		}
		return nil
	})
	if err != nil {
		return "", svcerrors.PublishFatal(ev.EventID(chainID), err)
	}

	return messageID, nil
}

// Close releases the underlying Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
