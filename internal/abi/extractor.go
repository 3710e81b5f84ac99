// Package abi decodes raw EVM logs into the relayer's DecodedEvent shape
// using go-ethereum's accounts/abi package. It is the event extractor
// (C4): given a contract, a loaded ABI, an event name and a block range,
// it resolves the event's topic hash, fetches raw logs via a chain.Client,
// and decodes each into named argument values.
package abi

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	goethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/chainrelay/eventrelayer/internal/chain"
	"github.com/chainrelay/eventrelayer/internal/logging"
	"github.com/chainrelay/eventrelayer/internal/svcerrors"
)

// DecodedEvent is the transient, in-memory record produced by one decoded
// log. Its lifetime is a single scan cycle; nothing downstream persists it
// verbatim except C6's wire framing.
type DecodedEvent struct {
	ContractAddress string
	EventName       string
	BlockNumber     uint64
	TxHash          string
	LogIndex        uint
	Args            map[string]string
	Timestamp       int64 // unix seconds; Query leaves it zero, and the publisher then uses the publish time
}

// EventID returns the dedup key chain_id:tx_hash:log_index, matching the
// checkpoint store's ProcessedEvent primary key.
func (d DecodedEvent) EventID(chainID string) string {
	return fmt.Sprintf("%s:%s:%d", chainID, d.TxHash, d.LogIndex)
}

// ABI wraps a loaded contract ABI together with the path it was read from
// (used in log fields).
type ABI struct {
	parsed goethabi.ABI
	path   string
}

// LoadFile parses the ABI JSON document at path.
func LoadFile(path string) (*ABI, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, svcerrors.ConfigErrorf("abi: read %s: %v", path, err)
	}
	parsed, err := goethabi.JSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, svcerrors.ConfigErrorf("abi: parse %s: %v", path, err)
	}
	return &ABI{parsed: parsed, path: path}, nil
}

// Extractor queries a chain.Client for logs and decodes them against a
// loaded ABI, implementing C4's single query() operation.
type Extractor struct {
	client *chain.Client
	logger *logging.Logger
}

// NewExtractor builds an Extractor over client.
func NewExtractor(client *chain.Client, logger *logging.Logger) *Extractor {
	if logger == nil {
		logger = logging.NewFromEnv("abi")
	}
	return &Extractor{client: client, logger: logger}
}

// Query decodes every log matching eventName emitted by contractAddress in
// [fromBlock, toBlock]. A name absent from the ABI is ABI drift, not an
// error: it returns an empty slice and logs a warning, per spec.
func (e *Extractor) Query(ctx context.Context, contractAddress string, contractABI *ABI, eventName string, fromBlock, toBlock uint64) ([]DecodedEvent, error) {
	event, ok := contractABI.parsed.Events[eventName]
	if !ok {
		e.logger.WithFields(map[string]interface{}{
			"event": eventName, "abi": contractABI.path,
		}).Warn("event not found in abi, skipping (likely abi drift)")
		return nil, nil
	}

	addr := common.HexToAddress(contractAddress)
	rawLogs, err := e.client.GetLogs(ctx, addr, event.ID, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}

	decoded := make([]DecodedEvent, 0, len(rawLogs))
	for _, log := range rawLogs {
		args, err := decodeLogArgs(contractABI.parsed, event, log)
		if err != nil {
			e.logger.WithError(err).WithFields(map[string]interface{}{
				"event": eventName, "tx_hash": log.TxHash.Hex(),
			}).Warn("failed to decode event, dropping")
			continue
		}
		decoded = append(decoded, DecodedEvent{
			ContractAddress: strings.ToLower(addr.Hex()),
			EventName:       eventName,
			BlockNumber:     log.BlockNumber,
			TxHash:          log.TxHash.Hex(),
			LogIndex:        uint(log.Index),
			Args:            args,
		})
	}
	return decoded, nil
}

// decodeLogArgs decodes both indexed (topic) and non-indexed (data) event
// arguments, stringifying every value per spec §6's wire framing ("all arg
// values stringified").
func decodeLogArgs(parsed goethabi.ABI, event goethabi.Event, log chain.RawLog) (map[string]string, error) {
	args := make(map[string]string, len(event.Inputs))

	dataValues := make(map[string]interface{})
	nonIndexed := event.Inputs.NonIndexed()
	if len(log.Data) > 0 {
		if err := nonIndexed.UnpackIntoMap(dataValues, log.Data); err != nil {
			return nil, svcerrors.DecodeFailure(event.Name, err)
		}
	}
	for k, v := range dataValues {
		args[k] = stringifyArg(v)
	}

	indexedInputs := make(goethabi.Arguments, 0)
	for _, in := range event.Inputs {
		if in.Indexed {
			indexedInputs = append(indexedInputs, in)
		}
	}
	if len(indexedInputs) > 0 && len(log.Topics) > 1 {
		topicValues := make(map[string]interface{})
		if err := goethabi.ParseTopicsIntoMap(topicValues, indexedInputs, log.Topics[1:]); err != nil {
			return nil, svcerrors.DecodeFailure(event.Name, err)
		}
		for k, v := range topicValues {
			args[k] = stringifyArg(v)
		}
	}

	return args, nil
}

// stringifyArg renders a decoded ABI value as a string for the wire
// framing. Addresses and byte arrays use their canonical hex form;
// everything else falls back to fmt.Sprint / JSON for composite types.
func stringifyArg(v interface{}) string {
	switch t := v.(type) {
	case common.Address:
		return strings.ToLower(t.Hex())
	case *big.Int:
		return t.String()
	case [32]byte:
		return common.BytesToHash(t[:]).Hex()
	case []byte:
		return common.Bytes2Hex(t)
	case bool, string:
		return fmt.Sprint(t)
	default:
		if b, err := json.Marshal(t); err == nil {
			return string(b)
		}
		return fmt.Sprint(t)
	}
}
