// Package fanout implements the fan-out scanner (C5): for a block window,
// discovers new child contracts from the root/Factory's discovery event
// and admits them into the registry, then concurrently queries every
// registered child for its configured lifecycle events, bounded by a
// semaphore.
package fanout

import (
	"context"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/chainrelay/eventrelayer/internal/abi"
	"github.com/chainrelay/eventrelayer/internal/logging"
	"github.com/chainrelay/eventrelayer/internal/registry"
)

// Config configures a Scanner.
type Config struct {
	RootContractAddress   string
	RootABI               *abi.ABI
	ChildABI              *abi.ABI
	EventNamesRoot        []string
	EventNamesChild       []string
	MaxConcurrentRequests int // default 10
	Logger                *logging.Logger
}

// Scanner implements C5's scan(from, to) operation.
type Scanner struct {
	extractor *abi.Extractor
	registry  *registry.Registry
	cfg       Config
	logger    *logging.Logger
}

// New builds a Scanner over extractor and registry.
func New(extractor *abi.Extractor, reg *registry.Registry, cfg Config) *Scanner {
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewFromEnv("fanout")
	}
	return &Scanner{extractor: extractor, registry: reg, cfg: cfg, logger: cfg.Logger}
}

// Result is the outcome of one Scan call.
type Result struct {
	Events       []abi.DecodedEvent
	NewChildren  int   // count of addresses newly admitted to the registry this scan
	ChildErrors  int   // count of per-child query failures, logged but non-fatal
}

// Scan queries the root contract for discovery events within
// [fromBlock, toBlock], admits any newly discovered children, then
// concurrently queries every registered child's configured event set.
// Per-child failures are logged and counted in Result.ChildErrors; they
// never abort the batch.
func (s *Scanner) Scan(ctx context.Context, fromBlock, toBlock uint64) (Result, error) {
	var result Result

	for _, eventName := range s.cfg.EventNamesRoot {
		events, err := s.extractor.Query(ctx, s.cfg.RootContractAddress, s.cfg.RootABI, eventName, fromBlock, toBlock)
		if err != nil {
			return result, err
		}
		result.Events = append(result.Events, events...)
		for _, ev := range events {
			// Discovery events name their address argument differently
			// across factories; scanning every arg and letting Add reject
			// non-addresses avoids hardcoding one ABI's field name.
			for _, v := range ev.Args {
				if s.registry.Add(v) {
					result.NewChildren++
					s.logger.WithFields(map[string]interface{}{"address": v}).Info("admitted new child contract")
				}
			}
		}
	}

	children := s.registry.All()

	type childQuery struct {
		address   string
		eventName string
	}
	queries := make([]childQuery, 0, len(children)*len(s.cfg.EventNamesChild))
	for _, addr := range children {
		for _, eventName := range s.cfg.EventNamesChild {
			queries = append(queries, childQuery{address: addr, eventName: eventName})
		}
	}

	eventsCh := make(chan []abi.DecodedEvent, len(queries))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrentRequests)

	var childErrors atomic.Int64
	for _, q := range queries {
		q := q
		g.Go(func() error {
			events, err := s.extractor.Query(gCtx, q.address, s.cfg.ChildABI, q.eventName, fromBlock, toBlock)
			if err != nil {
				s.logger.WithError(err).WithFields(map[string]interface{}{
					"address": q.address, "event": q.eventName,
				}).Error("child query failed, continuing scan")
				childErrors.Add(1)
				return nil // don't abort the batch for a single child's failure
			}
			eventsCh <- events
			return nil
		})
	}

	// Every goroutine above returns nil, so Wait returns nil here; a
	// canceled ctx surfaces as failed child queries counted in ChildErrors.
	if err := g.Wait(); err != nil {
		close(eventsCh)
		return result, err
	}
	close(eventsCh)

	for events := range eventsCh {
		result.Events = append(result.Events, events...)
	}
	result.ChildErrors = int(childErrors.Load())

	// Child queries complete concurrently in arbitrary order, and root
	// events are grouped by event name; restore the per-contract
	// (block_number, log_index) ascending guarantee from spec §4.5 before
	// handing events back to the relay loop.
	sort.Slice(result.Events, func(i, j int) bool {
		a, b := result.Events[i], result.Events[j]
		if a.ContractAddress != b.ContractAddress {
			return a.ContractAddress < b.ContractAddress
		}
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.LogIndex < b.LogIndex
	})

	return result, nil
}
