// Package relay owns the relay loop (C7): the main cycle that ties the
// checkpoint store, fan-out scanner, publisher and registry together, plus
// the periodic cleanup task.
package relay

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chainrelay/eventrelayer/internal/abi"
	"github.com/chainrelay/eventrelayer/internal/checkpoint"
	"github.com/chainrelay/eventrelayer/internal/fanout"
	"github.com/chainrelay/eventrelayer/internal/logging"
)

// BlockSource is the subset of *chain.Client the relay loop needs: the
// current chain height, used to size each window and detect catch-up.
type BlockSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
}

// Scanner is the subset of *fanout.Scanner the relay loop needs.
type Scanner interface {
	Scan(ctx context.Context, fromBlock, toBlock uint64) (fanout.Result, error)
}

// EventPublisher is the subset of *publisher.Publisher the relay loop needs.
type EventPublisher interface {
	Publish(ctx context.Context, ev abi.DecodedEvent, chainID string) (string, error)
}

// ChildRegistry is the subset of *registry.Registry the relay loop needs:
// persisting newly admitted children after a dirty sub-batch.
type ChildRegistry interface {
	Save() error
}

// Config configures a Loop.
type Config struct {
	ChainID             string
	RootContractAddress string
	StartBlock          uint64
	PollInterval        time.Duration // default 12s
	BatchSize           uint64        // default 5
	AutoFastForward     uint64        // default 500
	CleanupIntervalHrs  int           // default 24
	Logger              *logging.Logger
}

// Loop is the relay loop (C7): one background worker per running instance.
type Loop struct {
	cfg       Config
	chainRPC  BlockSource
	store     checkpoint.Store
	scanner   Scanner
	publisher EventPublisher
	registry  ChildRegistry
	metrics   *Metrics
	logger    *logging.Logger

	mu    sync.RWMutex
	state State
	cron  *cron.Cron
}

// New wires a Loop from its collaborators.
func New(cfg Config, rpc BlockSource, store checkpoint.Store, scanner Scanner, pub EventPublisher, reg ChildRegistry, metrics *Metrics) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 12 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 5
	}
	if cfg.AutoFastForward == 0 {
		cfg.AutoFastForward = 500
	}
	if cfg.CleanupIntervalHrs <= 0 {
		cfg.CleanupIntervalHrs = 24
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewFromEnv("relay")
	}
	return &Loop{
		cfg: cfg, chainRPC: rpc, store: store, scanner: scanner,
		publisher: pub, registry: reg, metrics: metrics, logger: cfg.Logger,
		state: StateIdle,
	}
}

// State returns the loop's current state-machine state.
func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	l.metrics.SetState(s)
}

// Run drives the relay loop until ctx is canceled. It also starts the
// cron-scheduled cleanup task and stops it on return.
func (l *Loop) Run(ctx context.Context) error {
	l.setState(StateRunning)

	l.cron = cron.New()
	spec := cronSpecForHours(l.cfg.CleanupIntervalHrs)
	if _, err := l.cron.AddFunc(spec, func() { l.runCleanup(ctx) }); err != nil {
		l.logger.WithError(err).Error("failed to schedule cleanup task")
	} else {
		l.cron.Start()
	}
	defer l.cron.Stop()

	var lastFastForwardCheck time.Time

	for {
		select {
		case <-ctx.Done():
			l.setState(StateShuttingDown)
			l.logger.Info("relay loop shutting down")
			return nil
		default:
		}

		sleep, err := l.runCycle(ctx, &lastFastForwardCheck)
		if err != nil {
			l.logger.WithError(err).Error("relay cycle failed")
			l.metrics.IncErrors()
			sleep = 2 * l.cfg.PollInterval
		}

		l.setState(StateSleeping)
		select {
		case <-ctx.Done():
			l.setState(StateShuttingDown)
			return nil
		case <-time.After(sleep):
		}
		l.setState(StateRunning)
	}
}

// runCycle executes one full iteration of the cycle algorithm and returns
// the sleep duration to use before the next iteration.
func (l *Loop) runCycle(ctx context.Context, lastFastForwardCheck *time.Time) (time.Duration, error) {
	cp, ok, err := l.store.GetCheckpoint(ctx, l.cfg.ChainID, l.cfg.RootContractAddress)
	if err != nil {
		return l.cfg.PollInterval, err
	}

	var from uint64
	if ok {
		from = cp.LastProcessedBlock + 1
	} else {
		from = l.cfg.StartBlock
	}

	latest, err := l.chainRPC.LatestBlock(ctx)
	if err != nil {
		return l.cfg.PollInterval, err
	}

	// Catch-up mode: checked periodically (at most once per minute) to
	// avoid oscillation, per spec.
	if time.Since(*lastFastForwardCheck) > time.Minute && latest > from && latest-from > l.cfg.AutoFastForward {
		*lastFastForwardCheck = time.Now()
		jumpTo := latest - 100
		if jumpTo < from {
			jumpTo = from
		}
		l.logger.WithFields(map[string]interface{}{
			"from": from, "latest": latest, "jump_to": jumpTo,
		}).Warn("behind by more than auto_fast_forward_threshold, fast-forwarding")
		from = jumpTo
	}

	if from > latest {
		return l.adaptiveSleep(0, latest), nil
	}

	to := from + l.cfg.BatchSize - 1
	if to > latest {
		to = latest
	}

	if err := l.processWindow(ctx, from, to, latest); err != nil {
		return l.cfg.PollInterval, err
	}

	return l.adaptiveSleep(latest-to, latest), nil
}

// processWindow runs sub-batches of at most BatchSize blocks across
// [from, to], publishing and marking each event before the window's
// checkpoint commits. Per the resolved §9 design question, checkpoint
// advancement is held until every event in the window has been either
// published-and-marked or explicitly skipped as a duplicate — a failed
// publish aborts the window commit so the event is re-extracted next cycle.
func (l *Loop) processWindow(ctx context.Context, from, to, latest uint64) error {
	registryDirty := false
	var totalProcessed uint64

	for a := from; a <= to; a += l.cfg.BatchSize {
		b := a + l.cfg.BatchSize - 1
		if b > to {
			b = to
		}

		result, err := l.scanner.Scan(ctx, a, b)
		if err != nil {
			return err
		}
		if result.NewChildren > 0 {
			registryDirty = true
		}
		if result.ChildErrors > 0 {
			for i := 0; i < result.ChildErrors; i++ {
				l.metrics.IncErrors()
			}
		}

		for _, ev := range result.Events {
			eventID := ev.EventID(l.cfg.ChainID)

			processed, err := l.store.IsEventProcessed(ctx, eventID)
			if err != nil {
				return err
			}
			if processed {
				continue
			}

			if _, err := l.publisher.Publish(ctx, ev, l.cfg.ChainID); err != nil {
				l.logger.WithError(err).WithFields(map[string]interface{}{
					"event_id": eventID,
				}).Error("publish failed, aborting window commit so event is retried next cycle")
				l.metrics.IncErrors()
				return err
			}

			inserted, err := l.store.MarkEventProcessed(ctx, checkpoint.ProcessedEvent{
				EventID:         eventID,
				ChainID:         l.cfg.ChainID,
				ContractAddress: ev.ContractAddress,
				BlockNumber:     ev.BlockNumber,
				TxHash:          ev.TxHash,
				LogIndex:        ev.LogIndex,
				EventName:       ev.EventName,
				ProcessedAt:     time.Now().UTC(),
				Published:       true,
			})
			if err != nil {
				return err
			}
			if inserted {
				totalProcessed++
				l.metrics.AddEventsProcessed(1)
				l.metrics.AddEventsPublished(1)
			}
		}

		if registryDirty {
			if err := l.registry.Save(); err != nil {
				l.logger.WithError(err).Error("failed to persist registry")
			}
			registryDirty = false
		}
	}

	if err := l.store.SaveCheckpoint(ctx, checkpoint.Checkpoint{
		ChainID:              l.cfg.ChainID,
		ContractAddress:      l.cfg.RootContractAddress,
		LastProcessedBlock:   to,
		LastProcessedAt:      time.Now().UTC(),
		TotalEventsProcessed: totalProcessed,
	}); err != nil {
		return err
	}
	l.metrics.SetLastProcessedBlock(to, latest)
	return nil
}

// adaptiveSleep shortens the base poll interval when far behind the chain
// tip, down to a floor of poll_interval/3, never below 500ms.
func (l *Loop) adaptiveSleep(behind, latest uint64) time.Duration {
	base := l.cfg.PollInterval
	floor := 500 * time.Millisecond

	if behind == 0 {
		return base
	}

	// Scale linearly between base/3 and base as "behind" grows relative to
	// a few batches' worth of blocks; fully caught up uses the full base.
	threshold := l.cfg.BatchSize * 10
	if threshold == 0 {
		threshold = 50
	}
	ratio := float64(behind) / float64(threshold)
	if ratio > 1 {
		ratio = 1
	}
	sleep := time.Duration(float64(base) * (1 - ratio*2.0/3.0))
	if sleep < base/3 {
		sleep = base / 3
	}
	if sleep < floor {
		sleep = floor
	}
	return sleep
}

func (l *Loop) runCleanup(ctx context.Context) {
	before := time.Now().Add(-7 * 24 * time.Hour)
	removed, err := l.store.CleanupOldEvents(ctx, before)
	if err != nil {
		l.logger.WithError(err).Error("cleanup task failed")
		l.metrics.IncErrors()
		return
	}
	l.logger.WithFields(map[string]interface{}{"removed": removed}).Info("cleanup task completed")
}

// cronSpecForHours builds a "run every N hours" cron expression. A
// non-positive value means 24. Exactly 24 runs daily at midnight; more
// than 24 uses a fixed "@every Nh" interval. Below 24 the hourly step
// restarts at midnight, so when N does not divide 24 the last gap of the
// day is shorter than N hours.
func cronSpecForHours(hours int) string {
	if hours <= 0 {
		hours = 24
	}
	if hours > 24 {
		return "@every " + strconv.Itoa(hours) + "h"
	}
	if hours == 24 {
		return "0 0 * * *"
	}
	return "0 */" + strconv.Itoa(hours) + " * * *"
}
