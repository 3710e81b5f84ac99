package relay

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is one of the relay loop's state-machine states.
type State string

const (
	StateIdle         State = "idle"
	StateRunning      State = "running"
	StateSleeping     State = "sleeping"
	StateShuttingDown State = "shutting_down"
)

// Metrics is the process-local counter set owned exclusively by the relay
// loop; the admin surface only reads snapshots.
type Metrics struct {
	mu sync.RWMutex

	startedAt             time.Time
	state                 State
	totalEventsProcessed  uint64
	totalEventsPublished  uint64
	lastProcessedBlock    uint64
	lastCheckpointTime    time.Time
	errorsCount           uint64

	promEventsProcessed prometheus.Counter
	promEventsPublished prometheus.Counter
	promErrors          prometheus.Counter
	promLastBlock       prometheus.Gauge
	promBlocksBehind    prometheus.Gauge
}

// NewMetrics creates a Metrics set and registers its Prometheus collectors
// against reg (pass prometheus.DefaultRegisterer unless under test).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		startedAt: time.Now(),
		state:     StateIdle,
		promEventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayer_events_processed_total",
			Help: "Total events published and newly recorded in the dedup store.",
		}),
		promEventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayer_events_published_total",
			Help: "Total events successfully published to the bus.",
		}),
		promErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayer_errors_total",
			Help: "Total errors encountered across RPC, publish and store operations.",
		}),
		promLastBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayer_last_processed_block",
			Help: "Last block number committed to the checkpoint.",
		}),
		promBlocksBehind: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayer_blocks_behind",
			Help: "Difference between the chain's latest block and the last processed block.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.promEventsProcessed, m.promEventsPublished, m.promErrors, m.promLastBlock, m.promBlocksBehind)
	}
	return m
}

func (m *Metrics) SetState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *Metrics) AddEventsProcessed(n uint64) {
	m.mu.Lock()
	m.totalEventsProcessed += n
	m.mu.Unlock()
	m.promEventsProcessed.Add(float64(n))
}

func (m *Metrics) AddEventsPublished(n uint64) {
	m.mu.Lock()
	m.totalEventsPublished += n
	m.mu.Unlock()
	m.promEventsPublished.Add(float64(n))
}

func (m *Metrics) IncErrors() {
	m.mu.Lock()
	m.errorsCount++
	m.mu.Unlock()
	m.promErrors.Inc()
}

func (m *Metrics) SetLastProcessedBlock(block, latest uint64) {
	m.mu.Lock()
	m.lastProcessedBlock = block
	m.lastCheckpointTime = time.Now()
	m.mu.Unlock()
	m.promLastBlock.Set(float64(block))
	if latest >= block {
		m.promBlocksBehind.Set(float64(latest - block))
	}
}

// Snapshot is a read-only copy of Metrics for the admin surface.
type Snapshot struct {
	StartedAt            time.Time
	State                State
	IsRunning            bool
	TotalEventsProcessed uint64
	TotalEventsPublished uint64
	LastProcessedBlock   uint64
	LastCheckpointTime   time.Time
	ErrorsCount          uint64
	Uptime               time.Duration
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		StartedAt:            m.startedAt,
		State:                m.state,
		IsRunning:            m.state == StateRunning || m.state == StateSleeping,
		TotalEventsProcessed: m.totalEventsProcessed,
		TotalEventsPublished: m.totalEventsPublished,
		LastProcessedBlock:   m.lastProcessedBlock,
		LastCheckpointTime:   m.lastCheckpointTime,
		ErrorsCount:          m.errorsCount,
		Uptime:               time.Since(m.startedAt),
	}
}
