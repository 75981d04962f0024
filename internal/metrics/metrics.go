package metrics

import (
	"sort"
	"sync"
	"time"
)

const maxResponseSamples = 1000

type Metrics struct {
	mutex           sync.RWMutex
	dispatched      map[string]int64
	failures        map[string]int64
	retries         map[string]int64
	persistFailures map[string]int64
	responseTimes   map[string][]time.Duration
	requeues        int64
	colorChanges    map[string]int64
	currentColor    string
	colorSince      time.Time
	startTime       time.Time
}

type Snapshot struct {
	Uptime          time.Duration               `json:"uptime"`
	TotalDispatched int64                       `json:"total_dispatched"`
	Requeues        int64                       `json:"requeues"`
	CurrentColor    string                      `json:"current_color,omitempty"`
	ColorSince      time.Time                   `json:"color_since,omitzero"`
	ColorChanges    map[string]int64            `json:"color_changes"`
	LedgerDropped   int64                       `json:"ledger_dropped"`
	Processors      map[string]ProcessorMetrics `json:"processors"`
}

type ProcessorMetrics struct {
	Dispatched      int64         `json:"dispatched"`
	Failures        int64         `json:"failures"`
	Retries         int64         `json:"retries"`
	PersistFailures int64         `json:"persist_failures"`
	AvgResponse     time.Duration `json:"avg_response"`
	P50Response     time.Duration `json:"p50_response"`
	P95Response     time.Duration `json:"p95_response"`
	P99Response     time.Duration `json:"p99_response"`
	EWMAResponse    time.Duration `json:"ewma_response"`
}

func (m *Metrics) RecordDispatch(processor string, duration time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.dispatched[processor]++
	m.responseTimes[processor] = append(m.responseTimes[processor], duration)

	if len(m.responseTimes[processor]) > maxResponseSamples {
		m.responseTimes[processor] = m.responseTimes[processor][1:]
	}
}

func (m *Metrics) RecordFailure(processor string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.failures[processor]++
}

func (m *Metrics) IncrementRetries(processor string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.retries[processor]++
}

func (m *Metrics) IncrementPersistFailures(processor string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.persistFailures[processor]++
}

func (m *Metrics) IncrementRequeues() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.requeues++
}

func (m *Metrics) RecordColor(color string, at time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.colorChanges[color]++
	m.currentColor = color
	m.colorSince = at
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:       time.Since(m.startTime),
		Requeues:     m.requeues,
		CurrentColor: m.currentColor,
		ColorSince:   m.colorSince,
		ColorChanges: make(map[string]int64, len(m.colorChanges)),
		Processors:   make(map[string]ProcessorMetrics),
	}

	for color, n := range m.colorChanges {
		snap.ColorChanges[color] = n
	}

	// Collect every processor seen by any counter
	all := make(map[string]bool)
	for _, counters := range []map[string]int64{m.dispatched, m.failures, m.retries, m.persistFailures} {
		for processor := range counters {
			all[processor] = true
		}
	}

	for processor := range all {
		snap.TotalDispatched += m.dispatched[processor]

		pm := ProcessorMetrics{
			Dispatched:      m.dispatched[processor],
			Failures:        m.failures[processor],
			Retries:         m.retries[processor],
			PersistFailures: m.persistFailures[processor],
		}

		durations := m.responseTimes[processor]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			pm.AvgResponse = average(sorted)
			pm.P50Response = percentile(sorted, 0.50)
			pm.P95Response = percentile(sorted, 0.95)
			pm.P99Response = percentile(sorted, 0.99)
		}

		snap.Processors[processor] = pm
	}

	return snap
}

func NewMetrics() *Metrics {
	return &Metrics{
		dispatched:      make(map[string]int64),
		failures:        make(map[string]int64),
		retries:         make(map[string]int64),
		persistFailures: make(map[string]int64),
		responseTimes:   make(map[string][]time.Duration),
		colorChanges:    make(map[string]int64),
		startTime:       time.Now(),
	}
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
