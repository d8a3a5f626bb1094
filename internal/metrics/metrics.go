package metrics

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/relaydesk/triage/internal/escalation"
)

// Event records the outcome of one completed pipeline execution.
type Event struct {
	ConversationID string
	Outcome        escalation.Outcome
	Reason         escalation.Reason
	IntentLabel    string
	Duration       time.Duration
	At             time.Time
}

// Snapshot is an immutable copy of the aggregated state. Readers never
// observe partially updated counters.
type Snapshot struct {
	Total          int64                        `json:"total"`
	ByOutcome      map[escalation.Outcome]int64 `json:"by_outcome"`
	ByReason       map[escalation.Reason]int64  `json:"by_reason"`
	ByIntent       map[string]int64             `json:"by_intent"`
	AutomationRate float64                      `json:"automation_rate"`
	DurationP50    time.Duration                `json:"duration_p50_ns"`
	DurationP95    time.Duration                `json:"duration_p95_ns"`
	DurationP99    time.Duration                `json:"duration_p99_ns"`
	Dropped        int64                        `json:"dropped"`
	Since          time.Time                    `json:"since"`
}

// Aggregator consumes pipeline events on a single goroutine and serves
// snapshots on request. All mutable state lives inside the run loop, so
// no lock is shared with the concurrent conversation handlers.
type Aggregator struct {
	events  chan Event
	snapReq chan chan Snapshot
	dropped chan struct{}
	logger  *slog.Logger

	windowSize int
}

const (
	defaultBuffer = 1024
	defaultWindow = 2048
)

// NewAggregator creates an aggregator with the given event buffer and
// trailing duration window. Zero or negative values select the defaults.
func NewAggregator(buffer, window int, logger *slog.Logger) *Aggregator {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if window <= 0 {
		window = defaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		events:     make(chan Event, buffer),
		snapReq:    make(chan chan Snapshot),
		dropped:    make(chan struct{}, buffer),
		logger:     logger,
		windowSize: window,
	}
}

// Record submits an event without blocking the caller. When the buffer is
// full the event is counted as dropped rather than stalling a conversation
// handler.
func (a *Aggregator) Record(e Event) {
	select {
	case a.events <- e:
	default:
		select {
		case a.dropped <- struct{}{}:
		default:
		}
		a.logger.Warn("metrics event dropped", "conversation_id", e.ConversationID)
	}
}

// Snapshot requests a copy of the current state from the run loop. It
// returns a zero Snapshot if the aggregator has stopped.
func (a *Aggregator) Snapshot(ctx context.Context) Snapshot {
	reply := make(chan Snapshot, 1)
	select {
	case a.snapReq <- reply:
	case <-ctx.Done():
		return Snapshot{}
	}
	select {
	case snap := <-reply:
		return snap
	case <-ctx.Done():
		return Snapshot{}
	}
}

// Run owns all aggregation state and serves events and snapshot requests
// until ctx is cancelled. It must be called exactly once.
func (a *Aggregator) Run(ctx context.Context) {
	state := newState(a.windowSize)

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-a.events:
			state.apply(e)
		case <-a.dropped:
			state.dropped++
		case reply := <-a.snapReq:
			reply <- state.snapshot()
		}
	}
}

type state struct {
	total     int64
	byOutcome map[escalation.Outcome]int64
	byReason  map[escalation.Reason]int64
	byIntent  map[string]int64
	dropped   int64
	since     time.Time

	// durations is a ring of the most recent execution times used for
	// percentile estimates.
	durations []time.Duration
	next      int
	filled    bool
}

func newState(window int) *state {
	return &state{
		byOutcome: make(map[escalation.Outcome]int64),
		byReason:  make(map[escalation.Reason]int64),
		byIntent:  make(map[string]int64),
		since:     time.Now(),
		durations: make([]time.Duration, window),
	}
}

func (s *state) apply(e Event) {
	s.total++
	s.byOutcome[e.Outcome]++
	if e.Reason != "" {
		s.byReason[e.Reason]++
	}
	if e.IntentLabel != "" {
		s.byIntent[e.IntentLabel]++
	}
	s.durations[s.next] = e.Duration
	s.next++
	if s.next == len(s.durations) {
		s.next = 0
		s.filled = true
	}
}

func (s *state) snapshot() Snapshot {
	snap := Snapshot{
		Total:     s.total,
		ByOutcome: make(map[escalation.Outcome]int64, len(s.byOutcome)),
		ByReason:  make(map[escalation.Reason]int64, len(s.byReason)),
		ByIntent:  make(map[string]int64, len(s.byIntent)),
		Dropped:   s.dropped,
		Since:     s.since,
	}
	for k, v := range s.byOutcome {
		snap.ByOutcome[k] = v
	}
	for k, v := range s.byReason {
		snap.ByReason[k] = v
	}
	for k, v := range s.byIntent {
		snap.ByIntent[k] = v
	}

	if s.total > 0 {
		automated := s.byOutcome[escalation.OutcomeAutoResolve] + s.byOutcome[escalation.OutcomeAutoApprove]
		snap.AutomationRate = float64(automated) / float64(s.total)
	}

	n := s.next
	if s.filled {
		n = len(s.durations)
	}
	if n > 0 {
		sorted := make([]time.Duration, n)
		copy(sorted, s.durations[:n])
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		snap.DurationP50 = percentile(sorted, 0.50)
		snap.DurationP95 = percentile(sorted, 0.95)
		snap.DurationP99 = percentile(sorted, 0.99)
	}
	return snap
}

// percentile uses the nearest-rank method over a sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
