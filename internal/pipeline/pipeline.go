package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relaydesk/triage/internal/composer"
	"github.com/relaydesk/triage/internal/escalation"
	"github.com/relaydesk/triage/internal/intent"
	"github.com/relaydesk/triage/internal/knowledge"
	"github.com/relaydesk/triage/internal/metrics"
	"github.com/relaydesk/triage/internal/sink"
	"github.com/relaydesk/triage/internal/store"
)

// ErrConversationClosed rejects messages addressed to a conversation that
// was already closed.
var ErrConversationClosed = errors.New("conversation is closed")

// StageTimeouts bound each pipeline stage. A stage that overruns its
// budget is abandoned and its designated fallback is used instead; the
// turn itself never fails on a slow stage.
type StageTimeouts struct {
	Classify time.Duration `yaml:"classify" envconfig:"STAGE_CLASSIFY"`
	Resolve  time.Duration `yaml:"resolve" envconfig:"STAGE_RESOLVE"`
	Decide   time.Duration `yaml:"decide" envconfig:"STAGE_DECIDE"`
	Compose  time.Duration `yaml:"compose" envconfig:"STAGE_COMPOSE"`
}

func (t *StageTimeouts) applyDefaults() {
	if t.Classify <= 0 {
		t.Classify = 2 * time.Second
	}
	if t.Resolve <= 0 {
		t.Resolve = 5 * time.Second
	}
	if t.Decide <= 0 {
		t.Decide = 2 * time.Second
	}
	if t.Compose <= 0 {
		t.Compose = 2 * time.Second
	}
}

// Result is everything one handled turn produced.
type Result struct {
	TurnID       string             `json:"turn_id"`
	Conversation store.Conversation `json:"conversation"`
	Intent       intent.Result      `json:"intent"`
	Knowledge    knowledge.ResultSet `json:"knowledge"`
	Decision     escalation.Decision `json:"decision"`
	Response     composer.Response  `json:"response"`
	Discarded    bool               `json:"discarded,omitempty"`
}

// Orchestrator runs the fixed stage sequence for each inbound message:
// append, classify, resolve, decide, compose, then bookkeeping. Turns for
// the same conversation are serialized; distinct conversations run
// concurrently.
type Orchestrator struct {
	store      store.Store
	locks      *store.KeyLock
	classifier *intent.Classifier
	resolver   *knowledge.Resolver
	engine     *escalation.Engine
	composer   *composer.Composer
	aggregator *metrics.Aggregator
	escSink    sink.EscalationSink
	eventSink  sink.EventSink
	timeouts   StageTimeouts
	logger     *slog.Logger

	now func() time.Time
}

// Options collects the orchestrator's collaborators. Store, Classifier,
// Resolver, Engine and Composer are required; sinks and the aggregator are
// optional.
type Options struct {
	Store      store.Store
	Classifier *intent.Classifier
	Resolver   *knowledge.Resolver
	Engine     *escalation.Engine
	Composer   *composer.Composer
	Aggregator *metrics.Aggregator
	EscSink    sink.EscalationSink
	EventSink  sink.EventSink
	Timeouts   StageTimeouts
	Logger     *slog.Logger
	Now        func() time.Time
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	if opts.Classifier == nil {
		return nil, errors.New("pipeline: classifier is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("pipeline: resolver is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("pipeline: engine is required")
	}
	if opts.Composer == nil {
		return nil, errors.New("pipeline: composer is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Timeouts.applyDefaults()

	return &Orchestrator{
		store:      opts.Store,
		locks:      store.NewKeyLock(),
		classifier: opts.Classifier,
		resolver:   opts.Resolver,
		engine:     opts.Engine,
		composer:   opts.Composer,
		aggregator: opts.Aggregator,
		escSink:    opts.EscSink,
		eventSink:  opts.EventSink,
		timeouts:   opts.Timeouts,
		logger:     opts.Logger,
		now:        opts.Now,
	}, nil
}

// Handle processes one customer message end to end and returns the
// composed response along with every intermediate artifact. The whole turn
// runs under the conversation's lock, so two messages for the same
// conversation never interleave.
func (o *Orchestrator) Handle(ctx context.Context, conversationID, text string) (Result, error) {
	release := o.locks.Acquire(conversationID)
	defer release()

	started := o.now()
	turnID := uuid.NewString()
	log := o.logger.With("conversation_id", conversationID, "turn_id", turnID)

	conv, err := o.store.Get(ctx, conversationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("load conversation: %w", err)
	}
	if err == nil && conv.Status == store.StatusClosed {
		log.Info("message discarded, conversation closed")
		return Result{TurnID: turnID, Conversation: conv, Discarded: true}, ErrConversationClosed
	}

	msg := store.Message{
		TurnID:         turnID,
		ConversationID: conversationID,
		Sender:         store.SenderCustomer,
		Text:           text,
		Timestamp:      started,
	}
	conv, err = o.store.Append(ctx, conversationID, msg)
	if err != nil {
		return Result{}, fmt.Errorf("append message: %w", err)
	}

	res := Result{TurnID: turnID, Conversation: conv}

	// Classify.
	res.Intent = o.runClassify(ctx, log, msg, conv)
	o.emitStage(ctx, conversationID, turnID, "classify", started)

	// Resolve. Safety concerns short-circuit straight to the decision;
	// no knowledge lookup can change that outcome.
	if res.Intent.TriggerClass != intent.TriggerSafety {
		res.Knowledge = o.runResolve(ctx, log, res.Intent, o.mergedEntities(res.Intent, conv))
	}
	o.emitStage(ctx, conversationID, turnID, "resolve", started)

	// Newly extracted entities are overlaid in memory for the remaining
	// stages; persistence waits for bookkeeping so a turn discarded
	// mid-flight leaves no trace in the store.
	entities := o.mergedEntities(res.Intent, conv)
	conv.Entities = entities

	// An unresolved turn raises the clarification counter before the
	// decision so the threshold is judged against this turn included.
	if res.Intent.Label == intent.LabelUnclassified {
		conv.UnresolvedClarifications++
	}
	res.Conversation = conv

	// Decide.
	res.Decision = o.runDecide(ctx, log, escalation.Input{
		Intent:       res.Intent,
		Knowledge:    res.Knowledge,
		Conversation: conv,
		Now:          started,
	})
	o.emitStage(ctx, conversationID, turnID, "decide", started)

	// Compose.
	res.Response = o.runCompose(ctx, log, res, entities)
	o.emitStage(ctx, conversationID, turnID, "compose", started)

	// The conversation may have been closed while the stages ran. A closed
	// conversation gets no bookkeeping and no reply.
	latest, err := o.store.Get(ctx, conversationID)
	if err == nil && latest.Status == store.StatusClosed {
		log.Info("turn discarded, conversation closed mid-flight")
		res.Conversation = latest
		res.Discarded = true
		return res, nil
	}

	o.bookkeep(ctx, log, &res, conversationID, started)
	return res, nil
}

// bookkeep persists this turn's deferred conversation state, applies the
// post-decision status, emits the escalation record, and records metrics.
// None of these can fail the turn.
func (o *Orchestrator) bookkeep(ctx context.Context, log *slog.Logger, res *Result, conversationID string, started time.Time) {
	d := res.Decision
	clarifications := res.Conversation.UnresolvedClarifications

	if len(res.Intent.Entities) > 0 {
		if _, err := o.store.UpdateEntities(ctx, conversationID, res.Intent.Entities); err != nil {
			log.Warn("entity persistence failed", "error", err)
		}
	}

	reply := store.Message{
		TurnID:         uuid.NewString(),
		ConversationID: conversationID,
		Sender:         store.SenderSystem,
		Text:           res.Response.Text,
		Timestamp:      o.now(),
	}
	conv, err := o.store.Append(ctx, conversationID, reply)
	if err != nil {
		log.Warn("reply persistence failed", "error", err)
	} else {
		// The stored counter lags this turn until persisted below.
		conv.UnresolvedClarifications = clarifications
		res.Conversation = conv
	}

	if err := o.store.RecordIntent(ctx, conversationID, string(res.Intent.Label), started); err != nil {
		log.Warn("intent history persistence failed", "error", err)
	}

	resolved := d.Outcome == escalation.OutcomeAutoResolve || d.Outcome == escalation.OutcomeAutoApprove
	switch {
	case resolved || d.Reason != escalation.ReasonUnclassifiable:
		if clarifications != 0 {
			if err := o.store.SetClarifications(ctx, conversationID, 0); err != nil {
				log.Warn("clarification reset failed", "error", err)
			}
			res.Conversation.UnresolvedClarifications = 0
		}
	case res.Intent.Label == intent.LabelUnclassified:
		if err := o.store.SetClarifications(ctx, conversationID, clarifications); err != nil {
			log.Warn("clarification persistence failed", "error", err)
		}
	}

	status := store.StatusOpen
	switch d.Outcome {
	case escalation.OutcomeAutoResolve, escalation.OutcomeAutoApprove:
		status = store.StatusAutoResolved
	case escalation.OutcomeEscalate:
		status = store.StatusEscalated
	}
	if err := o.store.SetStatus(ctx, conversationID, status); err != nil {
		log.Warn("status persistence failed", "error", err)
	}
	res.Conversation.Status = status

	if d.Outcome == escalation.OutcomeEscalate && o.escSink != nil {
		rec := sink.EscalationRecord{
			ConversationID: conversationID,
			TranscriptRef:  "/conversations/" + conversationID,
			Reason:         d.Reason,
			Priority:       d.Priority,
			Queue:          d.Queue,
			At:             o.now(),
		}
		if err := o.escSink.Escalate(ctx, rec); err != nil {
			log.Error("escalation delivery failed", "error", err, "queue", rec.Queue)
		}
	}

	duration := o.now().Sub(started)
	if o.aggregator != nil {
		o.aggregator.Record(metrics.Event{
			ConversationID: conversationID,
			Outcome:        d.Outcome,
			Reason:         d.Reason,
			IntentLabel:    string(res.Intent.Label),
			Duration:       duration,
			At:             started,
		})
	}
	o.emit(ctx, sink.KPIEvent{
		ConversationID: conversationID,
		TurnID:         res.TurnID,
		Stage:          "turn",
		Outcome:        string(d.Outcome),
		Reason:         string(d.Reason),
		DurationMS:     duration.Milliseconds(),
		At:             o.now(),
	})

	log.Info("turn handled",
		"intent", res.Intent.Label,
		"outcome", d.Outcome,
		"reason", d.Reason,
		"duration_ms", duration.Milliseconds())
}

func (o *Orchestrator) runClassify(ctx context.Context, log *slog.Logger, msg store.Message, conv store.Conversation) intent.Result {
	out, ok := runStage(ctx, o.timeouts.Classify, func() intent.Result {
		return o.classifier.Classify(msg, conv)
	})
	if !ok {
		log.Warn("classify stage timed out")
		return intent.Unclassified()
	}
	return out
}

func (o *Orchestrator) runResolve(ctx context.Context, log *slog.Logger, in intent.Result, entities map[string]string) knowledge.ResultSet {
	out, ok := runStage(ctx, o.timeouts.Resolve, func() knowledge.ResultSet {
		return o.resolver.Resolve(ctx, in, entities)
	})
	if !ok {
		log.Warn("resolve stage timed out", "intent", in.Label)
		return knowledge.ResultSet{
			Degraded:             true,
			MissingAuthoritative: o.resolver.RequiresAuthoritative(in.Label),
		}
	}
	return out
}

func (o *Orchestrator) runDecide(ctx context.Context, log *slog.Logger, in escalation.Input) escalation.Decision {
	out, ok := runStage(ctx, o.timeouts.Decide, func() escalation.Decision {
		return o.engine.Decide(in)
	})
	if !ok {
		log.Warn("decide stage timed out")
		return o.timeoutDecision()
	}
	return out
}

// timeoutDecision errs on the side of a human looking at the turn, routed
// to the engine's configured general queue.
func (o *Orchestrator) timeoutDecision() escalation.Decision {
	return escalation.Decision{
		Outcome:  escalation.OutcomeEscalate,
		Reason:   escalation.ReasonUnclassifiable,
		Priority: escalation.PriorityNormal,
		Queue:    o.engine.Queues().General,
		Rule:     "timeout",
	}
}

func (o *Orchestrator) runCompose(ctx context.Context, log *slog.Logger, res Result, entities map[string]string) composer.Response {
	out, ok := runStage(ctx, o.timeouts.Compose, func() composer.Response {
		return o.composer.Compose(res.Intent, res.Knowledge, res.Decision, entities)
	})
	if !ok {
		log.Warn("compose stage timed out")
		return o.composer.Fallback(res.Decision)
	}
	return out
}

// runStage executes fn with a deadline. On timeout the stage's goroutine is
// abandoned (fn must be side-effect free or internally cancellable) and the
// caller substitutes a fallback.
func runStage[T any](ctx context.Context, timeout time.Duration, fn func() T) (T, bool) {
	done := make(chan T, 1)
	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case out := <-done:
		return out, true
	case <-timer.C:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}

// mergedEntities overlays this turn's extracted entities on the remembered
// conversation entities. Current-turn values win.
func (o *Orchestrator) mergedEntities(in intent.Result, conv store.Conversation) map[string]string {
	merged := make(map[string]string, len(conv.Entities)+len(in.Entities))
	for k, v := range conv.Entities {
		merged[k] = v
	}
	for k, v := range in.Entities {
		merged[k] = v
	}
	return merged
}

func (o *Orchestrator) emitStage(ctx context.Context, conversationID, turnID, stage string, started time.Time) {
	o.emit(ctx, sink.KPIEvent{
		ConversationID: conversationID,
		TurnID:         turnID,
		Stage:          stage,
		DurationMS:     o.now().Sub(started).Milliseconds(),
		At:             o.now(),
	})
}

func (o *Orchestrator) emit(ctx context.Context, ev sink.KPIEvent) {
	if o.eventSink == nil {
		return
	}
	if err := o.eventSink.Publish(ctx, ev); err != nil {
		o.logger.Warn("kpi event delivery failed", "error", err, "stage", ev.Stage)
	}
}
