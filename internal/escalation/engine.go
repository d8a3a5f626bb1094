package escalation

import (
	"errors"
	"strconv"
	"time"

	"github.com/relaydesk/triage/internal/intent"
	"github.com/relaydesk/triage/internal/knowledge"
	"github.com/relaydesk/triage/internal/store"
)

// Outcome is the terminal disposition of one pipeline execution.
type Outcome string

const (
	OutcomeAutoResolve Outcome = "auto_resolve"
	OutcomeAutoApprove Outcome = "auto_approve"
	OutcomeEscalate    Outcome = "escalate"
)

// Reason enumerates why an escalation (or approval) was decided.
type Reason string

const (
	ReasonSafetyConcern        Reason = "safety_concern"
	ReasonFrustrationThreshold Reason = "frustration_threshold"
	ReasonMonetaryThreshold    Reason = "monetary_threshold"
	ReasonPolicyException      Reason = "policy_exception"
	ReasonRepeatIssuePattern   Reason = "repeat_issue_pattern"
	ReasonUnclassifiable       Reason = "unclassifiable"
)

// Priority assigns urgency to escalated work.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
)

// Decision is the engine's output. Exactly one Decision is produced per
// pipeline execution: Escalate always carries a non-empty Queue, and
// AutoApprove always carries a non-negative amount below the configured cap.
type Decision struct {
	Outcome            Outcome  `json:"outcome"`
	Reason             Reason   `json:"reason,omitempty"`
	Priority           Priority `json:"priority,omitempty"`
	Queue              string   `json:"queue,omitempty"`
	AutoApprovedAmount float64  `json:"auto_approved_amount,omitempty"`
	Rule               string   `json:"rule"`
}

// Queues maps trigger categories to human queue identifiers.
type Queues struct {
	Safety  string `yaml:"safety" envconfig:"QUEUE_SAFETY"`
	Billing string `yaml:"billing" envconfig:"QUEUE_BILLING"`
	General string `yaml:"general" envconfig:"QUEUE_GENERAL"`
}

// Config holds the engine thresholds. All values are injected at startup
// and immutable for the process lifetime; a missing threshold is a startup
// error, never a silent default at decision time.
type Config struct {
	MonetaryCap      float64       `yaml:"monetary_cap" envconfig:"MONETARY_CAP"`
	RecencyWindow    time.Duration `yaml:"recency_window" envconfig:"RECENCY_WINDOW"`
	FrustrationTurns int           `yaml:"frustration_turns" envconfig:"FRUSTRATION_TURNS"`
	RelevanceFloor   float64       `yaml:"relevance_floor" envconfig:"RELEVANCE_FLOOR"`
	RepeatWindow     time.Duration `yaml:"repeat_window" envconfig:"REPEAT_WINDOW"`
	RepeatCount      int           `yaml:"repeat_count" envconfig:"REPEAT_COUNT"`
	Queues           Queues        `yaml:"queues"`
}

// Validate rejects configurations the engine cannot safely run with.
func (c Config) Validate() error {
	if c.MonetaryCap <= 0 {
		return errors.New("monetary_cap must be positive")
	}
	if c.RecencyWindow <= 0 {
		return errors.New("recency_window must be positive")
	}
	if c.FrustrationTurns <= 0 {
		return errors.New("frustration_turns must be positive")
	}
	if c.RelevanceFloor < 0 || c.RelevanceFloor > 1 {
		return errors.New("relevance_floor must be within [0,1]")
	}
	if c.RepeatWindow <= 0 {
		return errors.New("repeat_window must be positive")
	}
	if c.RepeatCount <= 0 {
		return errors.New("repeat_count must be positive")
	}
	if c.Queues.Safety == "" || c.Queues.Billing == "" || c.Queues.General == "" {
		return errors.New("all escalation queues must be configured")
	}
	return nil
}

// Input is everything a decision may depend on. Now is passed explicitly so
// the engine stays a pure function: identical inputs always yield the
// identical Decision.
type Input struct {
	Intent       intent.Result
	Knowledge    knowledge.ResultSet
	Conversation store.Conversation
	Now          time.Time
}

// monetaryIntents require a parseable amount and the authoritative order
// record before any automatic approval.
var monetaryIntents = map[intent.Label]bool{
	intent.LabelRefundRequest: true,
}

type rule struct {
	name    string
	applies func(*Engine, Input) bool
	decide  func(*Engine, Input) Decision
}

// Engine evaluates an explicit ordered rule cascade, first match wins.
// The order is part of the contract: reordering rules changes decisions
// and invalidates test expectations.
type Engine struct {
	cfg   Config
	rules []rule
}

// NewEngine builds the cascade for the given thresholds. Config must have
// been validated already.
func NewEngine(cfg Config) *Engine {
	e := &Engine{cfg: cfg}
	e.rules = []rule{
		{
			name:    "safety",
			applies: func(_ *Engine, in Input) bool { return in.Intent.TriggerClass == intent.TriggerSafety },
			decide: func(e *Engine, _ Input) Decision {
				return Decision{
					Outcome:  OutcomeEscalate,
					Reason:   ReasonSafetyConcern,
					Priority: PriorityCritical,
					Queue:    e.cfg.Queues.Safety,
					Rule:     "safety",
				}
			},
		},
		{
			name: "missing-authoritative-knowledge",
			applies: func(_ *Engine, in Input) bool {
				return in.Knowledge.Degraded && in.Knowledge.MissingAuthoritative
			},
			decide: func(e *Engine, _ Input) Decision {
				return Decision{
					Outcome:  OutcomeEscalate,
					Reason:   ReasonUnclassifiable,
					Priority: PriorityHigh,
					Queue:    e.cfg.Queues.General,
					Rule:     "missing-authoritative-knowledge",
				}
			},
		},
		{
			name: "frustration",
			applies: func(e *Engine, in Input) bool {
				return in.Conversation.UnresolvedClarifications >= e.cfg.FrustrationTurns ||
					in.Intent.TriggerClass == intent.TriggerFrustration
			},
			decide: func(e *Engine, _ Input) Decision {
				return Decision{
					Outcome:  OutcomeEscalate,
					Reason:   ReasonFrustrationThreshold,
					Priority: PriorityHigh,
					Queue:    e.cfg.Queues.General,
					Rule:     "frustration",
				}
			},
		},
		{
			name:    "monetary",
			applies: func(_ *Engine, in Input) bool { return monetaryIntents[in.Intent.Label] },
			decide:  (*Engine).decideMonetary,
		},
		{
			name:    "resolvable",
			applies: (*Engine).resolvable,
			decide: func(e *Engine, _ Input) Decision {
				return Decision{Outcome: OutcomeAutoResolve, Rule: "resolvable"}
			},
		},
		{
			name:    "fallback",
			applies: func(_ *Engine, _ Input) bool { return true },
			decide: func(e *Engine, _ Input) Decision {
				return Decision{
					Outcome:  OutcomeEscalate,
					Reason:   ReasonUnclassifiable,
					Priority: PriorityNormal,
					Queue:    e.cfg.Queues.General,
					Rule:     "fallback",
				}
			},
		},
	}
	return e
}

// Queues returns the configured queue names, for callers that must route
// work outside a Decide call.
func (e *Engine) Queues() Queues { return e.cfg.Queues }

// Decide runs the cascade top to bottom and returns the first applicable
// rule's decision. Pure: no hidden clock, no randomness.
func (e *Engine) Decide(in Input) Decision {
	for _, r := range e.rules {
		if r.applies(e, in) {
			return r.decide(e, in)
		}
	}
	// Unreachable: the fallback rule always applies.
	return Decision{Outcome: OutcomeEscalate, Reason: ReasonUnclassifiable, Priority: PriorityNormal, Queue: e.cfg.Queues.General, Rule: "fallback"}
}

// decideMonetary implements the auto-approval envelope: approve only when
// the claimed amount is below the cap, the order is within the recency
// window, and no repeat-issue pattern shows in recent history. Every other
// combination escalates with the most specific reason.
func (e *Engine) decideMonetary(in Input) Decision {
	amount, hasAmount := e.claimedAmount(in)

	if e.repeatPattern(in) {
		return Decision{
			Outcome:  OutcomeEscalate,
			Reason:   ReasonRepeatIssuePattern,
			Priority: PriorityHigh,
			Queue:    e.cfg.Queues.Billing,
			Rule:     "monetary",
		}
	}

	if !e.withinRecencyWindow(in) {
		return Decision{
			Outcome:  OutcomeEscalate,
			Reason:   ReasonPolicyException,
			Priority: PriorityNormal,
			Queue:    e.cfg.Queues.Billing,
			Rule:     "monetary",
		}
	}

	if hasAmount && amount >= 0 && amount < e.cfg.MonetaryCap {
		return Decision{
			Outcome:            OutcomeAutoApprove,
			Reason:             ReasonMonetaryThreshold,
			AutoApprovedAmount: amount,
			Rule:               "monetary",
		}
	}

	priority := PriorityNormal
	if hasAmount && amount >= 2*e.cfg.MonetaryCap {
		priority = PriorityHigh
	}
	return Decision{
		Outcome:  OutcomeEscalate,
		Reason:   ReasonMonetaryThreshold,
		Priority: priority,
		Queue:    e.cfg.Queues.Billing,
		Rule:     "monetary",
	}
}

// resolvable: a classified business intent with healthy, sufficiently
// relevant knowledge can be answered automatically.
func (e *Engine) resolvable(in Input) bool {
	if in.Intent.Label == intent.LabelUnclassified || in.Intent.TriggerClass != intent.TriggerBusiness {
		return false
	}
	if in.Knowledge.Degraded {
		return false
	}
	top, ok := in.Knowledge.Top()
	if !ok {
		return false
	}
	return top.RelevanceScore >= e.cfg.RelevanceFloor
}

// claimedAmount reads the monetary amount from the current turn's entities,
// falling back to values remembered on the conversation.
func (e *Engine) claimedAmount(in Input) (float64, bool) {
	raw, ok := in.Intent.Entities["amount"]
	if !ok {
		raw, ok = in.Conversation.Entities["amount"]
	}
	if !ok {
		return 0, false
	}
	amount, err := strconv.ParseFloat(raw, 64)
	if err != nil || amount < 0 {
		return 0, false
	}
	return amount, true
}

// withinRecencyWindow checks the order's age when the knowledge payload
// carries one ("ordered_at", RFC 3339); otherwise the conversation's own
// age bounds the claim. This is the only wall-clock-dependent branch and
// it depends solely on the explicit Input.Now.
func (e *Engine) withinRecencyWindow(in Input) bool {
	cutoff := in.Now.Add(-e.cfg.RecencyWindow)

	for _, res := range in.Knowledge.Results {
		if raw, ok := res.Payload["ordered_at"]; ok {
			orderedAt, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				continue
			}
			return orderedAt.After(cutoff)
		}
	}

	if in.Conversation.CreatedAt.IsZero() {
		return true
	}
	return in.Conversation.CreatedAt.After(cutoff)
}

// repeatPattern reports whether the same intent label already occurred at
// least RepeatCount times within the repeat window. History is recorded
// after each decision, so the current turn is not part of it.
func (e *Engine) repeatPattern(in Input) bool {
	cutoff := in.Now.Add(-e.cfg.RepeatWindow)
	count := 0
	for _, rec := range in.Conversation.Intents {
		if rec.Label == string(in.Intent.Label) && rec.At.After(cutoff) {
			count++
		}
	}
	return count >= e.cfg.RepeatCount
}
