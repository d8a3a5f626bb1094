package escalation

import (
	"testing"
	"time"

	"github.com/relaydesk/triage/internal/intent"
	"github.com/relaydesk/triage/internal/knowledge"
	"github.com/relaydesk/triage/internal/store"
)

func testConfig() Config {
	return Config{
		MonetaryCap:      50,
		RecencyWindow:    30 * 24 * time.Hour,
		FrustrationTurns: 3,
		RelevanceFloor:   0.40,
		RepeatWindow:     30 * 24 * time.Hour,
		RepeatCount:      2,
		Queues: Queues{
			Safety:  "safety",
			Billing: "billing",
			General: "general",
		},
	}
}

func healthyKnowledge(relevance float64, payload map[string]string) knowledge.ResultSet {
	return knowledge.ResultSet{
		Results: []knowledge.Result{
			{SourceID: "orders", RelevanceScore: relevance, Payload: payload},
		},
	}
}

func TestDecide_SafetyAlwaysCritical(t *testing.T) {
	engine := NewEngine(testConfig())
	now := time.Now()

	// Safety dominates even when every other rule would also fire.
	in := Input{
		Intent: intent.Result{
			Label:        intent.LabelSafetyConcern,
			TriggerClass: intent.TriggerSafety,
			Confidence:   1.0,
			Entities:     map[string]string{"amount": "300"},
		},
		Knowledge: knowledge.ResultSet{Degraded: true, MissingAuthoritative: true},
		Conversation: store.Conversation{
			UnresolvedClarifications: 5,
			CreatedAt:                now.Add(-90 * 24 * time.Hour),
		},
		Now: now,
	}

	d := engine.Decide(in)
	if d.Outcome != OutcomeEscalate {
		t.Fatalf("outcome = %s, want %s", d.Outcome, OutcomeEscalate)
	}
	if d.Reason != ReasonSafetyConcern {
		t.Errorf("reason = %s, want %s", d.Reason, ReasonSafetyConcern)
	}
	if d.Priority != PriorityCritical {
		t.Errorf("priority = %s, want %s", d.Priority, PriorityCritical)
	}
	if d.Queue != "safety" {
		t.Errorf("queue = %s, want safety", d.Queue)
	}
}

func TestDecide_BusinessIntentAutoResolves(t *testing.T) {
	engine := NewEngine(testConfig())
	now := time.Now()

	in := Input{
		Intent: intent.Result{
			Label:        intent.LabelOrderStatus,
			TriggerClass: intent.TriggerBusiness,
			Confidence:   0.9,
			Entities:     map[string]string{"order_id": "10234"},
		},
		Knowledge:    healthyKnowledge(0.95, map[string]string{"status": "shipped"}),
		Conversation: store.Conversation{CreatedAt: now.Add(-time.Hour)},
		Now:          now,
	}

	d := engine.Decide(in)
	if d.Outcome != OutcomeAutoResolve {
		t.Fatalf("outcome = %s, want %s", d.Outcome, OutcomeAutoResolve)
	}
	if d.Queue != "" {
		t.Errorf("auto-resolve must not carry a queue, got %q", d.Queue)
	}
}

func TestDecide_RefundBelowCapAutoApproves(t *testing.T) {
	engine := NewEngine(testConfig())
	now := time.Now()

	in := Input{
		Intent: intent.Result{
			Label:        intent.LabelRefundRequest,
			TriggerClass: intent.TriggerBusiness,
			Entities:     map[string]string{"amount": "30"},
		},
		Knowledge:    healthyKnowledge(0.9, map[string]string{"ordered_at": now.Add(-5 * 24 * time.Hour).Format(time.RFC3339)}),
		Conversation: store.Conversation{CreatedAt: now.Add(-time.Hour)},
		Now:          now,
	}

	d := engine.Decide(in)
	if d.Outcome != OutcomeAutoApprove {
		t.Fatalf("outcome = %s, want %s", d.Outcome, OutcomeAutoApprove)
	}
	if d.AutoApprovedAmount != 30 {
		t.Errorf("auto_approved_amount = %v, want 30", d.AutoApprovedAmount)
	}
}

func TestDecide_RefundAtOrAboveCapEscalates(t *testing.T) {
	cfg := testConfig()
	engine := NewEngine(cfg)
	now := time.Now()

	tests := []struct {
		name         string
		amount       string
		wantPriority Priority
	}{
		{name: "exactly at cap", amount: "50", wantPriority: PriorityNormal},
		{name: "well above cap", amount: "300", wantPriority: PriorityHigh},
		{name: "twice the cap", amount: "100", wantPriority: PriorityHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Input{
				Intent: intent.Result{
					Label:        intent.LabelRefundRequest,
					TriggerClass: intent.TriggerBusiness,
					Entities:     map[string]string{"amount": tt.amount},
				},
				Knowledge:    healthyKnowledge(0.9, nil),
				Conversation: store.Conversation{CreatedAt: now.Add(-time.Hour)},
				Now:          now,
			}

			d := engine.Decide(in)
			if d.Outcome != OutcomeEscalate {
				t.Fatalf("outcome = %s, want %s", d.Outcome, OutcomeEscalate)
			}
			if d.Reason != ReasonMonetaryThreshold {
				t.Errorf("reason = %s, want %s", d.Reason, ReasonMonetaryThreshold)
			}
			if d.Priority != tt.wantPriority {
				t.Errorf("priority = %s, want %s", d.Priority, tt.wantPriority)
			}
			if d.Queue != "billing" {
				t.Errorf("queue = %s, want billing", d.Queue)
			}
		})
	}
}

func TestDecide_RefundOutsideRecencyWindow(t *testing.T) {
	engine := NewEngine(testConfig())
	now := time.Now()

	in := Input{
		Intent: intent.Result{
			Label:        intent.LabelRefundRequest,
			TriggerClass: intent.TriggerBusiness,
			Entities:     map[string]string{"amount": "20"},
		},
		Knowledge: healthyKnowledge(0.9, map[string]string{
			"ordered_at": now.Add(-45 * 24 * time.Hour).Format(time.RFC3339),
		}),
		Conversation: store.Conversation{CreatedAt: now.Add(-time.Hour)},
		Now:          now,
	}

	d := engine.Decide(in)
	if d.Outcome != OutcomeEscalate {
		t.Fatalf("outcome = %s, want %s", d.Outcome, OutcomeEscalate)
	}
	if d.Reason != ReasonPolicyException {
		t.Errorf("reason = %s, want %s", d.Reason, ReasonPolicyException)
	}
	if d.Priority != PriorityNormal {
		t.Errorf("priority = %s, want %s", d.Priority, PriorityNormal)
	}
}

func TestDecide_RepeatRefundPattern(t *testing.T) {
	engine := NewEngine(testConfig())
	now := time.Now()

	in := Input{
		Intent: intent.Result{
			Label:        intent.LabelRefundRequest,
			TriggerClass: intent.TriggerBusiness,
			Entities:     map[string]string{"amount": "10"},
		},
		Knowledge: healthyKnowledge(0.9, nil),
		Conversation: store.Conversation{
			CreatedAt: now.Add(-time.Hour),
			Intents: []store.IntentRecord{
				{Label: string(intent.LabelRefundRequest), At: now.Add(-10 * 24 * time.Hour)},
				{Label: string(intent.LabelRefundRequest), At: now.Add(-2 * 24 * time.Hour)},
			},
		},
		Now: now,
	}

	d := engine.Decide(in)
	if d.Outcome != OutcomeEscalate {
		t.Fatalf("outcome = %s, want %s", d.Outcome, OutcomeEscalate)
	}
	if d.Reason != ReasonRepeatIssuePattern {
		t.Errorf("reason = %s, want %s", d.Reason, ReasonRepeatIssuePattern)
	}
	if d.Priority != PriorityHigh {
		t.Errorf("priority = %s, want %s", d.Priority, PriorityHigh)
	}
}

func TestDecide_RepeatsOutsideWindowDoNotCount(t *testing.T) {
	engine := NewEngine(testConfig())
	now := time.Now()

	in := Input{
		Intent: intent.Result{
			Label:        intent.LabelRefundRequest,
			TriggerClass: intent.TriggerBusiness,
			Entities:     map[string]string{"amount": "10"},
		},
		Knowledge: healthyKnowledge(0.9, nil),
		Conversation: store.Conversation{
			CreatedAt: now.Add(-time.Hour),
			Intents: []store.IntentRecord{
				{Label: string(intent.LabelRefundRequest), At: now.Add(-60 * 24 * time.Hour)},
				{Label: string(intent.LabelRefundRequest), At: now.Add(-45 * 24 * time.Hour)},
			},
		},
		Now: now,
	}

	if d := engine.Decide(in); d.Outcome != OutcomeAutoApprove {
		t.Fatalf("outcome = %s, want %s (stale history must not block)", d.Outcome, OutcomeAutoApprove)
	}
}

func TestDecide_FrustrationAfterRepeatedClarifications(t *testing.T) {
	engine := NewEngine(testConfig())
	now := time.Now()

	in := Input{
		Intent: intent.Result{Label: intent.LabelUnclassified},
		Conversation: store.Conversation{
			UnresolvedClarifications: 3,
			CreatedAt:                now.Add(-time.Hour),
		},
		Now: now,
	}

	d := engine.Decide(in)
	if d.Outcome != OutcomeEscalate {
		t.Fatalf("outcome = %s, want %s", d.Outcome, OutcomeEscalate)
	}
	if d.Reason != ReasonFrustrationThreshold {
		t.Errorf("reason = %s, want %s", d.Reason, ReasonFrustrationThreshold)
	}
	if d.Priority != PriorityHigh {
		t.Errorf("priority = %s, want %s", d.Priority, PriorityHigh)
	}
}

func TestDecide_FrustrationTriggerClass(t *testing.T) {
	engine := NewEngine(testConfig())
	now := time.Now()

	in := Input{
		Intent: intent.Result{
			Label:        intent.LabelFrustration,
			TriggerClass: intent.TriggerFrustration,
			Confidence:   intent.ConfidenceSignal,
		},
		Conversation: store.Conversation{CreatedAt: now.Add(-time.Hour)},
		Now:          now,
	}

	d := engine.Decide(in)
	if d.Reason != ReasonFrustrationThreshold {
		t.Errorf("reason = %s, want %s", d.Reason, ReasonFrustrationThreshold)
	}
}

func TestDecide_MissingAuthoritativeKnowledge(t *testing.T) {
	engine := NewEngine(testConfig())
	now := time.Now()

	in := Input{
		Intent: intent.Result{
			Label:        intent.LabelOrderStatus,
			TriggerClass: intent.TriggerBusiness,
		},
		Knowledge: knowledge.ResultSet{
			Degraded:             true,
			MissingAuthoritative: true,
			FailedSources:        []string{"orders"},
		},
		Conversation: store.Conversation{CreatedAt: now.Add(-time.Hour)},
		Now:          now,
	}

	d := engine.Decide(in)
	if d.Outcome != OutcomeEscalate {
		t.Fatalf("outcome = %s, want %s", d.Outcome, OutcomeEscalate)
	}
	if d.Reason != ReasonUnclassifiable {
		t.Errorf("reason = %s, want %s", d.Reason, ReasonUnclassifiable)
	}
	if d.Priority != PriorityHigh {
		t.Errorf("priority = %s, want %s", d.Priority, PriorityHigh)
	}
}

func TestDecide_DegradedNonAuthoritativeBlocksAutoResolveOnly(t *testing.T) {
	engine := NewEngine(testConfig())
	now := time.Now()

	// A failed secondary source keeps results usable but forbids the
	// automatic path for non-monetary business intents.
	in := Input{
		Intent: intent.Result{
			Label:        intent.LabelProductQuestion,
			TriggerClass: intent.TriggerBusiness,
		},
		Knowledge: knowledge.ResultSet{
			Results:       []knowledge.Result{{SourceID: "faq", RelevanceScore: 0.9}},
			Degraded:      true,
			FailedSources: []string{"reviews"},
		},
		Conversation: store.Conversation{CreatedAt: now.Add(-time.Hour)},
		Now:          now,
	}

	d := engine.Decide(in)
	if d.Outcome != OutcomeEscalate {
		t.Fatalf("outcome = %s, want %s", d.Outcome, OutcomeEscalate)
	}
	if d.Reason != ReasonUnclassifiable {
		t.Errorf("reason = %s, want %s", d.Reason, ReasonUnclassifiable)
	}
	if d.Priority != PriorityNormal {
		t.Errorf("priority = %s, want %s", d.Priority, PriorityNormal)
	}
}

func TestDecide_LowRelevanceEscalates(t *testing.T) {
	engine := NewEngine(testConfig())
	now := time.Now()

	in := Input{
		Intent: intent.Result{
			Label:        intent.LabelPolicyQuestion,
			TriggerClass: intent.TriggerBusiness,
		},
		Knowledge:    healthyKnowledge(0.2, nil),
		Conversation: store.Conversation{CreatedAt: now.Add(-time.Hour)},
		Now:          now,
	}

	d := engine.Decide(in)
	if d.Outcome != OutcomeEscalate {
		t.Fatalf("outcome = %s, want %s", d.Outcome, OutcomeEscalate)
	}
	if d.Reason != ReasonUnclassifiable {
		t.Errorf("reason = %s, want %s", d.Reason, ReasonUnclassifiable)
	}
}

func TestDecide_UnclassifiedFallback(t *testing.T) {
	engine := NewEngine(testConfig())
	now := time.Now()

	in := Input{
		Intent:       intent.Unclassified(),
		Conversation: store.Conversation{CreatedAt: now.Add(-time.Hour)},
		Now:          now,
	}

	d := engine.Decide(in)
	if d.Outcome != OutcomeEscalate {
		t.Fatalf("outcome = %s, want %s", d.Outcome, OutcomeEscalate)
	}
	if d.Reason != ReasonUnclassifiable {
		t.Errorf("reason = %s, want %s", d.Reason, ReasonUnclassifiable)
	}
	if d.Priority != PriorityNormal {
		t.Errorf("priority = %s, want %s", d.Priority, PriorityNormal)
	}
	if d.Queue != "general" {
		t.Errorf("queue = %s, want general", d.Queue)
	}
}

func TestDecide_Pure(t *testing.T) {
	engine := NewEngine(testConfig())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	in := Input{
		Intent: intent.Result{
			Label:        intent.LabelRefundRequest,
			TriggerClass: intent.TriggerBusiness,
			Entities:     map[string]string{"amount": "25"},
		},
		Knowledge:    healthyKnowledge(0.8, nil),
		Conversation: store.Conversation{CreatedAt: now.Add(-time.Hour)},
		Now:          now,
	}

	first := engine.Decide(in)
	for i := 0; i < 50; i++ {
		if got := engine.Decide(in); got != first {
			t.Fatalf("decision changed on iteration %d: %+v != %+v", i, got, first)
		}
	}
}

func TestDecide_EscalateAlwaysHasQueue(t *testing.T) {
	engine := NewEngine(testConfig())
	now := time.Now()

	inputs := []Input{
		{Intent: intent.Result{TriggerClass: intent.TriggerSafety}, Now: now},
		{Intent: intent.Result{TriggerClass: intent.TriggerFrustration}, Now: now},
		{Intent: intent.Result{Label: intent.LabelRefundRequest, Entities: map[string]string{"amount": "500"}}, Now: now},
		{Intent: intent.Unclassified(), Now: now},
		{Knowledge: knowledge.ResultSet{Degraded: true, MissingAuthoritative: true}, Now: now},
	}

	for i, in := range inputs {
		d := engine.Decide(in)
		if d.Outcome == OutcomeEscalate && d.Queue == "" {
			t.Errorf("input %d: escalation without a queue: %+v", i, d)
		}
	}
}

func TestDecide_MalformedAmountEscalates(t *testing.T) {
	engine := NewEngine(testConfig())
	now := time.Now()

	in := Input{
		Intent: intent.Result{
			Label:        intent.LabelRefundRequest,
			TriggerClass: intent.TriggerBusiness,
			Entities:     map[string]string{"amount": "a lot"},
		},
		Knowledge:    healthyKnowledge(0.9, nil),
		Conversation: store.Conversation{CreatedAt: now.Add(-time.Hour)},
		Now:          now,
	}

	d := engine.Decide(in)
	if d.Outcome != OutcomeEscalate {
		t.Fatalf("outcome = %s, want %s (unparseable amount must never auto-approve)", d.Outcome, OutcomeEscalate)
	}
	if d.Reason != ReasonMonetaryThreshold {
		t.Errorf("reason = %s, want %s", d.Reason, ReasonMonetaryThreshold)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}, wantErr: false},
		{name: "zero cap", mutate: func(c *Config) { c.MonetaryCap = 0 }, wantErr: true},
		{name: "negative recency", mutate: func(c *Config) { c.RecencyWindow = -time.Hour }, wantErr: true},
		{name: "zero frustration turns", mutate: func(c *Config) { c.FrustrationTurns = 0 }, wantErr: true},
		{name: "relevance floor above one", mutate: func(c *Config) { c.RelevanceFloor = 1.5 }, wantErr: true},
		{name: "missing queue", mutate: func(c *Config) { c.Queues.Billing = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
