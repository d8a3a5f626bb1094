package intent

// TriggerClass orders intents by escalation priority: safety rules are
// evaluated before frustration signals, which are evaluated before
// business intents.
type TriggerClass string

const (
	TriggerSafety      TriggerClass = "safety"
	TriggerFrustration TriggerClass = "frustration"
	TriggerBusiness    TriggerClass = "business"
)

// Label is the classified purpose of a customer message, drawn from a
// closed taxonomy. New labels require new rules and new templates; the
// taxonomy is versioned with the binary.
type Label string

const (
	LabelSafetyConcern   Label = "safety_concern"
	LabelFrustration     Label = "frustration"
	LabelOrderStatus     Label = "order_status"
	LabelRefundRequest   Label = "refund_request"
	LabelCancelOrder     Label = "cancel_order"
	LabelProductQuestion Label = "product_question"
	LabelPolicyQuestion  Label = "policy_question"
	LabelUnclassified    Label = "unclassified"
)

// Match-specificity confidence tiers. The classifier is deterministic:
// confidence is a function of how the rule matched, not a model output.
const (
	ConfidenceSafety  = 1.0
	ConfidenceSignal  = 0.85
	ConfidenceExact   = 0.9
	ConfidencePartial = 0.6
)

// Result is the classification outcome for a single turn. Entities hold
// values extracted from the current message, plus carried-over conversation
// entities when the message references them indirectly.
type Result struct {
	Label        Label             `json:"label"`
	Confidence   float64           `json:"confidence"`
	TriggerClass TriggerClass      `json:"trigger_class"`
	Entities     map[string]string `json:"entities,omitempty"`
}

// Unclassified returns the fallback result for messages no rule matches.
func Unclassified() Result {
	return Result{
		Label:        LabelUnclassified,
		Confidence:   0,
		TriggerClass: TriggerBusiness,
		Entities:     map[string]string{},
	}
}
