package intent

import (
	"regexp"
	"strings"

	"github.com/relaydesk/triage/internal/store"
)

// Classifier maps an inbound message plus conversation context to a ranked
// intent. Rules are evaluated in priority order: safety patterns first,
// then frustration signals, then the closed set of business intents.
// The first matching priority class wins; within the business class the
// most specific match wins, ties broken by declaration order. Evaluation
// is fully deterministic so rule behavior stays testable.
type Classifier struct {
	safety           []*regexp.Regexp
	negative         []*regexp.Regexp
	frustrationTurns int
	business         []businessRule
}

type businessRule struct {
	label    Label
	monetary bool
	exact    []string
	partial  []*regexp.Regexp
}

// NewClassifier builds the default rule set. frustrationTurns is the number
// of consecutive negative customer turns (including the current one) that
// constitutes a frustration signal; values < 2 fall back to 3.
func NewClassifier(frustrationTurns int) *Classifier {
	if frustrationTurns < 2 {
		frustrationTurns = 3
	}
	return &Classifier{
		safety: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(hurt|injur\w*|burn\w*|burned|caught fire|fire|smoke|smoking|spark\w*|shock\w*|electrocut\w*|unsafe|dangerous|hazard\w*|bleed\w*|hospital|allergic|choking|overheat\w*|explod\w*)\b`),
		},
		negative: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(ridiculous|useless|terrible|awful|horrible|worst|angry|furious|frustrat\w*|unacceptable|fed up|sick of|annoy\w*|a joke|waste of (my )?time|third time|yet again|still (not|no|waiting|broken))\b`),
		},
		frustrationTurns: frustrationTurns,
		business: []businessRule{
			{
				label:    LabelRefundRequest,
				monetary: true,
				exact:    []string{"i want a refund", "refund my order", "i want my money back", "give me a refund"},
				partial: []*regexp.Regexp{
					regexp.MustCompile(`(?i)\brefund\w*\b`),
					regexp.MustCompile(`(?i)\bmoney back\b`),
					regexp.MustCompile(`(?i)\breimburs\w*\b`),
				},
			},
			{
				label: LabelOrderStatus,
				exact: []string{"where is my order", "track my order", "order status", "when will my order arrive"},
				partial: []*regexp.Regexp{
					regexp.MustCompile(`(?i)\b(where|track|status|arriv\w*|ship\w*|deliver\w*|late)\b.*\border\b`),
					regexp.MustCompile(`(?i)\border\b.*\b(where|track|status|arriv\w*|ship\w*|deliver\w*|late)\b`),
				},
			},
			{
				label: LabelCancelOrder,
				exact: []string{"cancel my order"},
				partial: []*regexp.Regexp{
					regexp.MustCompile(`(?i)\bcancel\w*\b`),
				},
			},
			{
				label: LabelPolicyQuestion,
				exact: []string{"return policy", "refund policy", "warranty terms"},
				partial: []*regexp.Regexp{
					regexp.MustCompile(`(?i)\b(policy|warranty|guarantee)\b`),
				},
			},
			{
				label: LabelProductQuestion,
				exact: []string{"how do i use", "how does it work", "is it compatible"},
				partial: []*regexp.Regexp{
					regexp.MustCompile(`(?i)\b(how (do|does|can)|instructions|manual|compatib\w*|set ?up)\b`),
				},
			},
		},
	}
}

// Classify evaluates the rule cascade against the latest turn. conv must
// already contain msg as its last turn; earlier turns provide the context
// for frustration detection and entity carry-over.
func (c *Classifier) Classify(msg store.Message, conv store.Conversation) Result {
	text := msg.Text
	lower := strings.ToLower(text)

	if c.matchAny(c.safety, text) {
		return Result{
			Label:        LabelSafetyConcern,
			Confidence:   ConfidenceSafety,
			TriggerClass: TriggerSafety,
			Entities:     carryOver(text, extractEntities(text, false), conv.Entities),
		}
	}

	if c.consecutiveNegativeTurns(conv) >= c.frustrationTurns {
		return Result{
			Label:        LabelFrustration,
			Confidence:   ConfidenceSignal,
			TriggerClass: TriggerFrustration,
			Entities:     carryOver(text, extractEntities(text, false), conv.Entities),
		}
	}

	var best *businessRule
	bestConfidence := 0.0
	for i := range c.business {
		confidence := c.business[i].match(lower)
		// Strictly greater keeps the earliest declared rule on ties.
		if confidence > bestConfidence {
			best = &c.business[i]
			bestConfidence = confidence
		}
	}
	if best != nil {
		return Result{
			Label:        best.label,
			Confidence:   bestConfidence,
			TriggerClass: TriggerBusiness,
			Entities:     carryOver(text, extractEntities(text, best.monetary), conv.Entities),
		}
	}

	return Unclassified()
}

func (r businessRule) match(lower string) float64 {
	for _, phrase := range r.exact {
		if strings.Contains(lower, phrase) {
			return ConfidenceExact
		}
	}
	for _, p := range r.partial {
		if p.MatchString(lower) {
			return ConfidencePartial
		}
	}
	return 0
}

func (c *Classifier) matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// consecutiveNegativeTurns counts the trailing run of customer turns that
// carry negative sentiment. System turns are skipped; a non-negative
// customer turn ends the run.
func (c *Classifier) consecutiveNegativeTurns(conv store.Conversation) int {
	count := 0
	for i := len(conv.Turns) - 1; i >= 0; i-- {
		turn := conv.Turns[i]
		if turn.Sender != store.SenderCustomer {
			continue
		}
		if !c.matchAny(c.negative, turn.Text) {
			break
		}
		count++
	}
	return count
}
