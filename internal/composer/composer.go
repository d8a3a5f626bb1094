package composer

import (
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/relaydesk/triage/internal/escalation"
	"github.com/relaydesk/triage/internal/intent"
	"github.com/relaydesk/triage/internal/knowledge"
)

// Response is the customer-facing output of one pipeline execution.
type Response struct {
	Text      string   `json:"text"`
	NextSteps []string `json:"next_steps,omitempty"`
	Fallback  bool     `json:"fallback,omitempty"`
}

// templateKey selects a template by intent and outcome. A zero Label acts
// as a wildcard matched after the exact pair.
type templateKey struct {
	Label   intent.Label
	Outcome escalation.Outcome
}

// templateData is the context every template renders against.
type templateData struct {
	Intent    intent.Result
	Decision  escalation.Decision
	Entities  map[string]string
	Top       map[string]string
	HasTop    bool
	Degraded  bool
	TopSource string
}

// Composer renders the reply for a decided turn. Composition never fails:
// a missing or broken template degrades to the generic fallback text, and
// the caller is told via Response.Fallback.
type Composer struct {
	templates map[templateKey]*template.Template
	fallback  *template.Template
}

const fallbackText = "Thanks for reaching out. A member of our support team " +
	"will review your message and follow up with you shortly."

var builtinTemplates = map[templateKey]string{
	{intent.LabelOrderStatus, escalation.OutcomeAutoResolve}: "" +
		"Here's the latest on your order" +
		"{{with .Entities.order_id}} #{{.}}{{end}}:\n{{payload .Top}}",
	{intent.LabelRefundRequest, escalation.OutcomeAutoApprove}: "" +
		"Good news — your refund of ${{printf \"%.2f\" .Decision.AutoApprovedAmount}} " +
		"has been approved. You should see it back on your original payment " +
		"method within 5-7 business days.",
	{intent.LabelProductQuestion, escalation.OutcomeAutoResolve}: "" +
		"{{if .HasTop}}{{payload .Top}}{{else}}" + fallbackText + "{{end}}",
	{intent.LabelPolicyQuestion, escalation.OutcomeAutoResolve}: "" +
		"{{if .HasTop}}{{payload .Top}}{{else}}" + fallbackText + "{{end}}",
	{intent.LabelCancelOrder, escalation.OutcomeAutoResolve}: "" +
		"Your cancellation request{{with .Entities.order_id}} for order #{{.}}{{end}} " +
		"has been processed.",
	{"", escalation.OutcomeEscalate}: "" +
		"Thanks for your patience. I've passed your request to our " +
		"{{if eq (printf \"%s\" .Decision.Priority) \"critical\"}}specialist team, who will " +
		"respond immediately{{else}}support team, who will get back to you " +
		"as soon as possible{{end}}.",
}

var escalationNextSteps = map[escalation.Reason][]string{
	escalation.ReasonSafetyConcern: {
		"A specialist will contact you right away.",
		"If this is an emergency, please contact your local emergency services.",
	},
	escalation.ReasonFrustrationThreshold: {
		"A support agent will pick up this conversation shortly.",
	},
	escalation.ReasonMonetaryThreshold: {
		"A billing agent will review the amount and confirm next steps.",
	},
	escalation.ReasonPolicyException: {
		"A billing agent will review whether an exception applies.",
	},
	escalation.ReasonRepeatIssuePattern: {
		"A billing agent will review the full history of this issue.",
	},
	escalation.ReasonUnclassifiable: {
		"A support agent will read your message and respond directly.",
	},
}

// New builds a Composer with the built-in template set.
func New() *Composer {
	funcs := template.FuncMap{
		// payload renders a knowledge payload as stable "key: value" lines.
		"payload": func(m map[string]string) string {
			if len(m) == 0 {
				return ""
			}
			keys := make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			lines := make([]string, 0, len(keys))
			for _, k := range keys {
				lines = append(lines, fmt.Sprintf("%s: %s", strings.ReplaceAll(k, "_", " "), m[k]))
			}
			return strings.Join(lines, "\n")
		},
	}

	c := &Composer{
		templates: make(map[templateKey]*template.Template, len(builtinTemplates)),
		fallback:  template.Must(template.New("fallback").Parse(fallbackText)),
	}
	for key, text := range builtinTemplates {
		c.templates[key] = template.Must(template.New(string(key.Label) + "/" + string(key.Outcome)).Funcs(funcs).Parse(text))
	}
	return c
}

// Compose renders the response for a decided turn. It never returns an
// error: rendering problems fall back to the generic reply so the
// pipeline always has something to send.
func (c *Composer) Compose(in intent.Result, ks knowledge.ResultSet, d escalation.Decision, entities map[string]string) Response {
	data := templateData{
		Intent:   in,
		Decision: d,
		Entities: entities,
		Degraded: ks.Degraded,
	}
	if top, ok := ks.Top(); ok {
		data.Top = top.Payload
		data.HasTop = true
		data.TopSource = top.SourceID
	}

	tmpl := c.lookup(in.Label, d.Outcome)
	var sb strings.Builder
	if tmpl == nil || tmpl.Execute(&sb, data) != nil || strings.TrimSpace(sb.String()) == "" {
		return Response{Text: fallbackText, NextSteps: c.nextSteps(d), Fallback: true}
	}

	return Response{Text: sb.String(), NextSteps: c.nextSteps(d)}
}

// Fallback returns the generic response used when composition is skipped
// entirely, e.g. when the compose stage times out.
func (c *Composer) Fallback(d escalation.Decision) Response {
	return Response{Text: fallbackText, NextSteps: c.nextSteps(d), Fallback: true}
}

func (c *Composer) lookup(label intent.Label, outcome escalation.Outcome) *template.Template {
	if t, ok := c.templates[templateKey{label, outcome}]; ok {
		return t
	}
	if t, ok := c.templates[templateKey{"", outcome}]; ok {
		return t
	}
	return nil
}

func (c *Composer) nextSteps(d escalation.Decision) []string {
	if d.Outcome != escalation.OutcomeEscalate {
		return nil
	}
	steps := escalationNextSteps[d.Reason]
	if len(steps) == 0 {
		steps = escalationNextSteps[escalation.ReasonUnclassifiable]
	}
	out := make([]string, len(steps))
	copy(out, steps)
	return out
}
