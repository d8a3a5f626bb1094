package intent

import (
	"regexp"
	"strings"
)

var (
	orderRefPattern = regexp.MustCompile(`(?i)\border\s*(?:#|number\s*)?(\d{4,})\b`)
	bareRefPattern  = regexp.MustCompile(`\b#(\d{4,})\b`)
	amountPattern   = regexp.MustCompile(`(?:\$|USD\s?)(\d+(?:\.\d{1,2})?)|\b(\d+(?:\.\d{1,2})?)\s?(?:dollars|usd|bucks)\b`)
	bareAmount      = regexp.MustCompile(`\b(\d+(?:\.\d{1,2})?)\b`)
	productPattern  = regexp.MustCompile(`(?i)\b(?:the|my|a)\s+([a-z]+(?:\s[a-z]+)?)\s+(?:i bought|i ordered|i purchased)\b`)

	// "that one", "that order", "it" after an order was already mentioned.
	backReference = regexp.MustCompile(`(?i)\b(?:that (?:one|order)|the same order|my order\b[^0-9]*$)`)
)

// extractEntities pulls structured values out of the message text.
// monetary controls whether a bare number is acceptable as an amount
// (refund-style intents only; "order 10234" must not become amount=10234).
func extractEntities(text string, monetary bool) map[string]string {
	out := map[string]string{}

	if m := orderRefPattern.FindStringSubmatch(text); m != nil {
		out["order_id"] = m[1]
	} else if m := bareRefPattern.FindStringSubmatch(text); m != nil {
		out["order_id"] = m[1]
	}

	if m := amountPattern.FindStringSubmatch(text); m != nil {
		if m[1] != "" {
			out["amount"] = m[1]
		} else {
			out["amount"] = m[2]
		}
	} else if monetary {
		// Strip an already-matched order reference before falling back to
		// a bare number, so "refund order 10234" doesn't read 10234 as money.
		stripped := orderRefPattern.ReplaceAllString(text, "")
		if m := bareAmount.FindStringSubmatch(stripped); m != nil {
			out["amount"] = m[1]
		}
	}

	if m := productPattern.FindStringSubmatch(text); m != nil {
		out["product"] = strings.ToLower(strings.TrimSpace(m[1]))
	}

	return out
}

// carryOver resolves indirect references ("that one", "the same order")
// against entities remembered from earlier turns. Current-turn values win.
func carryOver(text string, extracted, remembered map[string]string) map[string]string {
	if _, ok := extracted["order_id"]; ok || len(remembered) == 0 {
		return extracted
	}
	if !backReference.MatchString(text) {
		return extracted
	}
	if prev, ok := remembered["order_id"]; ok {
		extracted["order_id"] = prev
	}
	return extracted
}
