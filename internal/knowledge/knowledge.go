package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/relaydesk/triage/internal/intent"
)

// Source is an external knowledge collaborator: an order-record system, a
// policy/document store, a product catalog. Only this query contract
// matters to the core.
type Source interface {
	ID() string
	Query(ctx context.Context, in intent.Result, entities map[string]string) ([]Result, error)
}

// Result is one knowledge hit. Payload is opaque structured data specific
// to the source; the composer and decision engine read individual keys but
// never assume a full schema.
type Result struct {
	SourceID       string            `json:"source_id"`
	RelevanceScore float64           `json:"relevance_score"`
	Payload        map[string]string `json:"payload"`
	RetrievedAt    time.Time         `json:"retrieved_at"`
}

// ResultSet is the ranked, deduplicated output of one resolution.
// Degraded is set when any applicable source failed; MissingAuthoritative
// when the failed source was the authoritative one for the intent, which
// the decision engine must treat as insufficient information rather than
// guessing.
type ResultSet struct {
	Results              []Result `json:"results"`
	Degraded             bool     `json:"degraded"`
	MissingAuthoritative bool     `json:"missing_authoritative"`
	FailedSources        []string `json:"failed_sources,omitempty"`
}

// Top returns the highest-ranked result, if any.
func (rs ResultSet) Top() (Result, bool) {
	if len(rs.Results) == 0 {
		return Result{}, false
	}
	return rs.Results[0], true
}

// fingerprint identifies a payload for deduplication: identical payloads
// from the same source are the same record regardless of retrieval time.
func fingerprint(payload map[string]string) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(payload[k])
		sb.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
