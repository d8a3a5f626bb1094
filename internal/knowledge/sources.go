package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/relaydesk/triage/internal/intent"
)

// StaticRecord is one entry of a StaticSource dataset. Match keys must all
// equal the incoming entities for the record to be returned; a record with
// no match keys is returned for every query at its base relevance.
type StaticRecord struct {
	Match     map[string]string `json:"match,omitempty"`
	Relevance float64           `json:"relevance"`
	Payload   map[string]string `json:"payload"`
}

// StaticSource serves records from an in-memory dataset, typically loaded
// from a JSON file. Used by the replay command and as a stand-in for
// external record systems in local setups.
type StaticSource struct {
	id      string
	records []StaticRecord
}

// NewStaticSource creates a source with the given identifier and dataset.
func NewStaticSource(id string, records []StaticRecord) *StaticSource {
	return &StaticSource{id: id, records: records}
}

// LoadStaticSource reads a JSON array of StaticRecord from path.
func LoadStaticSource(id, path string) (*StaticSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dataset %s: %w", path, err)
	}
	var records []StaticRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing dataset %s: %w", path, err)
	}
	return &StaticSource{id: id, records: records}, nil
}

func (s *StaticSource) ID() string { return s.id }

func (s *StaticSource) Query(ctx context.Context, _ intent.Result, entities map[string]string) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var out []Result
	for _, rec := range s.records {
		if !matches(rec.Match, entities) {
			continue
		}
		out = append(out, Result{
			SourceID:       s.id,
			RelevanceScore: rec.Relevance,
			Payload:        rec.Payload,
			RetrievedAt:    now,
		})
	}
	return out, nil
}

func matches(match, entities map[string]string) bool {
	for k, v := range match {
		if entities[k] != v {
			return false
		}
	}
	return true
}

// HTTPSource queries a remote knowledge endpoint. The endpoint receives the
// intent label and entities as query parameters and answers with a JSON
// array of {relevance_score, payload} objects.
type HTTPSource struct {
	id      string
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source for the given endpoint. A nil client uses
// http.DefaultClient; per-call deadlines come from the resolver's context.
func NewHTTPSource(id, baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{id: id, baseURL: baseURL, client: client}
}

func (s *HTTPSource) ID() string { return s.id }

func (s *HTTPSource) Query(ctx context.Context, in intent.Result, entities map[string]string) ([]Result, error) {
	params := url.Values{}
	params.Set("intent", string(in.Label))
	for k, v := range entities {
		params.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building query request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", s.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("source %s returned status %d", s.id, resp.StatusCode)
	}

	var rows []struct {
		RelevanceScore float64           `json:"relevance_score"`
		Payload        map[string]string `json:"payload"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", s.id, err)
	}

	now := time.Now().UTC()
	out := make([]Result, len(rows))
	for i, row := range rows {
		out[i] = Result{
			SourceID:       s.id,
			RelevanceScore: row.RelevanceScore,
			Payload:        row.Payload,
			RetrievedAt:    now,
		}
	}
	return out, nil
}
