package eval

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrNoQueries is returned when a query set is empty.
	ErrNoQueries = errors.New("eval: empty query set")

	// ErrMissingGroundTruth is returned when a query has no expected chunk.
	ErrMissingGroundTruth = errors.New("eval: missing ground truth")
)

// Query is one evaluation question.
type Query struct {
	ID       string   `json:"qid"`
	Text     string   `json:"query"`
	Sources  []string `json:"source"` // pids the answer may come from
	Category string   `json:"category,omitempty"`
}

// GroundTruth maps a query id to the pid of its expected chunk.
type GroundTruth map[string]string

// Expected returns the expected pid of qid. An augmented id "<qid>_<n>"
// falls back to the entry of "<qid>".
func (gt GroundTruth) Expected(qid string) (string, bool) {
	if v, ok := gt[qid]; ok {
		return v, true
	}
	if i := strings.LastIndexByte(qid, '_'); i > 0 {
		if _, err := strconv.Atoi(qid[i+1:]); err == nil {
			v, ok := gt[qid[:i]]
			return v, ok
		}
	}
	return "", false
}

// Validate checks that queries is non-empty and that every query has a
// ground-truth entry.
func Validate(queries []Query, gt GroundTruth) error {
	if len(queries) == 0 {
		return ErrNoQueries
	}
	var missing []string
	for _, q := range queries {
		if _, ok := gt.Expected(q.ID); !ok {
			missing = append(missing, q.ID)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	shown := missing
	if len(shown) > 5 {
		shown = shown[:5]
	}
	return fmt.Errorf("%w: %d of %d queries (%s)", ErrMissingGroundTruth,
		len(missing), len(queries), strings.Join(shown, ", "))
}

// LoadQueries reads a question file: either {"questions": [...]} or a bare
// list.
func LoadQueries(path string) ([]Query, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading questions: %w", err)
	}
	qs, err := ParseQueries(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return qs, nil
}

// ParseQueries decodes question JSON. qid and source values may be numbers
// or strings.
func ParseQueries(data []byte) ([]Query, error) {
	var raw []struct {
		QID      flexString `json:"qid"`
		Query    string     `json:"query"`
		Source   flexList   `json:"source"`
		Category string     `json:"category"`
	}
	if isArray(data) {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	} else {
		var wrapped struct {
			Questions json.RawMessage `json:"questions"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, err
		}
		if len(wrapped.Questions) == 0 {
			return nil, errors.New(`no "questions" field`)
		}
		if err := json.Unmarshal(wrapped.Questions, &raw); err != nil {
			return nil, err
		}
	}

	out := make([]Query, 0, len(raw))
	for i, r := range raw {
		if r.QID == "" {
			return nil, fmt.Errorf("question %d has no qid", i)
		}
		out = append(out, Query{
			ID:       string(r.QID),
			Text:     r.Query,
			Sources:  []string(r.Source),
			Category: r.Category,
		})
	}
	return out, nil
}

// LoadGroundTruth reads a ground-truth file: either
// {"ground_truths": [...]} or a bare list of {"qid", "retrieve"}.
func LoadGroundTruth(path string) (GroundTruth, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ground truth: %w", err)
	}
	gt, err := ParseGroundTruth(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return gt, nil
}

// ParseGroundTruth decodes ground-truth JSON. Numeric values are
// normalised to decimal strings.
func ParseGroundTruth(data []byte) (GroundTruth, error) {
	var raw []struct {
		QID      flexString `json:"qid"`
		Retrieve flexString `json:"retrieve"`
	}
	if isArray(data) {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	} else {
		var wrapped struct {
			GroundTruths json.RawMessage `json:"ground_truths"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, err
		}
		if len(wrapped.GroundTruths) == 0 {
			return nil, errors.New(`no "ground_truths" field`)
		}
		if err := json.Unmarshal(wrapped.GroundTruths, &raw); err != nil {
			return nil, err
		}
	}

	gt := make(GroundTruth, len(raw))
	for i, r := range raw {
		if r.QID == "" || r.Retrieve == "" {
			return nil, fmt.Errorf("entry %d needs qid and retrieve", i)
		}
		gt[string(r.QID)] = string(r.Retrieve)
	}
	return gt, nil
}

// SaveQueries writes queries as {"questions": [...]}, indented.
func SaveQueries(path string, queries []Query) error {
	data, err := json.MarshalIndent(struct {
		Questions []Query `json:"questions"`
	}{queries}, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Categories returns the distinct non-empty categories of queries, sorted.
func Categories(queries []Query) []string {
	seen := make(map[string]bool)
	var out []string
	for _, q := range queries {
		if q.Category != "" && !seen[q.Category] {
			seen[q.Category] = true
			out = append(out, q.Category)
		}
	}
	sort.Strings(out)
	return out
}

func isArray(data []byte) bool {
	t := bytes.TrimSpace(data)
	return len(t) > 0 && t[0] == '['
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	if i, err := n.Int64(); err == nil {
		*f = flexString(strconv.FormatInt(i, 10))
		return nil
	}
	x, err := n.Float64()
	if err != nil {
		return err
	}
	*f = flexString(strconv.FormatFloat(x, 'f', -1, 64))
	return nil
}

// flexList accepts a JSON list of strings or numbers, or a single value.
type flexList []string

func (f *flexList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var items []flexString
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
		out := make([]string, 0, len(items))
		for _, it := range items {
			if it != "" {
				out = append(out, string(it))
			}
		}
		*f = out
		return nil
	}
	var one flexString
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	if one == "" {
		*f = nil
	} else {
		*f = flexList{string(one)}
	}
	return nil
}
