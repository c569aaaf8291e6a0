package extract

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/dgallion1/markalign/internal/document"
	"github.com/kaptinlin/jsonrepair"
)

// ContextComplete reports, per document, whether the window held everything
// the oracle needed.
type ContextComplete struct {
	QuestionPaper bool `json:"question_paper"`
	MarkScheme    bool `json:"mark_scheme"`
}

// Both reports whether neither side asked for more context.
func (c ContextComplete) Both() bool { return c.QuestionPaper && c.MarkScheme }

// Response is a normalized oracle reply.
type Response struct {
	Questions          []*document.Question `json:"questions"`
	NextQPCursor       int                  `json:"next_question_paper_index"`
	NextMSCursor       int                  `json:"next_mark_scheme_index"`
	NextQuestionNumber *int                 `json:"next_question_number,omitempty"`
	ContextComplete    ContextComplete      `json:"context_complete"`
	Valid              bool                 `json:"is_valid"`

	// Repairs made while normalizing; informational only.
	Warnings []string `json:"-"`
}

// ProtocolError means the oracle reply could not be turned into a usable
// response even after repair.
type ProtocolError struct {
	Reason string
	Raw    string
}

func (e *ProtocolError) Error() string {
	if e.Raw == "" {
		return "oracle protocol error: " + e.Reason
	}
	return fmt.Sprintf("oracle protocol error: %s (raw: %s)", e.Reason, truncate(e.Raw, 200))
}

// fencedBlockRe matches a json (or untagged) code fence whose opening and
// closing markers each sit on their own line. Backticks inside JSON strings
// never start a line, so they cannot terminate the block.
var fencedBlockRe = regexp.MustCompile("(?ms)^[ \\t]*```(?:json|JSON)?[ \\t]*\\n(.*?)\\n[ \\t]*```[ \\t]*$")

// payloadCandidates lists the spans of s that may hold the JSON payload, in
// the order they are tried: the whole reply, each fenced block, then the span
// from the first '{' to the last '}'.
func payloadCandidates(s string) []string {
	s = strings.TrimSpace(s)
	var out []string
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		out = append(out, s)
	}
	for _, m := range fencedBlockRe.FindAllStringSubmatch(s, -1) {
		if body := strings.TrimSpace(m[1]); body != "" {
			out = append(out, body)
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		out = append(out, s[start:end+1])
	}
	return out
}

// decodeStrict parses payload without repair. A bare array is read as the
// question list; any other non-object value is rejected.
func decodeStrict(payload string) (map[string]any, error) {
	var v any
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case map[string]any:
		return t, nil
	case []any:
		return map[string]any{"questions": t}, nil
	default:
		return nil, fmt.Errorf("payload is %T, not an object", v)
	}
}

// decodeReply returns the first candidate that parses strictly. Only when
// none does is the repair pass run, over the same candidates in order.
func decodeReply(candidates []string) (map[string]any, bool, error) {
	var lastErr error
	for _, c := range candidates {
		obj, err := decodeStrict(c)
		if err == nil {
			return obj, false, nil
		}
		lastErr = err
	}
	for _, c := range candidates {
		fixed, err := jsonrepair.JSONRepair(c)
		if err != nil {
			continue
		}
		if obj, err := decodeStrict(fixed); err == nil {
			return obj, true, nil
		}
	}
	return nil, false, lastErr
}

// normalizeValue round-trips a structured reply through JSON so that typed
// Go values (slices of maps, ints, structs) reach the normalizers in the same
// generic shape a decoded text reply has.
func normalizeValue(v map[string]any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate normalizes a raw oracle reply into a Response. qpCursor and
// msCursor are the cursors the window was built at; they seed the fallback
// next-index rule. It fails with *ProtocolError only when no usable response
// can be recovered.
func Validate(reply Reply, qpCursor, msCursor int) (*Response, error) {
	var obj map[string]any
	var warnings []string
	if reply.Value != nil {
		var err error
		obj, err = normalizeValue(reply.Value)
		if err != nil {
			return nil, &ProtocolError{Reason: "unencodable structured reply: " + err.Error()}
		}
	} else {
		candidates := payloadCandidates(reply.Text)
		if len(candidates) == 0 {
			return nil, &ProtocolError{Reason: "no JSON payload in reply", Raw: reply.Text}
		}
		var repaired bool
		var err error
		obj, repaired, err = decodeReply(candidates)
		if err != nil {
			return nil, &ProtocolError{Reason: "unparsable JSON: " + err.Error(), Raw: reply.Text}
		}
		if repaired {
			warnings = append(warnings, "reply JSON required repair")
		}
	}

	resp := &Response{}

	// context_complete
	resp.ContextComplete = normalizeContextComplete(obj["context_complete"], &warnings)

	// questions
	rawQuestions, present := obj["questions"]
	if !present || rawQuestions == nil {
		warnings = append(warnings, "questions missing, defaulting to empty")
	}
	resp.Questions = normalizeQuestions(rawQuestions, &warnings)

	// next indices
	missing := false
	var err error
	resp.NextQPCursor, missing, err = nextIndex(obj, "next_question_paper_index", qpCursor,
		resp.ContextComplete.QuestionPaper, len(resp.Questions) > 0, missing, &warnings)
	if err != nil {
		return nil, err
	}
	resp.NextMSCursor, missing, err = nextIndex(obj, "next_mark_scheme_index", msCursor,
		resp.ContextComplete.MarkScheme, len(resp.Questions) > 0, missing, &warnings)
	if err != nil {
		return nil, err
	}

	if n, ok := toInt(obj["next_question_number"]); ok {
		resp.NextQuestionNumber = &n
	}

	resp.Valid = !missing && len(resp.Questions) > 0
	resp.Warnings = warnings
	return resp, nil
}

// nextIndex applies the fallback rule for a missing next-index field:
// incomplete context or accepted questions advance one page past cursor;
// otherwise the reply is unrecoverable.
func nextIndex(obj map[string]any, key string, cursor int, complete, haveQuestions, missing bool, warnings *[]string) (int, bool, error) {
	if n, ok := toInt(obj[key]); ok && n >= 0 {
		return n, missing, nil
	}
	switch {
	case !complete:
		*warnings = append(*warnings, key+" missing with incomplete context, expanding by one page")
	case haveQuestions:
		*warnings = append(*warnings, key+" missing, advancing one page")
	default:
		return 0, true, &ProtocolError{Reason: key + " missing and no questions returned"}
	}
	return cursor + 1, true, nil
}

func normalizeContextComplete(v any, warnings *[]string) ContextComplete {
	switch t := v.(type) {
	case nil:
		return ContextComplete{QuestionPaper: true, MarkScheme: true}
	case map[string]any:
		cc := ContextComplete{QuestionPaper: true, MarkScheme: true}
		if b, ok := toBool(t["question_paper"]); ok {
			cc.QuestionPaper = b
		}
		if b, ok := toBool(t["mark_scheme"]); ok {
			cc.MarkScheme = b
		}
		return cc
	default:
		b, ok := toBool(t)
		if !ok {
			*warnings = append(*warnings, fmt.Sprintf("context_complete has unexpected value %v, assuming complete", t))
			b = true
		}
		return ContextComplete{QuestionPaper: b, MarkScheme: b}
	}
}

func normalizeQuestions(v any, warnings *[]string) []*document.Question {
	var items []any
	switch t := v.(type) {
	case nil:
		return []*document.Question{}
	case []any:
		items = t
	default:
		*warnings = append(*warnings, "questions is not a list, wrapping single value")
		items = []any{t}
	}

	questions := make([]*document.Question, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			*warnings = append(*warnings, fmt.Sprintf("questions[%d] is %T, skipping", i, item))
			continue
		}
		questions = append(questions, normalizeQuestion(m, warnings))
	}
	return questions
}

func normalizeQuestion(m map[string]any, warnings *[]string) *document.Question {
	q := &document.Question{
		Number:               toText(m["question_number"]),
		Text:                 toText(m["question_text"]),
		MarkScheme:           toText(m["mark_scheme"]),
		AssessmentObjectives: toStringSet(m["assessment_objectives"]),
		MediaFiles:           []document.MediaReference{},
	}
	marks, ok := toInt(m["max_marks"])
	if !ok {
		marks, _ = toInt(m["marks"])
	}
	if marks < 0 {
		marks = 0
	}
	q.MaxMarks = marks
	if sub, ok := m["sub_questions"]; ok && sub != nil {
		q.SubQuestions = normalizeQuestions(sub, warnings)
		if len(q.SubQuestions) == 0 {
			q.SubQuestions = nil
		}
	}
	return q
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return int(t), true
	case int:
		return t, true
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return b, err == nil
	case float64:
		return t != 0, true
	}
	return false, false
}

func toText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := toText(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// toStringSet returns the distinct non-empty strings in v, in first-seen
// order. A scalar becomes a singleton.
func toStringSet(v any) []string {
	var raw []any
	switch t := v.(type) {
	case nil:
		return []string{}
	case []any:
		raw = t
	default:
		raw = []any{t}
	}
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s := strings.TrimSpace(toText(item))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
