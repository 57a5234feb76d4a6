// Package extract validates oracle output and applies it to persisted
// entities. Parsing never fails the overall operation: malformed output is
// wrapped so callers can still inspect it, and invalid fields are dropped
// rather than defaulted.
package extract

import (
	_ "embed"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coverdesk/policy-cli/internal/model"
)

//go:embed fields.yaml
var fieldManifest []byte

// Kind is the validation rule applied to an allow-listed field.
type Kind string

const (
	KindString   Kind = "string"
	KindMoney    Kind = "money"
	KindNumber   Kind = "number"
	KindDate     Kind = "date"
	KindCategory Kind = "category"
	KindList     Kind = "list"
)

var allowLists map[model.EntityType]map[string]Kind

func init() {
	var raw map[string]map[string]Kind
	if err := yaml.Unmarshal(fieldManifest, &raw); err != nil {
		panic("extract: invalid field manifest: " + err.Error())
	}
	allowLists = make(map[model.EntityType]map[string]Kind, len(raw))
	for et, fields := range raw {
		allowLists[model.EntityType(et)] = fields
	}
}

// AllowedFields returns the allow-listed column set for an entity type.
func AllowedFields(et model.EntityType) map[string]Kind {
	return allowLists[et]
}

// RawResponseKey is the fallback field that carries unparseable oracle text.
const RawResponseKey = "raw_response"

// Result holds the outcome of parsing one oracle reply.
type Result struct {
	RawText        string         `json:"raw_text"`
	Fields         map[string]any `json:"fields"`
	ParseSucceeded bool           `json:"parse_succeeded"`
}

// Parse attempts a strict JSON object parse of the oracle's text output. On
// failure it wraps the raw text under RawResponseKey instead of erroring.
func Parse(raw string) Result {
	cleaned := cleanJSON(raw)

	var fields map[string]any
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		return Result{
			RawText:        raw,
			Fields:         map[string]any{RawResponseKey: raw},
			ParseSucceeded: false,
		}
	}
	return Result{RawText: raw, Fields: fields, ParseSucceeded: true}
}

// cleanJSON strips markdown code fences and surrounding prose so the oracle's
// reply can be parsed as a JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	// Find first { and last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// CoerceFields validates each allow-listed field of the parsed output against
// its declared kind. Fields that fail validation are dropped, never replaced
// with a guessed value. Unknown fields pass through untouched; the allow-list
// intersection happens in BuildUpdate.
func CoerceFields(fields map[string]any, et model.EntityType) map[string]any {
	allowed := allowLists[et]
	out := make(map[string]any, len(fields))

	for k, v := range fields {
		kind, ok := allowed[k]
		if !ok {
			out[k] = v
			continue
		}
		coerced, ok := coerce(v, kind)
		if !ok {
			continue
		}
		out[k] = coerced
	}
	return out
}

func coerce(v any, kind Kind) (any, bool) {
	switch kind {
	case KindMoney, KindNumber:
		f, ok := toFloat64(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		return f, true

	case KindDate, KindString:
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, false
		}
		return s, true

	case KindCategory:
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		s = strings.ToLower(strings.TrimSpace(s))
		if !model.ValidCategory(s) {
			return nil, false
		}
		return s, true

	case KindList:
		items := toStringSlice(v)
		if len(items) == 0 {
			return nil, false
		}
		return items, true

	default:
		return nil, false
	}
}

// toFloat64 attempts a numeric parse of JSON numbers and numeric strings.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toStringSlice(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		result := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				result = append(result, s)
			}
		}
		return result
	default:
		return nil
	}
}
