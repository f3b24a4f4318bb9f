package jobrunner

import (
	"encoding/json"
	"regexp"
	"strings"
)

var codeFence = regexp.MustCompile("(?s)```(?:json)?\\n?(.*?)\\n?```")

// ExtractJSONCandidate pulls a JSON object out of a worker's raw text
// output: it first strips a fenced code block if present, then falls
// back to heuristic brace matching (first '{' through its matching
// closing '}') over the remaining text, per spec §4.6 step 5.
func ExtractJSONCandidate(raw string) (string, bool) {
	if m := codeFence.FindStringSubmatch(raw); m != nil {
		candidate := strings.TrimSpace(m[1])
		if looksLikeObject(candidate) {
			return candidate, true
		}
	}

	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	for i := start; i < len(raw); i++ {
		switch raw[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}

func looksLikeObject(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

// Schema is a minimal required-field validator: the spec defers full
// JSON-schema validation to configuration (§9 Open Question), so this
// checks only that the candidate parses and carries the required keys,
// which is enough to distinguish result_unparseable from
// result_schema_invalid.
type Schema struct {
	Name     string
	Required []string
}

var ExecutionResultSchema = Schema{Name: "execution_result", Required: []string{"status"}}
var HeartbeatReportSchema = Schema{Name: "heartbeat_report", Required: []string{"status"}}

// ValidateAgainst parses candidate and checks it against schema,
// returning the parsed object on success or a populated errors list
// otherwise.
func ValidateAgainst(candidate string, schema Schema) (map[string]any, []ValidationError) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return nil, []ValidationError{{Code: "result_unparseable", Message: err.Error()}}
	}

	var errs []ValidationError
	for _, field := range schema.Required {
		if _, ok := obj[field]; !ok {
			errs = append(errs, ValidationError{
				Code:    "result_schema_invalid",
				Message: "missing required field: " + field,
			})
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return obj, nil
}

// SchemaFor picks the validation schema for a job kind.
func SchemaFor(kind JobKind) Schema {
	if kind == JobKindHeartbeat {
		return HeartbeatReportSchema
	}
	return ExecutionResultSchema
}
