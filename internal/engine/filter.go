package engine

import (
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
)

// NotificationFilter evaluates a jq boolean expression (e.g.
// ".type == \"tool_use\"") over a parsed notification object. An
// unparseable notification, or one the expression does not map to true,
// does not match. The engine does not consult it: app-server
// notifications are handled without filtering.
type NotificationFilter struct {
	query *gojq.Query
}

// NewNotificationFilter compiles a jq boolean expression. An empty
// expression matches everything.
func NewNotificationFilter(expr string) (*NotificationFilter, error) {
	if expr == "" {
		expr = "true"
	}
	q, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("engine: parse notification filter: %w", err)
	}
	return &NotificationFilter{query: q}, nil
}

// Matches reports whether raw (a JSON notification line) passes the
// filter.
func (f *NotificationFilter) Matches(raw json.RawMessage) bool {
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return false
	}

	iter := f.query.Run(input)
	v, ok := iter.Next()
	if !ok {
		return false
	}
	if err, isErr := v.(error); isErr {
		_ = err
		return false
	}
	b, _ := v.(bool)
	return b
}
