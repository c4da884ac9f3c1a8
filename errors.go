package toolgate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrTooDeep is returned when a requirement tree exceeds the evaluator's
// depth ceiling. Evaluation fails closed: the requirement is treated as
// unsatisfied.
var ErrTooDeep = errors.New("requirement tree exceeds depth ceiling")

// RequirementsNotMetError is returned by Invoke when evaluation vetoes the
// call before anything is sent. Unmet lists the unsatisfied leaf predicates
// (for negations, the negated child expression) in tree order.
type RequirementsNotMetError struct {
	Tool  string
	Unmet []Requirement
}

func (e *RequirementsNotMetError) Error() string {
	parts := make([]string, len(e.Unmet))
	for i, req := range e.Unmet {
		parts[i] = req.String()
	}
	return fmt.Sprintf("requirements not met for tool %s: [%s]", e.Tool, strings.Join(parts, ", "))
}

// ApplicationError is an application-level failure returned by the peer:
// either a protocol error object, or a tools/call result flagged isError.
// It is propagated verbatim and never retried automatically.
type ApplicationError struct {
	Code    int
	Message string
	Data    json.RawMessage

	// IsError is set when the failure came from an isError result rather
	// than a protocol error object. Content carries the result content.
	IsError bool
	Content json.RawMessage
}

func (e *ApplicationError) Error() string {
	if e.IsError {
		return fmt.Sprintf("tool returned error result: %s", e.Message)
	}
	return fmt.Sprintf("peer error %d: %s", e.Code, e.Message)
}
