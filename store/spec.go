package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalidSpec indicates a task spec that cannot be dispatched.
var ErrInvalidSpec = errors.New("invalid task spec")

// Step is one entry of a TaskSpec.
type Step struct {
	ID     string                 `json:"id" yaml:"id"`
	Name   string                 `json:"name" yaml:"name"`
	Action string                 `json:"action" yaml:"action"`
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// TaskSpec is the immutable description of a task: an ordered list of steps.
type TaskSpec struct {
	Steps []Step `json:"steps" yaml:"steps"`
}

// Validate checks that step IDs are present and unique and that every step
// names an action. A spec with no steps is valid.
func (s TaskSpec) Validate() error {
	seen := make(map[string]bool, len(s.Steps))
	for i, step := range s.Steps {
		if step.ID == "" {
			return fmt.Errorf("%w: step %d has no id", ErrInvalidSpec, i)
		}
		if seen[step.ID] {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidSpec, step.ID)
		}
		seen[step.ID] = true
		if step.Action == "" {
			return fmt.Errorf("%w: step %q has no action", ErrInvalidSpec, step.ID)
		}
	}
	return nil
}

// Clone returns a copy whose step slice and param maps are not shared.
// Param values themselves are copied by reference.
func (s TaskSpec) Clone() TaskSpec {
	if s.Steps == nil {
		return TaskSpec{}
	}
	steps := make([]Step, len(s.Steps))
	for i, step := range s.Steps {
		steps[i] = step
		if step.Params != nil {
			params := make(map[string]interface{}, len(step.Params))
			for k, v := range step.Params {
				params[k] = v
			}
			steps[i].Params = params
		}
	}
	return TaskSpec{Steps: steps}
}

func newID() string {
	return uuid.NewString()
}
