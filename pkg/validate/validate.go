// Package validate implements the Instruction Validator: schema-checking a proposed instruction against the live worker
// registry before it ever reaches the Safety Pipeline.
package validate

import (
	"fmt"

	"github.com/opsassist/opsai/pkg/worker"
)

// Instruction is the model's parsed proposal, lifted from a
// llmclient.ToolCallResult of Kind KindInstruction.
type Instruction struct {
	Worker    string
	Action    string
	Args      map[string]any
	RiskLevel string // self-declared by the model; "" if not stated
	DryRun    bool
}

// Error is a path-qualified validation failure.
type Error struct {
	Path   string // e.g. "shell.execute_command.args.command"
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid instruction at %s: %s", e.Path, e.Reason)
}

// NewError builds a path-qualified Error.
func NewError(path, reason string) *Error {
	return &Error{Path: path, Reason: reason}
}

// Validate checks inst against reg:
//   - worker exists, action exists on that worker
//   - every declared required parameter is present
//   - each parameter value's JSON type matches the declared type
//   - no unknown parameter name unless the action marks itself open
func Validate(reg *worker.Registry, inst Instruction) error {
	if _, ok := reg.Get(inst.Worker); !ok {
		return NewError(inst.Worker, "unknown worker")
	}

	action, ok := reg.Action(inst.Worker, inst.Action)
	if !ok {
		return NewError(inst.Worker+"."+inst.Action, "unknown action")
	}

	path := inst.Worker + "." + inst.Action

	declared := make(map[string]worker.ParamDescriptor, len(action.Params))
	for _, p := range action.Params {
		declared[p.Name] = p
	}

	for _, p := range action.Params {
		if !p.Required {
			continue
		}
		if _, present := inst.Args[p.Name]; !present {
			return NewError(path+".args."+p.Name, "missing required parameter")
		}
	}

	for name, value := range inst.Args {
		p, known := declared[name]
		if !known {
			if action.OpenParams {
				continue
			}
			return NewError(path+".args."+name, "unknown parameter")
		}
		if err := checkType(p, value); err != nil {
			return NewError(path+".args."+name, err.Error())
		}
	}

	return nil
}

func checkType(p worker.ParamDescriptor, value any) error {
	if value == nil {
		return fmt.Errorf("value is null, expected %s", p.Type)
	}

	switch p.Type {
	case worker.ParamString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case worker.ParamInt:
		switch value.(type) {
		case int, int32, int64, float64:
			// float64 is how encoding/json decodes numeric literals into
			// map[string]any; only the type class has to match.
		default:
			return fmt.Errorf("expected int, got %T", value)
		}
	case worker.ParamBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", value)
		}
	case worker.ParamArray:
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
	case worker.ParamObject:
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
	default:
		return fmt.Errorf("unrecognized declared type %q", p.Type)
	}
	return nil
}
