package tasks

import (
	"fmt"
	"math"

	"github.com/econos-labs/master-engine/internal/app/domain/fault"
	"github.com/econos-labs/master-engine/internal/app/domain/task"
)

// fieldKind discriminates schema field types.
type fieldKind int

const (
	fieldString fieldKind = iota
	fieldInt
	fieldEnum
)

// fieldSpec bounds one input parameter.
type fieldSpec struct {
	name     string
	kind     fieldKind
	required bool
	maxLen   int
	min, max int64
	values   []string
}

// taskSchemas is the closed per-type input schema table. Validation happens
// once at the boundary; everything downstream trusts the payload.
var taskSchemas = map[string][]fieldSpec{
	task.TypeSummaryGeneration: {
		{name: "text", kind: fieldString, required: true, maxLen: 20000},
		{name: "maxSentences", kind: fieldInt, min: 1, max: 20},
	},
	task.TypeImageGeneration: {
		{name: "prompt", kind: fieldString, required: true, maxLen: 2000},
		{name: "style", kind: fieldEnum, values: []string{"realistic", "anime", "sketch", "digital-art"}},
		{name: "width", kind: fieldInt, min: 64, max: 2048},
		{name: "height", kind: fieldInt, min: 64, max: 2048},
	},
	task.TypeResearcher: {
		{name: "topic", kind: fieldString, required: true, maxLen: 500},
		{name: "depth", kind: fieldEnum, values: []string{"shallow", "standard", "deep"}},
	},
	task.TypeWriter: {
		{name: "brief", kind: fieldString, required: true, maxLen: 5000},
		{name: "tone", kind: fieldEnum, values: []string{"formal", "casual", "persuasive"}},
		{name: "maxWords", kind: fieldInt, min: 50, max: 5000},
	},
	task.TypeMarketResearch: {
		{name: "market", kind: fieldString, required: true, maxLen: 500},
		{name: "region", kind: fieldString, maxLen: 100},
		{name: "horizonMonths", kind: fieldInt, min: 1, max: 60},
	},
}

// validateInput checks a payload against the task type's schema. Unknown
// fields are rejected so typos surface at the boundary.
func validateInput(taskType string, input map[string]interface{}) error {
	specs, ok := taskSchemas[taskType]
	if !ok {
		return fault.Errorf(fault.KindValidation, "unsupported task type %q", taskType)
	}

	byName := make(map[string]fieldSpec, len(specs))
	for _, spec := range specs {
		byName[spec.name] = spec
	}

	for name := range input {
		if _, known := byName[name]; !known {
			return fault.Errorf(fault.KindValidation, "unknown input field %q for %s", name, taskType)
		}
	}

	for _, spec := range specs {
		value, present := input[spec.name]
		if !present {
			if spec.required {
				return fault.Errorf(fault.KindValidation, "missing required field %q", spec.name)
			}
			continue
		}
		if err := spec.check(value); err != nil {
			return err
		}
	}
	return nil
}

func (f fieldSpec) check(value interface{}) error {
	switch f.kind {
	case fieldString:
		s, ok := value.(string)
		if !ok {
			return fault.Errorf(fault.KindValidation, "field %q must be a string", f.name)
		}
		if s == "" && f.required {
			return fault.Errorf(fault.KindValidation, "field %q must not be empty", f.name)
		}
		if f.maxLen > 0 && len(s) > f.maxLen {
			return fault.Errorf(fault.KindValidation, "field %q exceeds %d bytes", f.name, f.maxLen)
		}
	case fieldInt:
		n, err := asInt64(value)
		if err != nil {
			return fault.Errorf(fault.KindValidation, "field %q must be an integer", f.name)
		}
		if n < f.min || n > f.max {
			return fault.Errorf(fault.KindValidation, "field %q must be in [%d, %d]", f.name, f.min, f.max)
		}
	case fieldEnum:
		s, ok := value.(string)
		if !ok {
			return fault.Errorf(fault.KindValidation, "field %q must be a string", f.name)
		}
		for _, allowed := range f.values {
			if s == allowed {
				return nil
			}
		}
		return fault.Errorf(fault.KindValidation, "field %q must be one of %v", f.name, f.values)
	}
	return nil
}

// asInt64 accepts the integer representations JSON decoding produces.
func asInt64(value interface{}) (int64, error) {
	switch n := value.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("not an integer")
		}
		return int64(n), nil
	}
	return 0, fmt.Errorf("not an integer")
}
