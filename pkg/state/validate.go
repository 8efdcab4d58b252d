package state

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

//go:embed session.schema.json
var sessionSchema []byte

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(sessionSchema)
	if err != nil {
		return nil, fmt.Errorf("compile session schema: %w", err)
	}
	return schema, nil
})

// immutableFields may not change once set.
var immutableFields = []string{FieldSessionID, FieldScenarioName, FieldMode}

// Validate checks every document invariant.
//
// The returned error wraps ErrSchemaViolation and names each offending field
// and value.
func Validate(doc Document) error {
	if doc == nil {
		return fmt.Errorf("%w: session document is empty", ErrSchemaViolation)
	}

	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if v, ok := doc[FieldSessionID]; !ok {
		add("missing required field %q", FieldSessionID)
	} else if s, isString := v.(string); !isString || s == "" {
		add("field %q must be a non-empty string, got %s", FieldSessionID, describe(v))
	}

	if v, ok := doc[FieldStatus]; !ok {
		add("missing required field %q", FieldStatus)
	} else if s, isString := v.(string); !isString || !Status(s).Valid() {
		add("field %q has invalid value %s (want initialized, in_progress, completed or failed)",
			FieldStatus, describe(v))
	}

	currentStep, currentOK := checkCounter(doc, FieldCurrentStep, add)
	checkCounter(doc, FieldTotalSteps, add)

	for _, kind := range RecordKinds {
		checkRecords(doc, kind, currentStep, currentOK, add)
	}

	if v, ok := doc[FieldPerformance]; ok {
		if _, isObject := v.(map[string]any); !isObject {
			add("field %q must be an object, got %s", FieldPerformance, typeName(v))
		}
	}

	for _, field := range []string{FieldStartTime, FieldLastActivity, FieldEndTime} {
		v, ok := doc[field]
		if !ok {
			continue
		}
		s, isString := v.(string)
		if !isString {
			add("field %q must be an ISO 8601 timestamp, got %s", field, typeName(v))
			continue
		}
		if _, err := ParseTime(s); err != nil {
			add("field %q is not an ISO 8601 timestamp: %q", field, s)
		}
	}

	if v, ok := doc[FieldDuration]; ok {
		if f, isNumber := toFloat(v); !isNumber || f < 0 {
			add("field %q must be a non-negative number, got %s", FieldDuration, describe(v))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrSchemaViolation, strings.Join(problems, "; "))
	}

	return validateSchema(doc)
}

// validateSchema runs the embedded JSON schema over the encoded document.
func validateSchema(doc Document) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: document cannot be encoded: %v", ErrSchemaViolation, err)
	}

	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}

	keys := make([]string, 0, len(result.Errors))
	for k := range result.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	details := make([]string, 0, len(keys))
	for _, k := range keys {
		details = append(details, fmt.Sprintf("%s: %v", k, result.Errors[k]))
	}
	return fmt.Errorf("%w: %s", ErrSchemaViolation, strings.Join(details, "; "))
}

// CheckTransition verifies that next is a legal successor of prev: immutable
// fields are unchanged, status only moves forward, currentStep never
// decreases, and record arrays only grow at the end.
func CheckTransition(prev, next Document) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for _, field := range immutableFields {
		before, had := prev[field]
		if !had {
			continue
		}
		if after := next[field]; !reflect.DeepEqual(before, after) {
			add("field %q is immutable (was %s, got %s)", field, describe(before), describe(after))
		}
	}

	if from, to := prev.Status(), next.Status(); !from.CanTransitionTo(to) {
		add("status cannot move from %q to %q", from, to)
	}

	if from, to := prev.CurrentStep(), next.CurrentStep(); to < from {
		add("field %q cannot decrease (from %d to %d)", FieldCurrentStep, from, to)
	}

	for _, kind := range RecordKinds {
		before, after := prev.Records(kind), next.Records(kind)
		if len(after) < len(before) {
			add("field %q is append-only (had %d records, now %d)", kind.Field(), len(before), len(after))
			continue
		}
		for i := range before {
			if !reflect.DeepEqual(before[i], after[i]) {
				add("%s[%d] was modified; records are append-only", kind.Field(), i)
				break
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrSchemaViolation, strings.Join(problems, "; "))
	}
	return nil
}

func checkCounter(doc Document, field string, add func(string, ...any)) (int64, bool) {
	v, ok := doc[field]
	if !ok {
		add("missing required field %q", field)
		return 0, false
	}
	n, isInt := toInt(v)
	if !isInt {
		add("field %q must be an integer, got %s", field, describe(v))
		return 0, false
	}
	if n < 0 {
		add("field %q must be >= 0, got %d", field, n)
		return n, false
	}
	return n, true
}

func checkRecords(doc Document, kind RecordKind, currentStep int64, currentOK bool, add func(string, ...any)) {
	field := kind.Field()
	v, ok := doc[field]
	if !ok {
		add("missing required field %q", field)
		return
	}
	records, isArray := v.([]any)
	if !isArray {
		add("field %q must be an array, got %s", field, typeName(v))
		return
	}

	var last int64 = -1
	for i, item := range records {
		rec, isObject := item.(map[string]any)
		if !isObject {
			add("%s[%d] must be an object, got %s", field, i, typeName(item))
			continue
		}
		if ts, has := rec[FieldTimestamp]; !has {
			add("%s[%d] is missing %q", field, i, FieldTimestamp)
		} else if s, isString := ts.(string); !isString || s == "" {
			add("%s[%d].%s must be a non-empty string, got %s", field, i, FieldTimestamp, describe(ts))
		}

		sn, has := rec[FieldStepNumber]
		if !has {
			if currentOK && currentStep > 0 {
				add("%s[%d] is missing %q", field, i, FieldStepNumber)
			}
			continue
		}
		n, isInt := toInt(sn)
		if !isInt || n < 0 {
			add("%s[%d].%s must be a non-negative integer, got %s", field, i, FieldStepNumber, describe(sn))
			continue
		}
		if currentOK && n > currentStep {
			add("%s[%d].%s %d exceeds %s %d", field, i, FieldStepNumber, n, FieldCurrentStep, currentStep)
		}
		if kind == KindStep {
			if n <= last {
				add("%s[%d].%s %d does not follow %d", field, i, FieldStepNumber, n, last)
			}
			last = n
		}
	}
}

// describe renders a value for error messages.
func describe(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", t)
	case json.Number:
		return t.String()
	case []any, map[string]any:
		return typeName(v)
	default:
		return fmt.Sprintf("%v", t)
	}
}
