package plan

import (
	"fmt"
	"reflect"

	"github.com/PaesslerAG/jsonpath"
	"github.com/agentx-labs/agentdispatch/internal/manifest"
)

// filtersMatch evaluates all trigger filters against the event payload.
// A path that does not resolve makes the filter fail rather than erroring,
// since payload shapes differ between actions of the same event.
func filtersMatch(filters []manifest.Filter, payload map[string]interface{}) (bool, error) {
	for _, f := range filters {
		if f.Path == "" {
			return false, fmt.Errorf("filter with empty path")
		}
		val, err := jsonpath.Get(f.Path, payload)
		if err != nil {
			return false, nil
		}
		if f.Equals == nil {
			if isEmpty(val) {
				return false, nil
			}
			continue
		}
		if !valuesEqual(f.Equals, val) {
			return false, nil
		}
	}
	return true, nil
}

// valuesEqual compares a YAML-decoded expectation with a JSON-decoded value.
// Numbers are compared as float64 because YAML yields ints and JSON floats.
func valuesEqual(want, got interface{}) bool {
	if wf, ok := toFloat(want); ok {
		gf, ok := toFloat(got)
		return ok && wf == gf
	}
	return reflect.DeepEqual(want, got)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func isEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	}
	return false
}
