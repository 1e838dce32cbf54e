package notation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gosimple/slug"
)

// utility applies one named transform to a value.
type utility func(arg string, v any) (any, error)

// utilities is the transform registry for pipeline steps. Names match
// the original engine's set plus "number" for explicit coercion.
var utilities = map[string]utility{
	"trim": func(_ string, v any) (any, error) {
		return strings.TrimSpace(toString(v)), nil
	},
	"lowercase": func(_ string, v any) (any, error) {
		return strings.ToLower(toString(v)), nil
	},
	"slug": func(_ string, v any) (any, error) {
		return slug.Make(toString(v)), nil
	},
	"prepend": func(arg string, v any) (any, error) {
		return arg + toString(v), nil
	},
	"subtract": func(arg string, v any) (any, error) {
		n, _ := toNumber(v)
		if arg == "" {
			return n, nil
		}
		sub, ok := toNumber(arg)
		if !ok {
			return nil, fmt.Errorf("subtract: non-numeric argument %q", arg)
		}
		return n - sub, nil
	},
	"clear_url_params": func(_ string, v any) (any, error) {
		s, _, _ := strings.Cut(toString(v), "?")
		return s, nil
	},
	"number": func(_ string, v any) (any, error) {
		n, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("number: cannot coerce %v", v)
		}
		return n, nil
	},
}

// applyPipeline runs the utilities left to right.
func applyPipeline(pipeline []UtilCall, v any) (any, error) {
	for _, call := range pipeline {
		u, ok := utilities[call.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownUtility, call.Name)
		}
		var err error
		if v, err = u(call.Arg, v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// KnownUtility reports whether a pipeline name is registered; plan
// validation uses it to fail before any page is opened.
func KnownUtility(name string) bool {
	_, ok := utilities[name]
	return ok
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// toNumber coerces scalars to float64, the comparison type used by both
// pipelines and $key predicates.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case nil:
		return 0, false
	}
	return 0, false
}

// ToNumber is toNumber exported for the scope resolver's predicate
// comparisons.
func ToNumber(v any) (float64, bool) { return toNumber(v) }

// ToString is toString exported for callers that need the same coercion
// rules as pipelines.
func ToString(v any) string { return toString(v) }
