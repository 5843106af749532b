package workflow

import (
	"strings"

	"conductor/internal/domain"
)

// Variable reference roots. A string payload value like "$params.table" or
// "$results.s1.sysId" is resolved against the run context before the step
// executes; everything else passes through unchanged.
const (
	refSigil       = "$"
	refRootParams  = "params"
	refRootResults = "results"
)

// resolvePayload returns a copy of template with every reference resolved
// against the run. Maps and slices are walked depth-first. An unresolvable
// reference is treated as "not yet available": the key is dropped from maps
// and the element becomes nil in slices.
func resolvePayload(template map[string]any, run *domain.RunContext) map[string]any {
	resolved := make(map[string]any, len(template))
	for key, value := range template {
		v, ok := resolveValue(value, run)
		if !ok {
			continue
		}
		resolved[key] = v
	}
	return resolved
}

func resolveValue(value any, run *domain.RunContext) (any, bool) {
	switch v := value.(type) {
	case string:
		if !isReference(v) {
			return v, true
		}
		return lookupPath(v, run)
	case map[string]any:
		return resolvePayload(v, run), true
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			resolved, ok := resolveValue(elem, run)
			if !ok {
				continue // leaves nil, preserving positions
			}
			out[i] = resolved
		}
		return out, true
	default:
		return value, true
	}
}

// isReference reports whether a string is a reference path. Only the params
// and results roots are recognized; other "$" strings are plain data.
func isReference(s string) bool {
	if !strings.HasPrefix(s, refSigil) {
		return false
	}
	root, _, _ := strings.Cut(s[len(refSigil):], ".")
	return root == refRootParams || root == refRootResults
}

// lookupPath walks a dot-separated path into the run's params or results.
func lookupPath(ref string, run *domain.RunContext) (any, bool) {
	segments := strings.Split(ref[len(refSigil):], ".")

	var current any
	switch segments[0] {
	case refRootParams:
		current = run.Params
	case refRootResults:
		current = run.Results
	default:
		return nil, false
	}

	for _, segment := range segments[1:] {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = m[segment]; !ok {
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}
