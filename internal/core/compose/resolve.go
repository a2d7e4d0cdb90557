package compose

import (
	"github.com/artpar/podstack/internal/core/interpolate"
)

// =============================================================================
// Resolution Pipeline
// =============================================================================

// Resolve runs the full document pipeline: each raw document is shape
// normalized, the normalized trees merge left to right, variable references
// are substituted and the result decodes into a typed Project. The returned
// warnings list unknown attributes that were dropped along the way.
func Resolve(docs []*RawDocument, lookup interpolate.Lookup) (*Project, []string, error) {
	if len(docs) == 0 {
		return nil, nil, NewValidationError("", "", "no documents given", ErrEmptyInput)
	}

	var warnings []string
	normalized := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		tree, docWarnings, err := Normalize(doc)
		if err != nil {
			return nil, nil, err
		}
		warnings = append(warnings, docWarnings...)
		normalized = append(normalized, tree)
	}

	merged, err := Merge(normalized)
	if err != nil {
		return nil, nil, err
	}

	lookup, err = exportProjectName(merged, lookup)
	if err != nil {
		return nil, nil, err
	}

	interpolated, err := interpolate.Tree(merged, lookup)
	if err != nil {
		return nil, nil, err
	}

	project, err := Decode(interpolated)
	if err != nil {
		return nil, nil, err
	}
	return project, warnings, nil
}

// exportProjectName interpolates the top-level name before the document body
// so the body can reference it as COMPOSE_PROJECT_NAME. An explicit
// COMPOSE_PROJECT_NAME in the environment still wins.
func exportProjectName(merged map[string]any, lookup interpolate.Lookup) (interpolate.Lookup, error) {
	raw, ok := merged["name"].(string)
	if !ok || raw == "" {
		return lookup, nil
	}

	name, err := interpolate.Expand(raw, lookup)
	if err != nil {
		if ierr, isInterp := err.(*interpolate.Error); isInterp {
			ierr.Field = "name"
		}
		return nil, err
	}
	merged["name"] = name

	return func(variable string) (string, bool) {
		if value, found := lookup(variable); found {
			return value, true
		}
		if variable == "COMPOSE_PROJECT_NAME" {
			return name, true
		}
		return "", false
	}, nil
}
