package compose

import "fmt"

// =============================================================================
// Document Merging
// =============================================================================
//
// Documents merge pairwise, left to right. Later documents override earlier
// ones field by field: scalars replace, mappings merge key-wise, and the
// sequence fields listed below concatenate unless the override carries a
// `!reset` marker.

// appendFields are service fields whose sequence values concatenate across
// documents instead of replacing.
var appendFields = map[string]bool{
	"ports":               true,
	"volumes":             true,
	"expose":              true,
	"cap_add":             true,
	"cap_drop":            true,
	"devices":             true,
	"links":               true,
	"volumes_from":        true,
	"profiles":            true,
	"secrets":             true,
	"configs":             true,
	"extra_hosts":         true,
	"dns":                 true,
	"dns_search":          true,
	"tmpfs":               true,
	"env_file":            true,
	"security_opt":        true,
	"group_add":           true,
	"device_cgroup_rules": true,
}

// Merge folds normalized documents into one canonical tree. The first
// document is the base; every later one overrides it.
func Merge(docs []map[string]any) (map[string]any, error) {
	if len(docs) == 0 {
		return nil, NewValidationError("", "", "no documents to merge", ErrEmptyInput)
	}

	out := make(map[string]any)
	for _, doc := range docs {
		for key, value := range doc {
			switch key {
			case "services":
				merged, err := mergeSection(key, out[key], value, mergeService)
				if err != nil {
					return nil, err
				}
				out[key] = merged
			case "networks", "volumes", "secrets", "configs":
				merged, err := mergeSection(key, out[key], value, func(field string, base, override any) (any, error) {
					return mergeMappings(field, base, override)
				})
				if err != nil {
					return nil, err
				}
				out[key] = merged
			default:
				out[key] = value
			}
		}
	}
	return out, nil
}

// mergeSection merges one top-level section entity by entity.
func mergeSection(section string, base, override any, entity func(field string, base, override any) (any, error)) (any, error) {
	overrideMap, ok := override.(map[string]any)
	if !ok {
		return nil, NewValidationError("", section, fmt.Sprintf("expected mapping, got %T", override), ErrIncompatibleShapes)
	}
	baseMap, _ := base.(map[string]any)

	out := make(map[string]any, len(baseMap)+len(overrideMap))
	for name, value := range baseMap {
		out[name] = value
	}
	for name, value := range overrideMap {
		existing, found := out[name]
		if !found || existing == nil || value == nil {
			if value != nil || !found {
				out[name] = stripResets(value)
			}
			continue
		}
		merged, err := entity(section+"."+name, existing, value)
		if err != nil {
			return nil, err
		}
		out[name] = merged
	}
	return out, nil
}

// stripResets resolves reset markers on an entity that has no earlier
// occurrence to merge against. With nothing to discard, the payload simply
// becomes the value, and an empty payload drops the field. Leaving the marker
// in place would leak a non-canonical node into the merged tree.
func stripResets(value any) any {
	entity, ok := value.(map[string]any)
	if !ok {
		return value
	}
	for key, item := range entity {
		reset, ok := item.(resetValue)
		if !ok {
			continue
		}
		if isEmptyValue(reset.value) {
			delete(entity, key)
			continue
		}
		entity[key] = reset.value
	}
	return entity
}

// mergeService merges one service definition field by field.
func mergeService(field string, base, override any) (any, error) {
	baseMap, ok := base.(map[string]any)
	if !ok {
		return nil, NewValidationError("", field, fmt.Sprintf("expected mapping, got %T", base), ErrIncompatibleShapes)
	}
	overrideMap, ok := override.(map[string]any)
	if !ok {
		return nil, NewValidationError("", field, fmt.Sprintf("expected mapping, got %T", override), ErrIncompatibleShapes)
	}

	out := make(map[string]any, len(baseMap)+len(overrideMap))
	for key, value := range baseMap {
		out[key] = value
	}
	for key, value := range overrideMap {
		if reset, ok := value.(resetValue); ok {
			if isEmptyValue(reset.value) {
				delete(out, key)
			} else {
				out[key] = reset.value
			}
			continue
		}

		existing, found := out[key]
		switch {
		case !found || existing == nil:
			out[key] = value
		case appendFields[key]:
			merged, err := mergeSequences(field+"."+key, existing, value)
			if err != nil {
				return nil, err
			}
			out[key] = merged
		default:
			merged, err := mergeValues(field+"."+key, existing, value)
			if err != nil {
				return nil, err
			}
			out[key] = merged
		}
	}
	return out, nil
}

// mergeValues merges two values of the same field: mappings key-wise,
// everything else by replacement.
func mergeValues(field string, base, override any) (any, error) {
	if _, ok := override.(map[string]any); ok {
		return mergeMappings(field, base, override)
	}
	if _, ok := base.(map[string]any); ok {
		return nil, NewValidationError("", field, fmt.Sprintf("cannot override mapping with %T", override), ErrIncompatibleShapes)
	}
	return override, nil
}

// mergeMappings merges two mapping values key-wise, recursing into nested
// mappings. Null override values keep their key (an explicit null still
// declares the key, as with passthrough environment entries).
func mergeMappings(field string, base, override any) (any, error) {
	overrideMap, ok := override.(map[string]any)
	if !ok {
		return nil, NewValidationError("", field, fmt.Sprintf("expected mapping, got %T", override), ErrIncompatibleShapes)
	}
	baseMap, ok := base.(map[string]any)
	if !ok {
		return nil, NewValidationError("", field, fmt.Sprintf("cannot merge mapping into %T", base), ErrIncompatibleShapes)
	}

	out := make(map[string]any, len(baseMap)+len(overrideMap))
	for key, value := range baseMap {
		out[key] = value
	}
	for key, value := range overrideMap {
		existing, found := out[key]
		nested, isMap := value.(map[string]any)
		if found && isMap {
			if _, ok := existing.(map[string]any); ok {
				merged, err := mergeMappings(field+"."+key, existing, nested)
				if err != nil {
					return nil, err
				}
				out[key] = merged
				continue
			}
		}
		out[key] = value
	}
	return out, nil
}

// mergeSequences concatenates base and override sequence values.
func mergeSequences(field string, base, override any) (any, error) {
	overrideList, ok := override.([]any)
	if !ok {
		return nil, NewValidationError("", field, fmt.Sprintf("expected list, got %T", override), ErrIncompatibleShapes)
	}
	baseList, ok := base.([]any)
	if !ok {
		return nil, NewValidationError("", field, fmt.Sprintf("cannot append list to %T", base), ErrIncompatibleShapes)
	}

	out := make([]any, 0, len(baseList)+len(overrideList))
	out = append(out, baseList...)
	out = append(out, overrideList...)
	return out, nil
}

// isEmptyValue reports whether a reset payload clears the field entirely.
func isEmptyValue(v any) bool {
	switch value := v.(type) {
	case nil:
		return true
	case string:
		return value == ""
	case []any:
		return len(value) == 0
	case map[string]any:
		return len(value) == 0
	}
	return false
}
