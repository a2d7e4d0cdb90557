// Package interpolate substitutes environment variable references inside
// resolved document trees. This is part of the Functional Core - no I/O, no
// side effects; values come in through a Lookup callback.
package interpolate

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrRequiredVariable is returned for ${VAR:?msg} and ${VAR?msg} forms
	// when the variable does not satisfy the requirement.
	ErrRequiredVariable = errors.New("required variable is not set")

	// ErrBadSubstitution is returned for malformed ${...} expressions.
	ErrBadSubstitution = errors.New("bad substitution")
)

// Error wraps substitution failures with the tree location and variable that
// caused them.
type Error struct {
	Field    string // e.g., "services.web.image"
	Variable string
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: variable %q: %s", e.Field, e.Variable, e.Reason)
	}
	return fmt.Sprintf("variable %q: %s", e.Variable, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// =============================================================================
// Lookup
// =============================================================================

// Lookup resolves a variable name to its value. The second return
// distinguishes unset variables from variables set to the empty string.
type Lookup func(name string) (string, bool)

// MapLookup builds a Lookup over a fixed map, mainly for tests.
func MapLookup(values map[string]string) Lookup {
	return func(name string) (string, bool) {
		v, ok := values[name]
		return v, ok
	}
}

// =============================================================================
// Tree Substitution
// =============================================================================

// Tree returns a copy of the canonical tree with every string leaf expanded.
// Mappings are visited in sorted key order so the first error reported is
// deterministic across runs.
func Tree(tree map[string]any, lookup Lookup) (map[string]any, error) {
	expanded, err := value("", tree, lookup)
	if err != nil {
		return nil, err
	}
	return expanded.(map[string]any), nil
}

func value(field string, v any, lookup Lookup) (any, error) {
	switch node := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := make(map[string]any, len(node))
		for _, k := range keys {
			child := k
			if field != "" {
				child = field + "." + k
			}
			expanded, err := value(child, node[k], lookup)
			if err != nil {
				return nil, err
			}
			out[k] = expanded
		}
		return out, nil
	case []any:
		out := make([]any, len(node))
		for i, item := range node {
			expanded, err := value(fmt.Sprintf("%s[%d]", field, i), item, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	case string:
		expanded, err := Expand(node, lookup)
		if err != nil {
			var ie *Error
			if errors.As(err, &ie) && ie.Field == "" {
				ie.Field = field
			}
			return nil, err
		}
		return expanded, nil
	default:
		return v, nil
	}
}

// =============================================================================
// String Expansion
// =============================================================================

// Expand substitutes every variable reference in s. Supported forms are $VAR,
// ${VAR}, ${VAR:-def}, ${VAR-def}, ${VAR:?msg}, ${VAR?msg}, ${VAR:+alt} and
// ${VAR+alt}; $$ produces a literal dollar sign. Default and alternate words
// may themselves contain references. A dollar sign that starts no valid
// reference is kept verbatim.
func Expand(s string, lookup Lookup) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); {
		c := s[i]
		if c != '$' {
			b.WriteByte(c)
			i++
			continue
		}
		if i+1 >= len(s) {
			b.WriteByte('$')
			break
		}

		switch next := s[i+1]; {
		case next == '$':
			b.WriteByte('$')
			i += 2
		case next == '{':
			expanded, consumed, err := expandBraced(s[i:], lookup)
			if err != nil {
				return "", err
			}
			b.WriteString(expanded)
			i += consumed
		case isNameStart(next):
			j := i + 1
			for j < len(s) && isNameChar(s[j]) {
				j++
			}
			v, _ := lookup(s[i+1 : j])
			b.WriteString(v)
			i = j
		default:
			b.WriteByte('$')
			i++
		}
	}
	return b.String(), nil
}

// expandBraced handles one ${...} expression at the start of s and returns
// the substituted text plus the number of input bytes consumed.
func expandBraced(s string, lookup Lookup) (string, int, error) {
	end, ok := matchingBrace(s)
	if !ok {
		return "", 0, &Error{Variable: s, Reason: "missing closing brace", Err: ErrBadSubstitution}
	}
	inner := s[2:end]
	consumed := end + 1

	j := 0
	for j < len(inner) && isNameChar(inner[j]) {
		j++
	}
	name := inner[:j]
	if name == "" || !isNameStart(name[0]) {
		return "", 0, &Error{Variable: inner, Reason: "invalid variable name", Err: ErrBadSubstitution}
	}

	operator, word, err := splitOperator(inner[j:])
	if err != nil {
		return "", 0, &Error{Variable: name, Reason: err.Error(), Err: ErrBadSubstitution}
	}

	v, set := lookup(name)
	switch operator {
	case "":
		return v, consumed, nil
	case ":-":
		if set && v != "" {
			return v, consumed, nil
		}
	case "-":
		if set {
			return v, consumed, nil
		}
	case ":?":
		if set && v != "" {
			return v, consumed, nil
		}
		return "", 0, requiredError(name, word, lookup)
	case "?":
		if set {
			return v, consumed, nil
		}
		return "", 0, requiredError(name, word, lookup)
	case ":+":
		if !set || v == "" {
			return "", consumed, nil
		}
	case "+":
		if !set {
			return "", consumed, nil
		}
	}

	expanded, err := Expand(word, lookup)
	if err != nil {
		return "", 0, err
	}
	return expanded, consumed, nil
}

// matchingBrace finds the index of the brace closing the "${" that s starts
// with, accounting for nested references.
func matchingBrace(s string) (int, bool) {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '$' && i+1 < len(s) && s[i+1] == '{':
			depth++
			i++
		case s[i] == '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// splitOperator separates the modifier from its word in the text following a
// variable name inside braces.
func splitOperator(rest string) (string, string, error) {
	if rest == "" {
		return "", "", nil
	}
	for _, op := range []string{":-", ":?", ":+", "-", "?", "+"} {
		if strings.HasPrefix(rest, op) {
			return op, rest[len(op):], nil
		}
	}
	return "", "", fmt.Errorf("unexpected character %q after variable name", rest[0])
}

func requiredError(name, word string, lookup Lookup) error {
	reason := "required variable is not set"
	if word != "" {
		if msg, err := Expand(word, lookup); err == nil && msg != "" {
			reason = msg
		}
	}
	return &Error{Variable: name, Reason: reason, Err: ErrRequiredVariable}
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}
