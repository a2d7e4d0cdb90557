package compose

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Canonical Tree Representation
// =============================================================================
//
// Between parsing and typed decoding the model lives as an untyped tree:
// map[string]any for mappings, []any for sequences, string for every scalar
// leaf and nil for explicit nulls. Scalars stay textual until after
// interpolation so variable references survive shape normalization.

// resetValue marks a field whose later-document value discards the earlier
// one instead of being appended to it (the `!reset` YAML tag).
type resetValue struct {
	value any
}

// resetTag is the YAML tag recognized as a reset marker on override fields.
const resetTag = "!reset"

// scalarValue converts a YAML scalar node to its canonical leaf form.
func scalarValue(n *yaml.Node) any {
	n = resolveAlias(n)
	if n.Tag == "!!null" {
		return nil
	}
	return n.Value
}

// unwrapDocument returns the mapping node of a document node.
func unwrapDocument(n *yaml.Node) *yaml.Node {
	if n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		return n.Content[0]
	}
	return n
}

// resolveAlias follows *anchor references to the anchored node.
func resolveAlias(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	return n
}

// mappingEntries iterates over a mapping node's key/value pairs, resolving
// aliases and expanding `<<` merge keys. Explicit keys shadow merged ones.
func mappingEntries(n *yaml.Node, fn func(key string, value *yaml.Node) error) error {
	n = resolveAlias(n)
	seen := make(map[string]bool)
	var merged []*yaml.Node

	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		value := resolveAlias(n.Content[i+1])
		if key == "<<" {
			if value.Kind == yaml.SequenceNode {
				for _, item := range value.Content {
					merged = append(merged, resolveAlias(item))
				}
			} else {
				merged = append(merged, value)
			}
			continue
		}
		seen[key] = true
		if err := fn(key, value); err != nil {
			return err
		}
	}

	for _, m := range merged {
		for i := 0; i+1 < len(m.Content); i += 2 {
			key := m.Content[i].Value
			if seen[key] {
				continue
			}
			seen[key] = true
			if err := fn(key, resolveAlias(m.Content[i+1])); err != nil {
				return err
			}
		}
	}
	return nil
}

// =============================================================================
// Brace-Aware Splitting
// =============================================================================

// splitOutsideBraces splits s on sep, ignoring separators inside ${...}
// references so shorthand forms like "${HOST:-0.0.0.0}:8080:80" split
// correctly before interpolation has run.
func splitOutsideBraces(s string, sep byte) []string {
	var parts []string
	var depth int
	start := 0
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '$' && i+1 < len(s) && s[i+1] == '{':
			depth++
			i++
		case s[i] == '}' && depth > 0:
			depth--
		case s[i] == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// containsReference reports whether s carries an uninterpolated variable
// reference.
func containsReference(s string) bool {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '$' && s[i+1] != '$' {
			return true
		}
		if s[i] == '$' && s[i+1] == '$' {
			i++
		}
	}
	return false
}

// =============================================================================
// Key/Value List Parsing
// =============================================================================

// splitKeyValue splits a "KEY=VALUE" entry. The second return is false when
// no '=' is present.
func splitKeyValue(s string) (string, string, bool) {
	if i := strings.IndexByte(s, '='); i >= 0 {
		return s[:i], s[i+1:], true
	}
	return s, "", false
}
