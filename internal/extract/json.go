package extract

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/jp"
)

// SelectValueJSON resolves rule against a decoded JSON tree and returns the
// first matching value, or nil when nothing matches.
//
// Semantics:
//   - The lookup key is the rule's raw segments joined with ".". A trailing
//     reserved attribute keyword is NOT dropped here, so "author@text" looks
//     up "author.text" and in the usual case matches nothing. Sources share
//     one rule string across JSON and HTML responses and depend on the extra
//     segment quietly producing an empty value instead of an error.
//   - Fast path: a mapping that contains the key literally returns that
//     member directly, so dotted member names like "book.list" resolve
//     without path-query splitting.
//   - Fast path: over a sequence, a key that parses as an in-bounds
//     non-negative integer indexes directly.
//   - Otherwise the key runs as a JSONPath query, recursive descent and
//     wildcards included; "$." is prepended unless the key already starts
//     with "$". The first match wins.
//
// Edge cases: an empty rule returns root itself. XPath rules have no JSON
// meaning and return nil.
func SelectValueJSON(root any, rule CompiledRule) any {
	if rule.isXPath {
		return nil
	}
	key := rule.jsonKey
	if key == "" {
		return root
	}

	switch node := root.(type) {
	case map[string]any:
		if v, ok := node[key]; ok {
			return v
		}
	case []any:
		if i, err := strconv.Atoi(key); err == nil && i >= 0 && i < len(node) {
			return node[i]
		}
	}

	matches := queryPath(root, key)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

// SelectListJSON resolves rule against a decoded JSON tree and returns an
// ordered sequence of matching values.
//
// Semantics:
//   - Same key reconstruction and fast paths as SelectValueJSON. A fast-path
//     hit that is itself a sequence is returned verbatim; any other non-nil
//     hit becomes a single-element sequence.
//   - A path query splices sequence matches: a match that is itself a
//     sequence contributes its elements, scalars and objects append whole.
//     Many sources nest the target list one level below the matched key, so
//     the flattening is required behavior.
//
// Edge cases: an empty rule over a sequence root returns it unchanged, and
// over any other shape returns nil.
func SelectListJSON(root any, rule CompiledRule) []any {
	if rule.isXPath {
		return nil
	}
	key := rule.jsonKey
	if key == "" {
		if seq, ok := root.([]any); ok {
			return seq
		}
		return nil
	}

	switch node := root.(type) {
	case map[string]any:
		if v, ok := node[key]; ok {
			return asList(v)
		}
	case []any:
		if i, err := strconv.Atoi(key); err == nil && i >= 0 && i < len(node) {
			return asList(node[i])
		}
	}

	var out []any
	for _, m := range queryPath(root, key) {
		if seq, ok := m.([]any); ok {
			out = append(out, seq...)
			continue
		}
		out = append(out, m)
	}
	return out
}

// queryPath runs key as a JSONPath expression over root. A key without the
// "$" root anchor gets one prepended. A key that fails to parse as a path
// matches nothing.
func queryPath(root any, key string) []any {
	if !strings.HasPrefix(key, "$") {
		key = "$." + key
	}
	expr, err := jp.ParseString(key)
	if err != nil {
		return nil
	}
	return expr.Get(root)
}

// asList returns v verbatim when it is already a sequence, wraps any other
// non-nil value, and maps nil to an empty sequence.
func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	}
	return []any{v}
}

// Stringify renders an extracted JSON value as the string form field rules
// expect.
//
// Behavior:
//   - nil yields ""
//   - strings pass through unchanged
//   - numbers and booleans render in canonical text form
//   - sequences stringify each element, drop empty results, and join the
//     rest with a newline; multi-paragraph content arrives as arrays of
//     fragments
//   - mappings and anything else re-serialize compactly as an opaque
//     fallback string
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(t))
		for _, el := range t {
			if s := Stringify(el); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
