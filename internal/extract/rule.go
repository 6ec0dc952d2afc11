// Package extract implements the rule language used by book sources to pull
// fields out of remote responses.
//
// The extract package is responsible for:
//   - Compiling a raw rule string into a normalized selector description
//   - Evaluating compiled rules against decoded JSON value trees
//   - Evaluating compiled rules against parsed HTML documents
//   - Dispatching between the two tree shapes behind one Page facade
//
// Design constraints:
//   - A rule that matches nothing is a normal outcome, never an error.
//   - The tree shape is fixed once per response body and never switches
//     mid-evaluation.
//   - Compilation is total: any input string yields a usable CompiledRule.
package extract

import (
	"strings"

	"github.com/antchfx/xpath"
)

// Reserved attribute keywords. When one of these ends a rule it selects what
// to return from the matched element instead of which element to match.
const (
	AttrText      = "text"
	AttrHTML      = "html"
	AttrHref      = "href"
	AttrSrc       = "src"
	AttrTextNodes = "textNodes"
)

// reservedAttrs is the set of trailing segments Compile strips into Attr.
var reservedAttrs = map[string]bool{
	AttrText:      true,
	AttrHTML:      true,
	AttrHref:      true,
	AttrSrc:       true,
	AttrTextNodes: true,
}

// CompiledRule is the normalized form of one raw rule string. It is immutable
// once built and safe to reuse across evaluations and goroutines.
type CompiledRule struct {
	// Raw is the rule string exactly as written in the source rule set.
	Raw string

	// Steps are the CSS selector steps left after attribute stripping and
	// prefix translation, in segment order.
	Steps []string

	// Attr is the trailing reserved attribute keyword, or "" when the rule
	// carries none. Evaluators treat "" as text for HTML and as the raw
	// value for JSON.
	Attr string

	xpathExpr *xpath.Expr
	isXPath   bool
	jsonKey   string
}

// Compile parses a raw rule string into its normalized form.
//
// Behavior:
//   - The string is split on "@"; segments are trimmed and empty segments
//     discarded.
//   - If the final remaining segment is a reserved attribute keyword it is
//     removed and recorded as Attr.
//   - Remaining segments are prefix-translated for CSS matching:
//     "class.x" becomes ".x", "id.x" becomes "#x", "tag.x" becomes "x";
//     anything else passes through unchanged.
//   - A rule whose trimmed form starts with "//" compiles as one XPath
//     expression and is exempt from "@" splitting, which XPath reserves for
//     its attribute axis. A malformed XPath yields a rule that matches
//     nothing.
//
// Edge cases:
// An empty input compiles to a rule with no steps and no attribute, meaning
// "operate on the current context itself". The raw segments, trailing
// attribute keyword included, are also retained joined with "." for JSON
// evaluation; see SelectValueJSON.
func Compile(raw string) CompiledRule {
	r := CompiledRule{Raw: raw}

	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "//") {
		r.isXPath = true
		if expr, err := xpath.Compile(trimmed); err == nil {
			r.xpathExpr = expr
		}
		return r
	}

	var segs []string
	for _, seg := range strings.Split(trimmed, "@") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		segs = append(segs, seg)
	}

	r.jsonKey = strings.Join(segs, ".")

	if n := len(segs); n > 0 && reservedAttrs[segs[n-1]] {
		r.Attr = segs[n-1]
		segs = segs[:n-1]
	}

	for _, seg := range segs {
		r.Steps = append(r.Steps, translateStep(seg))
	}
	return r
}

// translateStep rewrites the class./id./tag. prefixes into their CSS forms.
func translateStep(seg string) string {
	switch {
	case strings.HasPrefix(seg, "class."):
		return "." + strings.TrimPrefix(seg, "class.")
	case strings.HasPrefix(seg, "id."):
		return "#" + strings.TrimPrefix(seg, "id.")
	case strings.HasPrefix(seg, "tag."):
		return strings.TrimPrefix(seg, "tag.")
	}
	return seg
}

// Empty reports whether the rule selects nothing beyond the current context.
func (r CompiledRule) Empty() bool {
	return !r.isXPath && len(r.Steps) == 0
}

// IsXPath reports whether the rule compiled as an XPath expression.
func (r CompiledRule) IsXPath() bool { return r.isXPath }

// cssQuery joins the selector steps into one descendant-combinator query.
func (r CompiledRule) cssQuery() string {
	return strings.Join(r.Steps, " ")
}
