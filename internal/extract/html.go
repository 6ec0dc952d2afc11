package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// SelectElementsHTML returns every element matched by rule under scope, in
// document order, one single-element selection per match.
//
// Semantics:
//   - CSS rules join their steps with a space into one descendant query and
//     run it exactly once against scope.
//   - XPath rules run against each node in scope; a rule whose expression
//     failed to compile matches nothing.
//   - An empty rule returns no elements. There is no implicit "select
//     everything" default; callers that need scope itself use
//     SelectTextHTML with an empty rule.
func SelectElementsHTML(scope *goquery.Selection, rule CompiledRule) []*goquery.Selection {
	if rule.isXPath {
		if rule.xpathExpr == nil {
			return nil
		}
		var out []*goquery.Selection
		for _, n := range scope.Nodes {
			for _, m := range htmlquery.QuerySelectorAll(n, rule.xpathExpr) {
				out = append(out, goquery.NewDocumentFromNode(m).Selection)
			}
		}
		return out
	}
	if rule.Empty() {
		return nil
	}

	var out []*goquery.Selection
	scope.Find(rule.cssQuery()).Each(func(_ int, sel *goquery.Selection) {
		out = append(out, sel)
	})
	return out
}

// SelectTextHTML resolves rule to a single string under scope.
//
// Semantics:
//   - An empty rule targets scope itself.
//   - Otherwise the target is the first match of the compound query; no
//     match yields "".
//   - Attribute resolution on the target: "" and "text" return the rendered
//     text, "html" the inner markup, "textNodes" only the text nodes that
//     are immediate children of the target (text inside nested elements is
//     excluded), and any other name is a literal attribute lookup
//     defaulting to "".
//
// All results are space-trimmed. No-match is never an error; only markup
// the parser rejects outright fails, and that happens at Page construction.
func SelectTextHTML(scope *goquery.Selection, rule CompiledRule) string {
	var target *goquery.Selection
	switch {
	case rule.isXPath:
		els := SelectElementsHTML(scope, rule)
		if len(els) == 0 {
			return ""
		}
		target = els[0]
	case rule.Empty():
		target = scope
	default:
		target = scope.Find(rule.cssQuery()).First()
		if target.Length() == 0 {
			return ""
		}
	}
	return resolveAttr(target, rule.Attr)
}

// resolveAttr extracts the facet of target named by attr.
func resolveAttr(target *goquery.Selection, attr string) string {
	switch attr {
	case "", AttrText:
		return strings.TrimSpace(target.Text())

	case AttrHTML:
		markup, err := target.Html()
		if err != nil {
			return ""
		}
		return strings.TrimSpace(markup)

	case AttrTextNodes:
		return strings.TrimSpace(immediateText(target))

	default:
		// href, src, and any other name resolve as a literal attribute.
		if val, ok := target.Attr(attr); ok {
			return strings.TrimSpace(val)
		}
		return ""
	}
}

// immediateText concatenates the text nodes sitting directly under the first
// element of target. Body paragraphs typically sit as bare text while inline
// decorations arrive wrapped in child tags, so nested element text is
// skipped.
func immediateText(target *goquery.Selection) string {
	if len(target.Nodes) == 0 {
		return ""
	}
	var b strings.Builder
	for c := target.Nodes[0].FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}
