package extract

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/PuerkitoBio/goquery"
)

// Page holds one response body parsed exactly once as either a decoded JSON
// value tree or an HTML document. Rule evaluation dispatches on which tree
// the page holds; the decision is made at construction and never revisited.
type Page struct {
	jsonRoot any
	doc      *goquery.Document
}

// Node scopes further extraction to one earlier list match: a JSON sub-value
// or an HTML element. Nodes come from Page.SelectList; the zero value is not
// meaningful.
type Node struct {
	jsonVal any
	sel     *goquery.Selection
}

// NewPage sniffs body and builds the matching tree.
//
// The first non-whitespace byte decides the format: "{" or "[" parses as
// JSON, anything else as HTML. A JSON-looking body that fails to decode is a
// hard error with no HTML fallback attempt, so a broken API response is
// reported as such instead of silently evaluating rules against markup soup.
func NewPage(body []byte) (*Page, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var root any
		if err := dec.Decode(&root); err != nil {
			return nil, fmt.Errorf("decode json body: %w", err)
		}
		return &Page{jsonRoot: root}, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html body: %w", err)
	}
	return &Page{doc: doc}, nil
}

// IsJSON reports whether the page holds a JSON tree.
func (p *Page) IsJSON() bool { return p.doc == nil }

// SelectList applies rule and returns every match as a scoping Node, in
// source order. A nil scope means the page root. Finding nothing returns an
// empty slice, never an error.
func (p *Page) SelectList(rule CompiledRule, scope *Node) []Node {
	if p.doc == nil {
		vals := SelectListJSON(p.jsonScope(scope), rule)
		nodes := make([]Node, 0, len(vals))
		for _, v := range vals {
			nodes = append(nodes, Node{jsonVal: v})
		}
		return nodes
	}

	els := SelectElementsHTML(p.htmlScope(scope), rule)
	nodes := make([]Node, 0, len(els))
	for _, el := range els {
		nodes = append(nodes, Node{sel: el})
	}
	return nodes
}

// SelectString applies rule and returns the single string it resolves to.
// A nil scope means the page root. Finding nothing returns "", never an
// error.
func (p *Page) SelectString(rule CompiledRule, scope *Node) string {
	if p.doc == nil {
		return Stringify(SelectValueJSON(p.jsonScope(scope), rule))
	}
	return SelectTextHTML(p.htmlScope(scope), rule)
}

func (p *Page) jsonScope(scope *Node) any {
	if scope != nil {
		return scope.jsonVal
	}
	return p.jsonRoot
}

func (p *Page) htmlScope(scope *Node) *goquery.Selection {
	if scope != nil && scope.sel != nil {
		return scope.sel
	}
	return p.doc.Selection
}
