package source

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// SearchPageURL renders the search template for keyword and page and
// resolves it to an absolute URL.
//
// Template tokens: {key} and {keyword} are synonyms and substitute the
// URL-encoded keyword; {page} substitutes the 1-based page number without
// encoding.
func (s *Source) SearchPageURL(keyword string, page int) (string, error) {
	if strings.TrimSpace(s.SearchURL) == "" {
		return "", fmt.Errorf("source %q has no search_url template", s.Name)
	}
	return s.ResolveURL(expandTemplate(s.SearchURL, keyword, page)), nil
}

// ExplorePageURL renders the explore template for page and resolves it to an
// absolute URL. Explore templates carry no keyword; a stray {key} token
// substitutes to the empty string.
func (s *Source) ExplorePageURL(page int) (string, error) {
	if strings.TrimSpace(s.ExploreURL) == "" {
		return "", fmt.Errorf("source %q has no explore_url template", s.Name)
	}
	return s.ResolveURL(expandTemplate(s.ExploreURL, "", page)), nil
}

// expandTemplate substitutes the placeholder tokens into tpl.
func expandTemplate(tpl, keyword string, page int) string {
	enc := url.QueryEscape(keyword)
	out := strings.ReplaceAll(tpl, "{key}", enc)
	out = strings.ReplaceAll(out, "{keyword}", enc)
	return strings.ReplaceAll(out, "{page}", strconv.Itoa(page))
}

// ResolveURL resolves href against the source's base URL and returns an
// absolute URL string. Hrefs that are already absolute pass through; an
// invalid href is returned unchanged.
func (s *Source) ResolveURL(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if u.IsAbs() {
		return u.String()
	}
	base, err := url.Parse(s.BaseURL)
	if err != nil {
		return href
	}
	return base.ResolveReference(u).String()
}
