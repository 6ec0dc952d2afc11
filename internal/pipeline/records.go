package pipeline

// Book is one extracted book record: a list-stage item or the detail-stage
// result. URL fields hold whatever the rule extracted; callers resolve them
// against the source base when they fetch.
type Book struct {
	Name        string `json:"name,omitempty"`
	Author      string `json:"author,omitempty"`
	URL         string `json:"url,omitempty"`
	Intro       string `json:"intro,omitempty"`
	Kind        string `json:"kind,omitempty"`
	CoverURL    string `json:"cover_url,omitempty"`
	LastChapter string `json:"last_chapter,omitempty"`
}

// Empty reports whether the list-stage discard rule applies: name, author,
// URL, and intro all resolved empty. The supplementary fields do not keep an
// item alive on their own.
func (b Book) Empty() bool {
	return b.Name == "" && b.Author == "" && b.URL == "" && b.Intro == ""
}

// Chapter is one table-of-contents row.
type Chapter struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Empty reports whether the toc discard rule applies: both fields empty.
func (c Chapter) Empty() bool {
	return c.Name == "" && c.URL == ""
}
