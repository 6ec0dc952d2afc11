package source

// SearchRules maps the fields of a list stage (search or explore) to raw
// rule strings. Any rule may be empty; an empty rule means the field cannot
// be populated, never an error.
type SearchRules struct {
	BookList    string `json:"book_list,omitempty"` // item-context selector, evaluated against the response root
	Name        string `json:"name,omitempty"`      // field rules below are scoped to one matched item
	Author      string `json:"author,omitempty"`
	BookURL     string `json:"book_url,omitempty"`
	Intro       string `json:"intro,omitempty"`
	Kind        string `json:"kind,omitempty"`
	CoverURL    string `json:"cover_url,omitempty"`
	LastChapter string `json:"last_chapter,omitempty"`
}

// DetailRules describes the single-record book page: fields are evaluated
// against the whole response, no item iteration.
type DetailRules struct {
	Name        string `json:"name,omitempty"`
	Author      string `json:"author,omitempty"`
	Intro       string `json:"intro,omitempty"`
	Kind        string `json:"kind,omitempty"`
	TocURL      string `json:"toc_url,omitempty"` // where the chapter list lives; empty falls back to the book URL
	CoverURL    string `json:"cover_url,omitempty"`
	LastChapter string `json:"last_chapter,omitempty"`
}

// TocRules describes the chapter-list page.
type TocRules struct {
	ChapterList string `json:"chapter_list,omitempty"` // item-context selector for chapter rows
	ChapterName string `json:"chapter_name,omitempty"`
	ChapterURL  string `json:"chapter_url,omitempty"`
}

// ContentRules describes one chapter body page.
type ContentRules struct {
	Content     string `json:"content,omitempty"`       // body text rule
	NextPageURL string `json:"next_page_url,omitempty"` // optional continuation link for chapters split across pages
}

// Source is one site's complete rule set: where to request and how to read
// the responses. The five rule groups are independent; a pipeline stage must
// not assume another stage's group is present. The pipeline treats a Source
// as read-only.
type Source struct {
	Name       string            `json:"name"`
	BaseURL    string            `json:"base_url"`              // absolute; relative extracted URLs resolve against it
	SearchURL  string            `json:"search_url,omitempty"`  // template with {key}/{keyword} and {page}
	ExploreURL string            `json:"explore_url,omitempty"` // template with {page} only
	Headers    map[string]string `json:"headers,omitempty"`     // sent on every request to this source

	Search  SearchRules  `json:"search,omitempty"`
	Explore SearchRules  `json:"explore,omitempty"`
	Detail  DetailRules  `json:"detail,omitempty"`
	Toc     TocRules     `json:"toc,omitempty"`
	Content ContentRules `json:"content,omitempty"`
}
