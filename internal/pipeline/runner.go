// Package pipeline runs a source's rule set end to end: a list stage
// (search or explore), then detail, table of contents, and content, each
// stage feeding the next. The run writes a Trace a rule author can read to
// see exactly where a broken rule set stopped producing usable data.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"booksource/internal/cache"
	"booksource/internal/extract"
	"booksource/internal/metrics"
	"booksource/internal/source"
)

const (
	maxPreviewItems     = 3
	contentPreviewChars = 120
)

// Fetcher GETs one URL and returns the decoded body and status. Implemented
// by fetch.Client; the pipeline needs nothing beyond this.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, int, error)
}

// Options configures a Runner.
type Options struct {
	// Job names the run in metrics labels. Empty defaults to "check".
	Job string

	// MaxContentPages bounds the content stage's next-page walk, first page
	// included. Values below 1 default to 5.
	MaxContentPages int

	// Logger receives operational events. Nil defaults to a no-op logger;
	// the Trace is the primary diagnostic surface either way.
	Logger *zap.Logger

	// Cache stores chapter content across runs. Nil defaults to no caching.
	Cache cache.ChapterCache
}

// Runner executes the four-stage resolution pipeline for one source.
//
// Concurrency model:
//   - A Runner is single-threaded; stages run strictly in sequence.
//   - Independent Runners share nothing and may run concurrently.
//   - Stop may be called from any goroutine; the flag is checked at stage
//     boundaries only, so a fetch in flight completes first.
type Runner struct {
	src     *source.Source
	fetcher Fetcher
	cache   cache.ChapterCache
	logger  *zap.Logger

	job             string
	maxContentPages int

	stop atomic.Bool
}

// NewRunner builds a Runner over src and fetcher, applying Options defaults.
func NewRunner(src *source.Source, fetcher Fetcher, opts Options) *Runner {
	if opts.Job == "" {
		opts.Job = "check"
	}
	if opts.MaxContentPages < 1 {
		opts.MaxContentPages = 5
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Cache == nil {
		opts.Cache = cache.Nop{}
	}
	return &Runner{
		src:             src,
		fetcher:         fetcher,
		cache:           opts.Cache,
		logger:          opts.Logger,
		job:             opts.Job,
		maxContentPages: opts.MaxContentPages,
	}
}

// Stop requests a cooperative halt. The current stage finishes; the run ends
// at the next stage boundary with Result.Stopped set.
func (r *Runner) Stop() {
	r.stop.Store(true)
}

// Result is what a run produced, stage by stage. A short-circuited run
// returns the stages that did complete with Complete false and a nil error;
// errors are reserved for stage aborts (fetch or parse failures).
type Result struct {
	Books    []Book
	Detail   Book
	Chapters []Chapter
	Content  string

	// Complete is true when all four stages ran to the end.
	Complete bool

	// Stopped is true when the run halted at a boundary after Stop.
	Stopped bool
}

// Run executes search, detail, toc, and content for keyword and the 1-based
// page number. A nil trace is replaced with a fresh one.
func (r *Runner) Run(ctx context.Context, trace *Trace, keyword string, page int) (*Result, error) {
	return r.run(ctx, trace, keyword, page, false)
}

// RunExplore is Run seeded from the source's explore template instead of
// search. There is no keyword; everything downstream is identical.
func (r *Runner) RunExplore(ctx context.Context, trace *Trace, page int) (*Result, error) {
	return r.run(ctx, trace, "", page, true)
}

func (r *Runner) run(ctx context.Context, trace *Trace, keyword string, pageNo int, explore bool) (*Result, error) {
	if trace == nil {
		trace = NewTrace()
	}
	res := &Result{}

	stage := "search"
	group := r.src.Search
	var pageURL string
	var err error
	if explore {
		stage, group = "explore", r.src.Explore
		pageURL, err = r.src.ExplorePageURL(pageNo)
	} else {
		pageURL, err = r.src.SearchPageURL(keyword, pageNo)
	}
	if err != nil {
		trace.Logf("[%s] %v", stage, err)
		return res, fmt.Errorf("%s stage: %w", stage, err)
	}

	if r.stopRequested(trace, stage) {
		res.Stopped = true
		return res, nil
	}
	books, err := r.listStage(ctx, trace, stage, pageURL, group)
	if err != nil {
		return res, err
	}
	res.Books = books
	if len(books) == 0 {
		trace.Logf("[%s] no usable input for next stage", stage)
		return res, nil
	}

	if r.stopRequested(trace, "detail") {
		res.Stopped = true
		return res, nil
	}
	bookURL := r.src.ResolveURL(books[0].URL)
	if bookURL == "" {
		trace.Logf("[%s] first item has no book url; no usable input for next stage", stage)
		return res, nil
	}
	detail, tocURL, err := r.detailStage(ctx, trace, bookURL)
	if err != nil {
		return res, err
	}
	res.Detail = detail

	if r.stopRequested(trace, "toc") {
		res.Stopped = true
		return res, nil
	}
	tocTarget := bookURL
	if tocURL != "" {
		tocTarget = r.src.ResolveURL(tocURL)
	} else {
		trace.Logf("[toc] no toc url extracted; using book url")
	}
	chapters, err := r.tocStage(ctx, trace, tocTarget)
	if err != nil {
		return res, err
	}
	res.Chapters = chapters
	if len(chapters) == 0 {
		trace.Logf("[toc] no usable input for next stage")
		return res, nil
	}

	if r.stopRequested(trace, "content") {
		res.Stopped = true
		return res, nil
	}
	chapterURL := r.src.ResolveURL(chapters[0].URL)
	if chapterURL == "" {
		trace.Logf("[toc] first chapter has no url; no usable input for next stage")
		return res, nil
	}
	content, err := r.contentStage(ctx, trace, chapterURL)
	if err != nil {
		return res, err
	}
	res.Content = content

	res.Complete = true
	return res, nil
}

// listStage fetches pageURL and extracts book items with the given rule
// group. Items where name, author, url, and intro all resolve empty are
// dropped. A panic while extracting one item skips that item only.
func (r *Runner) listStage(ctx context.Context, trace *Trace, stage, pageURL string, group source.SearchRules) ([]Book, error) {
	start := time.Now()
	status := "ok"
	defer func() { metrics.RecordStage(r.job, stage, status, time.Since(start)) }()

	page, err := r.fetchPage(ctx, trace, stage, pageURL)
	if err != nil {
		status = "error"
		return nil, err
	}

	items := page.SelectList(extract.Compile(group.BookList), nil)
	books := make([]Book, 0, len(items))
	var itemErrs error
	for i := range items {
		book, err := recoverItem(func() Book { return extractBook(page, &items[i], group) })
		if err != nil {
			r.logger.Warn("item extraction failed",
				zap.String("stage", stage), zap.Int("item", i), zap.Error(err))
			itemErrs = multierr.Append(itemErrs, fmt.Errorf("item %d: %w", i, err))
			continue
		}
		if book.Empty() {
			continue
		}
		books = append(books, book)
	}
	if itemErrs != nil {
		trace.Logf("[%s] %d item(s) failed extraction: %v", stage, len(multierr.Errors(itemErrs)), itemErrs)
	}

	metrics.RecordStageItems(r.job, stage, len(items), len(books))
	trace.Logf("[%s] items: %d raw, %d kept", stage, len(items), len(books))
	for i, b := range books {
		if i == maxPreviewItems {
			break
		}
		trace.Logf("[%s] #%d %q by %q url=%s", stage, i+1, b.Name, b.Author, b.URL)
	}

	if len(books) == 0 {
		status = "empty"
	}
	return books, nil
}

// detailStage fetches the book page and evaluates the detail group against
// the whole document. It returns the record and the raw extracted toc URL;
// the caller decides the toc fallback.
func (r *Runner) detailStage(ctx context.Context, trace *Trace, bookURL string) (Book, string, error) {
	const stage = "detail"
	start := time.Now()
	status := "ok"
	defer func() { metrics.RecordStage(r.job, stage, status, time.Since(start)) }()

	page, err := r.fetchPage(ctx, trace, stage, bookURL)
	if err != nil {
		status = "error"
		return Book{}, "", err
	}

	g := r.src.Detail
	rec := Book{
		Name:        fieldString(page, g.Name, nil),
		Author:      fieldString(page, g.Author, nil),
		Intro:       fieldString(page, g.Intro, nil),
		Kind:        fieldString(page, g.Kind, nil),
		CoverURL:    fieldString(page, g.CoverURL, nil),
		LastChapter: fieldString(page, g.LastChapter, nil),
	}
	tocURL := fieldString(page, g.TocURL, nil)
	trace.Logf("[detail] name=%q author=%q kind=%q toc_url=%q", rec.Name, rec.Author, rec.Kind, tocURL)

	if rec.Name == "" && rec.Author == "" && rec.Intro == "" && tocURL == "" {
		status = "empty"
	}
	rec.URL = bookURL
	return rec, tocURL, nil
}

// tocStage fetches the chapter list page and extracts chapter rows. Rows
// with both fields empty are dropped.
func (r *Runner) tocStage(ctx context.Context, trace *Trace, tocURL string) ([]Chapter, error) {
	const stage = "toc"
	start := time.Now()
	status := "ok"
	defer func() { metrics.RecordStage(r.job, stage, status, time.Since(start)) }()

	page, err := r.fetchPage(ctx, trace, stage, tocURL)
	if err != nil {
		status = "error"
		return nil, err
	}

	g := r.src.Toc
	items := page.SelectList(extract.Compile(g.ChapterList), nil)
	chapters := make([]Chapter, 0, len(items))
	var itemErrs error
	for i := range items {
		ch, err := recoverItem(func() Chapter { return extractChapter(page, &items[i], g) })
		if err != nil {
			r.logger.Warn("item extraction failed",
				zap.String("stage", stage), zap.Int("item", i), zap.Error(err))
			itemErrs = multierr.Append(itemErrs, fmt.Errorf("item %d: %w", i, err))
			continue
		}
		if ch.Empty() {
			continue
		}
		chapters = append(chapters, ch)
	}
	if itemErrs != nil {
		trace.Logf("[%s] %d item(s) failed extraction: %v", stage, len(multierr.Errors(itemErrs)), itemErrs)
	}

	metrics.RecordStageItems(r.job, stage, len(items), len(chapters))
	trace.Logf("[%s] items: %d raw, %d kept", stage, len(items), len(chapters))
	for i, ch := range chapters {
		if i == maxPreviewItems {
			break
		}
		trace.Logf("[%s] #%d %q url=%s", stage, i+1, ch.Name, ch.URL)
	}

	if len(chapters) == 0 {
		status = "empty"
	}
	return chapters, nil
}

// contentStage resolves one chapter's text, walking next-page links up to
// the configured bound and joining page texts with a newline.
//
// Resilience:
//   - A cache hit skips all fetching.
//   - A revisited URL ends the walk (loop protection).
//   - A failed continuation fetch keeps the pages already extracted; only a
//     failure on the first page aborts the stage.
func (r *Runner) contentStage(ctx context.Context, trace *Trace, chapterURL string) (string, error) {
	const stage = "content"
	start := time.Now()
	status := "ok"
	defer func() { metrics.RecordStage(r.job, stage, status, time.Since(start)) }()

	if cached, ok := r.cache.Get(chapterURL); ok {
		trace.Logf("[content] cache hit for %s (%d chars)", chapterURL, len(cached))
		return cached, nil
	}

	g := r.src.Content
	var parts []string
	seen := map[string]bool{}
	cur := chapterURL
	pages := 0
	for cur != "" && pages < r.maxContentPages {
		if seen[cur] {
			trace.Logf("[content] already visited %s; stopping page walk", cur)
			break
		}
		seen[cur] = true

		page, err := r.fetchPage(ctx, trace, stage, cur)
		if err != nil {
			if pages == 0 {
				status = "error"
				return "", err
			}
			trace.Logf("[content] continuation fetch failed, keeping %d page(s): %v", pages, err)
			break
		}
		pages++

		if text := fieldString(page, g.Content, nil); text != "" {
			parts = append(parts, text)
		}
		next := fieldString(page, g.NextPageURL, nil)
		if next == "" {
			break
		}
		cur = r.src.ResolveURL(next)
	}

	content := strings.Join(parts, "\n")
	if content == "" {
		status = "empty"
		trace.Logf("[content] rule matched nothing over %d page(s)", pages)
		return "", nil
	}

	r.cache.Put(chapterURL, content)
	trace.Logf("[content] %d page(s), %d chars", pages, len(content))
	trace.Logf("[content] preview: %s", previewText(content, contentPreviewChars))
	return content, nil
}

// fetchPage GETs url and parses the body into a Page, tracing the exchange.
// Parse failures are traced distinctly from fetch failures; "the rule
// matched nothing" is never an error and never reaches here.
func (r *Runner) fetchPage(ctx context.Context, trace *Trace, stage, url string) (*extract.Page, error) {
	trace.Logf("[%s] GET %s", stage, url)
	body, statusCode, err := r.fetcher.Fetch(ctx, url)
	if err != nil {
		trace.Logf("[%s] fetch failed: %v", stage, err)
		return nil, fmt.Errorf("%s stage: %w", stage, err)
	}
	trace.Logf("[%s] status %d, %d bytes", stage, statusCode, len(body))

	page, err := extract.NewPage(body)
	if err != nil {
		trace.Logf("[%s] parse response body: %v", stage, err)
		return nil, fmt.Errorf("%s stage: %w", stage, err)
	}
	return page, nil
}

func (r *Runner) stopRequested(trace *Trace, next string) bool {
	if !r.stop.Load() {
		return false
	}
	trace.Logf("stop requested; run halted before %s stage", next)
	return true
}

// extractBook evaluates the list-stage field rules scoped to one item.
func extractBook(p *extract.Page, n *extract.Node, g source.SearchRules) Book {
	return Book{
		Name:        fieldString(p, g.Name, n),
		Author:      fieldString(p, g.Author, n),
		URL:         fieldString(p, g.BookURL, n),
		Intro:       fieldString(p, g.Intro, n),
		Kind:        fieldString(p, g.Kind, n),
		CoverURL:    fieldString(p, g.CoverURL, n),
		LastChapter: fieldString(p, g.LastChapter, n),
	}
}

// extractChapter evaluates the toc field rules scoped to one row.
func extractChapter(p *extract.Page, n *extract.Node, g source.TocRules) Chapter {
	return Chapter{
		Name: fieldString(p, g.ChapterName, n),
		URL:  fieldString(p, g.ChapterURL, n),
	}
}

// fieldString applies one field rule. An absent rule means the field is
// skipped entirely: it must NOT fall through to the empty-rule evaluation,
// which would return the scope's own text instead of nothing.
func fieldString(p *extract.Page, raw string, scope *extract.Node) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	return strings.TrimSpace(p.SelectString(extract.Compile(raw), scope))
}

// recoverItem converts a panic during one item's extraction into an error,
// so a malformed item is skipped instead of aborting the whole pass.
func recoverItem[T any](f func() T) (v T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%v", p)
		}
	}()
	return f(), nil
}
