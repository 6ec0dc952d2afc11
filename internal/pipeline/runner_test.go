package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"booksource/internal/cache"
	"booksource/internal/fetch"
	"booksource/internal/source"
)

// fakeFetcher serves canned bodies keyed by exact URL and records every
// request in order.
type fakeFetcher struct {
	t       *testing.T
	pages   map[string]fakePage
	calls   []string
	onFetch func(url string)
}

type fakePage struct {
	body   string
	status int
	err    error
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, int, error) {
	f.calls = append(f.calls, url)
	if f.onFetch != nil {
		f.onFetch(url)
	}
	p, ok := f.pages[url]
	if !ok {
		f.t.Fatalf("unexpected fetch of %s; known pages: %v", url, knownURLs(f.pages))
	}
	if p.err != nil {
		return nil, 0, p.err
	}
	status := p.status
	if status == 0 {
		status = http.StatusOK
	}
	return []byte(p.body), status, nil
}

func knownURLs(pages map[string]fakePage) []string {
	urls := make([]string, 0, len(pages))
	for u := range pages {
		urls = append(urls, u)
	}
	return urls
}

// jsonSource is a JSON API rule set: bare-key field rules, a dotted path for
// the list, relative URLs resolved against the base.
func jsonSource() *source.Source {
	return &source.Source{
		Name:       "jsonapi",
		BaseURL:    "https://x.com",
		SearchURL:  "https://api.x.com/search?key={key}&page={page}",
		ExploreURL: "https://api.x.com/hot?page={page}",
		Search: source.SearchRules{
			BookList: "data.book_list",
			Name:     "name",
			Author:   "author",
			BookURL:  "url",
			Intro:    "intro",
		},
		Explore: source.SearchRules{
			BookList: "data.book_list",
			Name:     "name",
			Author:   "author",
			BookURL:  "url",
			Intro:    "intro",
		},
		Detail: source.DetailRules{
			Name:   "name",
			Author: "author",
			Kind:   "kind",
			TocURL: "toc",
		},
		Toc: source.TocRules{
			ChapterList: "chapters",
			ChapterName: "title",
			ChapterURL:  "link",
		},
		Content: source.ContentRules{
			Content:     "content",
			NextPageURL: "next",
		},
	}
}

// jsonPages serves a complete happy-path run for jsonSource with keyword
// 斗破 on page 1.
func jsonPages() map[string]fakePage {
	return map[string]fakePage{
		"https://api.x.com/search?key=%E6%96%97%E7%A0%B4&page=1": {
			body: `{"data":{"book_list":[{"name":"斗破苍穹","author":"天蚕土豆","url":"/book/1","intro":"少年萧炎"}]}}`,
		},
		"https://x.com/book/1": {
			body: `{"name":"斗破苍穹","author":"天蚕土豆","kind":"玄幻","toc":"/toc/1"}`,
		},
		"https://x.com/toc/1": {
			body: `{"chapters":[{"title":"第一章 陨落的天才","link":"/chapter/1"},{"title":"第二章 斗气大陆","link":"/chapter/2"}]}`,
		},
		"https://x.com/chapter/1": {
			body: `{"content":"三十年河东三十年河西莫欺少年穷"}`,
		},
	}
}

// htmlSource is an HTML scrape rule set: class./id./tag. selector steps with
// attribute extractors.
func htmlSource() *source.Source {
	return &source.Source{
		Name:      "htmlsite",
		BaseURL:   "https://x.com",
		SearchURL: "/search?key={key}&page={page}",
		Search: source.SearchRules{
			BookList: "class.book",
			Name:     "tag.a@text",
			Author:   "class.author@text",
			BookURL:  "tag.a@href",
		},
		Detail: source.DetailRules{
			Name:   "class.name@text",
			Author: "class.author@text",
			TocURL: "id.toclink@href",
		},
		Toc: source.TocRules{
			ChapterList: "class.chapter",
			ChapterName: "tag.a@text",
			ChapterURL:  "tag.a@href",
		},
		Content: source.ContentRules{
			Content:     "id.content@textNodes",
			NextPageURL: "id.nextpage@href",
		},
	}
}

func htmlPages() map[string]fakePage {
	return map[string]fakePage{
		"https://x.com/search?key=Title1&page=1": {
			body: `<html><body><ul><li class="book"><a href="/b/1">Title1</a><span class="author">AuthorX</span></li></ul></body></html>`,
		},
		"https://x.com/b/1": {
			body: `<html><body><h1 class="name">Title1</h1><span class="author">AuthorX</span><a id="toclink" href="/toc/1">目录</a></body></html>`,
		},
		"https://x.com/toc/1": {
			body: `<html><body><ul><li class="chapter"><a href="/c/1">第一章</a></li><li class="chapter"><a href="/c/2">第二章</a></li></ul></body></html>`,
		},
		"https://x.com/c/1": {
			body: `<html><body><div id="content">Hello<span class="ad">BUY</span>World</div></body></html>`,
		},
	}
}

/////

func TestRun_JSONSourceEndToEnd(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{t: t, pages: jsonPages()}
	r := NewRunner(jsonSource(), f, Options{})
	tr := NewTrace()

	res, err := r.Run(context.Background(), tr, "斗破", 1)
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if !res.Complete {
		t.Fatalf("Complete=false; trace=%+v", tr.Lines())
	}

	wantCalls := []string{
		"https://api.x.com/search?key=%E6%96%97%E7%A0%B4&page=1",
		"https://x.com/book/1",
		"https://x.com/toc/1",
		"https://x.com/chapter/1",
	}
	if !reflect.DeepEqual(f.calls, wantCalls) {
		t.Fatalf("calls=%v, want %v", f.calls, wantCalls)
	}

	if len(res.Books) != 1 || res.Books[0].Name != "斗破苍穹" || res.Books[0].Author != "天蚕土豆" {
		t.Fatalf("Books=%+v", res.Books)
	}
	if res.Books[0].URL != "/book/1" {
		t.Fatalf("Books[0].URL=%q, want the raw extracted value /book/1", res.Books[0].URL)
	}
	if res.Detail.Kind != "玄幻" || res.Detail.URL != "https://x.com/book/1" {
		t.Fatalf("Detail=%+v", res.Detail)
	}
	if len(res.Chapters) != 2 || res.Chapters[0].Name != "第一章 陨落的天才" {
		t.Fatalf("Chapters=%+v", res.Chapters)
	}
	if res.Content != "三十年河东三十年河西莫欺少年穷" {
		t.Fatalf("Content=%q", res.Content)
	}

	for _, want := range []string{
		"[search] GET https://api.x.com/search?key=%E6%96%97%E7%A0%B4&page=1",
		"[search] items: 1 raw, 1 kept",
		"[toc] items: 2 raw, 2 kept",
		"[content] preview:",
	} {
		if !tr.Contains(want) {
			t.Fatalf("trace missing %q; lines=%+v", want, tr.Lines())
		}
	}
}

func TestRun_HTMLSourceEndToEnd(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{t: t, pages: htmlPages()}
	r := NewRunner(htmlSource(), f, Options{})

	res, err := r.Run(context.Background(), NewTrace(), "Title1", 1)
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if !res.Complete {
		t.Fatalf("Complete=false")
	}

	if len(res.Books) != 1 || res.Books[0].Name != "Title1" || res.Books[0].Author != "AuthorX" {
		t.Fatalf("Books=%+v", res.Books)
	}
	if res.Books[0].URL != "/b/1" {
		t.Fatalf("Books[0].URL=%q, want /b/1", res.Books[0].URL)
	}
	if f.calls[1] != "https://x.com/b/1" {
		t.Fatalf("detail fetched %q, want the base-resolved url", f.calls[1])
	}
	if res.Chapters[0].Name != "第一章" || res.Chapters[0].URL != "/c/1" {
		t.Fatalf("Chapters[0]=%+v", res.Chapters[0])
	}

	// The ad span inside the content div must not leak into the text.
	if res.Content != "HelloWorld" {
		t.Fatalf("Content=%q, want HelloWorld", res.Content)
	}
}

// TestRun_SearchItemWithoutBookURL verifies an item can survive the validity
// filter on name+author alone, and the run then short-circuits when there is
// no URL to fetch next.
func TestRun_SearchItemWithoutBookURL(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{t: t, pages: map[string]fakePage{
		"https://api.x.com/search?key=A&page=1": {
			body: `{"data":{"book_list":[{"name":"A","author":"B"}]}}`,
		},
	}}
	r := NewRunner(jsonSource(), f, Options{})
	tr := NewTrace()

	res, err := r.Run(context.Background(), tr, "A", 1)
	if err != nil {
		t.Fatalf("Run() err=%v, want nil on short-circuit", err)
	}
	if res.Complete {
		t.Fatalf("Complete=true, want short-circuit")
	}
	if len(res.Books) != 1 || res.Books[0].Name != "A" || res.Books[0].Author != "B" {
		t.Fatalf("Books=%+v, want the single {A,B} item", res.Books)
	}
	if len(f.calls) != 1 {
		t.Fatalf("calls=%v, want only the search fetch", f.calls)
	}
	if !tr.Contains("no usable input for next stage") {
		t.Fatalf("trace missing short-circuit line; lines=%+v", tr.Lines())
	}
}

// TestRun_DropsAllEmptyItems verifies the validity filter: a list match
// whose name, author, url, and intro all resolve empty never surfaces.
func TestRun_DropsAllEmptyItems(t *testing.T) {
	t.Parallel()

	pages := htmlPages()
	pages["https://x.com/search?key=Title1&page=1"] = fakePage{
		body: `<html><body><ul>` +
			`<li class="book"><a href="/b/1">Title1</a><span class="author">AuthorX</span></li>` +
			`<li class="book"><em>sponsored slot</em></li>` +
			`</ul></body></html>`,
	}
	f := &fakeFetcher{t: t, pages: pages}
	r := NewRunner(htmlSource(), f, Options{})
	tr := NewTrace()

	res, err := r.Run(context.Background(), tr, "Title1", 1)
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if len(res.Books) != 1 {
		t.Fatalf("Books=%+v, want the sponsored row dropped", res.Books)
	}
	if !tr.Contains("items: 2 raw, 1 kept") {
		t.Fatalf("trace missing raw/kept counts; lines=%+v", tr.Lines())
	}
	if !res.Complete {
		t.Fatalf("Complete=false, want the run to continue with the surviving item")
	}
}

func TestRun_EmptySearchShortCircuits(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{t: t, pages: map[string]fakePage{
		"https://x.com/search?key=Title1&page=1": {
			body: `<html><body><p>no results</p></body></html>`,
		},
	}}
	r := NewRunner(htmlSource(), f, Options{})
	tr := NewTrace()

	res, err := r.Run(context.Background(), tr, "Title1", 1)
	if err != nil {
		t.Fatalf("Run() err=%v, want nil; empty results are not an error", err)
	}
	if res.Complete || len(res.Books) != 0 {
		t.Fatalf("res=%+v, want empty short-circuited run", res)
	}
	if len(f.calls) != 1 {
		t.Fatalf("calls=%v, want 1", f.calls)
	}
	if !tr.Contains("[search] no usable input for next stage") {
		t.Fatalf("trace missing short-circuit line; lines=%+v", tr.Lines())
	}
}

func TestRun_StopBeforeFirstStage(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{t: t, pages: jsonPages()}
	r := NewRunner(jsonSource(), f, Options{})
	r.Stop()

	res, err := r.Run(context.Background(), NewTrace(), "斗破", 1)
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if !res.Stopped || len(f.calls) != 0 {
		t.Fatalf("Stopped=%v calls=%v, want stopped with no fetches", res.Stopped, f.calls)
	}
}

// TestRun_StopAtStageBoundary verifies the stop flag is cooperative: the
// stage in flight completes and the run halts before the next one.
func TestRun_StopAtStageBoundary(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{t: t, pages: jsonPages()}
	r := NewRunner(jsonSource(), f, Options{})
	f.onFetch = func(string) { r.Stop() }
	tr := NewTrace()

	res, err := r.Run(context.Background(), tr, "斗破", 1)
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if !res.Stopped {
		t.Fatalf("Stopped=false")
	}
	if len(f.calls) != 1 {
		t.Fatalf("calls=%v, want the search fetch only", f.calls)
	}
	if len(res.Books) != 1 {
		t.Fatalf("Books=%+v, want the completed search stage preserved", res.Books)
	}
	if !tr.Contains("run halted before detail stage") {
		t.Fatalf("trace missing stop line; lines=%+v", tr.Lines())
	}
}

func TestRun_BadJSONBodyAbortsStage(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{t: t, pages: map[string]fakePage{
		"https://api.x.com/search?key=A&page=1": {body: `{"data": broken`},
	}}
	r := NewRunner(jsonSource(), f, Options{})
	tr := NewTrace()

	_, err := r.Run(context.Background(), tr, "A", 1)
	if err == nil || !strings.Contains(err.Error(), "search stage") {
		t.Fatalf("Run() err=%v, want search stage parse error", err)
	}
	if !tr.Contains("parse response body") {
		t.Fatalf("trace missing parse diagnostic; lines=%+v", tr.Lines())
	}
}

func TestRun_FetchErrorAbortsStage(t *testing.T) {
	t.Parallel()

	boom := errors.New("dial timeout")
	f := &fakeFetcher{t: t, pages: map[string]fakePage{
		"https://api.x.com/search?key=A&page=1": {err: boom},
	}}
	r := NewRunner(jsonSource(), f, Options{})
	tr := NewTrace()

	_, err := r.Run(context.Background(), tr, "A", 1)
	if !errors.Is(err, boom) {
		t.Fatalf("Run() err=%v, want wrapped transport error", err)
	}
	if !tr.Contains("fetch failed") {
		t.Fatalf("trace missing fetch diagnostic; lines=%+v", tr.Lines())
	}
}

// TestRun_TocFallsBackToBookURL verifies a source whose detail page doubles
// as its chapter list: no toc rule, the toc stage refetches the book URL.
func TestRun_TocFallsBackToBookURL(t *testing.T) {
	t.Parallel()

	src := jsonSource()
	src.Detail.TocURL = ""

	pages := jsonPages()
	pages["https://x.com/book/1"] = fakePage{
		body: `{"name":"斗破苍穹","author":"天蚕土豆","chapters":[{"title":"第一章","link":"/chapter/1"}]}`,
	}
	f := &fakeFetcher{t: t, pages: pages}
	r := NewRunner(src, f, Options{})
	tr := NewTrace()

	res, err := r.Run(context.Background(), tr, "斗破", 1)
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if !res.Complete {
		t.Fatalf("Complete=false; trace=%+v", tr.Lines())
	}
	if f.calls[1] != "https://x.com/book/1" || f.calls[2] != "https://x.com/book/1" {
		t.Fatalf("calls=%v, want the book url fetched for both detail and toc", f.calls)
	}
	if !tr.Contains("no toc url extracted; using book url") {
		t.Fatalf("trace missing fallback line; lines=%+v", tr.Lines())
	}
}

func TestRun_ContentFollowsNextPages(t *testing.T) {
	t.Parallel()

	pages := jsonPages()
	pages["https://x.com/chapter/1"] = fakePage{body: `{"content":"上半部分","next":"/chapter/1b"}`}
	pages["https://x.com/chapter/1b"] = fakePage{body: `{"content":"下半部分"}`}

	f := &fakeFetcher{t: t, pages: pages}
	r := NewRunner(jsonSource(), f, Options{})
	tr := NewTrace()

	res, err := r.Run(context.Background(), tr, "斗破", 1)
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if res.Content != "上半部分\n下半部分" {
		t.Fatalf("Content=%q, want both pages joined with newline", res.Content)
	}
	if !tr.Contains("2 page(s)") {
		t.Fatalf("trace missing page count; lines=%+v", tr.Lines())
	}
}

func TestRun_ContentPageWalkBounded(t *testing.T) {
	t.Parallel()

	pages := jsonPages()
	pages["https://x.com/toc/1"] = fakePage{body: `{"chapters":[{"title":"第一章","link":"/chapter/p1"}]}`}
	for i := 1; i <= 7; i++ {
		pages[fmt.Sprintf("https://x.com/chapter/p%d", i)] = fakePage{
			body: fmt.Sprintf(`{"content":"P%d","next":"/chapter/p%d"}`, i, i+1),
		}
	}

	f := &fakeFetcher{t: t, pages: pages}
	r := NewRunner(jsonSource(), f, Options{})

	res, err := r.Run(context.Background(), NewTrace(), "斗破", 1)
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if res.Content != "P1\nP2\nP3\nP4\nP5" {
		t.Fatalf("Content=%q, want exactly 5 pages", res.Content)
	}
	for _, u := range f.calls {
		if strings.HasSuffix(u, "/chapter/p6") {
			t.Fatalf("walk passed the page bound: %v", f.calls)
		}
	}
}

func TestRun_ContentLoopProtected(t *testing.T) {
	t.Parallel()

	pages := jsonPages()
	pages["https://x.com/chapter/1"] = fakePage{body: `{"content":"甲","next":"/chapter/2"}`}
	pages["https://x.com/chapter/2"] = fakePage{body: `{"content":"乙","next":"/chapter/1"}`}

	f := &fakeFetcher{t: t, pages: pages}
	r := NewRunner(jsonSource(), f, Options{})
	tr := NewTrace()

	res, err := r.Run(context.Background(), tr, "斗破", 1)
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if res.Content != "甲\n乙" {
		t.Fatalf("Content=%q, want the two distinct pages", res.Content)
	}
	if !tr.Contains("already visited") {
		t.Fatalf("trace missing loop-protection line; lines=%+v", tr.Lines())
	}
}

func TestRun_ContentCacheHitSkipsFetch(t *testing.T) {
	t.Parallel()

	mem := cache.NewMemory()
	mem.Put("https://x.com/chapter/1", "cached body text")

	pages := jsonPages()
	delete(pages, "https://x.com/chapter/1") // a fetch attempt would fail the test

	f := &fakeFetcher{t: t, pages: pages}
	r := NewRunner(jsonSource(), f, Options{Cache: mem})
	tr := NewTrace()

	res, err := r.Run(context.Background(), tr, "斗破", 1)
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if !res.Complete || res.Content != "cached body text" {
		t.Fatalf("res=%+v, want cached content", res)
	}
	if len(f.calls) != 3 {
		t.Fatalf("calls=%v, want search+detail+toc only", f.calls)
	}
	if !tr.Contains("cache hit") {
		t.Fatalf("trace missing cache line; lines=%+v", tr.Lines())
	}
}

func TestRun_ContentCachedAfterRun(t *testing.T) {
	t.Parallel()

	mem := cache.NewMemory()
	f := &fakeFetcher{t: t, pages: jsonPages()}
	r := NewRunner(jsonSource(), f, Options{Cache: mem})

	res, err := r.Run(context.Background(), NewTrace(), "斗破", 1)
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}

	cached, ok := mem.Get("https://x.com/chapter/1")
	if !ok || cached != res.Content {
		t.Fatalf("cache=(%q,%v), want the run's content stored", cached, ok)
	}
}

func TestRunExplore_SeedsFromExploreTemplate(t *testing.T) {
	t.Parallel()

	pages := jsonPages()
	pages["https://api.x.com/hot?page=1"] = fakePage{
		body: `{"data":{"book_list":[{"name":"斗破苍穹","author":"天蚕土豆","url":"/book/1","intro":"少年萧炎"}]}}`,
	}

	f := &fakeFetcher{t: t, pages: pages}
	r := NewRunner(jsonSource(), f, Options{})

	res, err := r.RunExplore(context.Background(), NewTrace(), 1)
	if err != nil {
		t.Fatalf("RunExplore() err=%v", err)
	}
	if !res.Complete {
		t.Fatalf("Complete=false")
	}
	if f.calls[0] != "https://api.x.com/hot?page=1" {
		t.Fatalf("calls[0]=%q, want the explore url", f.calls[0])
	}
}

func TestNewRunner_Defaults(t *testing.T) {
	t.Parallel()

	r := NewRunner(jsonSource(), &fakeFetcher{t: t}, Options{})
	if r.job != "check" {
		t.Fatalf("job=%q, want check", r.job)
	}
	if r.maxContentPages != 5 {
		t.Fatalf("maxContentPages=%d, want 5", r.maxContentPages)
	}
	if r.logger == nil || r.cache == nil {
		t.Fatalf("logger/cache not defaulted")
	}
}

func TestRecoverItem(t *testing.T) {
	t.Parallel()

	t.Run("value_passes_through", func(t *testing.T) {
		t.Parallel()
		v, err := recoverItem(func() int { return 7 })
		if err != nil || v != 7 {
			t.Fatalf("recoverItem()=(%d,%v), want (7,nil)", v, err)
		}
	})

	t.Run("panic_becomes_error", func(t *testing.T) {
		t.Parallel()
		_, err := recoverItem(func() int { panic("bad item shape") })
		if err == nil || !strings.Contains(err.Error(), "bad item shape") {
			t.Fatalf("recoverItem() err=%v, want recovered panic", err)
		}
	})
}

// TestRun_OverRealHTTPStack wires the production fetch client under the
// runner: a real server, a 302 on the search request, charset-free HTML.
func TestRun_OverRealHTTPStack(t *testing.T) {
	t.Parallel()

	var landingQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/results", http.StatusFound)
	})
	mux.HandleFunc("/results", func(w http.ResponseWriter, r *http.Request) {
		landingQuery = r.URL.RawQuery
		fmt.Fprint(w, `<html><body><ul><li class="book"><a href="/b/1">Title1</a><span class="author">AuthorX</span></li></ul></body></html>`)
	})
	mux.HandleFunc("/b/1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><h1 class="name">Title1</h1><a id="toclink" href="/toc/1">目录</a></body></html>`)
	})
	mux.HandleFunc("/toc/1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><li class="chapter"><a href="/c/1">第一章</a></li></body></html>`)
	})
	mux.HandleFunc("/c/1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><div id="content">Hello<span class="ad">BUY</span>World</div></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src := htmlSource()
	src.BaseURL = srv.URL

	client := fetch.NewClient(fetch.NewHTTPTransport(5*time.Second), fetch.Options{BaseBackoff: time.Millisecond})
	r := NewRunner(src, client, Options{})
	tr := NewTrace()

	res, err := r.Run(context.Background(), tr, "斗破", 1)
	if err != nil {
		t.Fatalf("Run() err=%v; trace=%+v", err, tr.Lines())
	}
	if !res.Complete || res.Content != "HelloWorld" {
		t.Fatalf("res=%+v, want complete run with HelloWorld", res)
	}
	if !strings.Contains(landingQuery, "key=%E6%96%97%E7%A0%B4") {
		t.Fatalf("redirect landing query=%q, want the original key param preserved", landingQuery)
	}
}
