// Command apply_rule evaluates one extraction rule against a page body and
// prints what it matches. It is the debugging loop for writing source rules:
// paste a response, try a rule, adjust.
//
// Usage (stdin):
//
//	cat page.html | apply_rule -rule "id.content@textNodes"
//
// Usage (fetch URL):
//
//	apply_rule -url "https://example.com/page" -rule "class.book@tag.a@href"
//
// List mode prints every match instead of the first:
//
//	cat resp.json | apply_rule -rule "data.book_list" -list
//
// A scope rule narrows evaluation to its first match:
//
//	cat resp.json | apply_rule -scope "data.book_list" -rule "name"
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"booksource/internal/extract"
	"booksource/internal/fetch"
)

func main() {
	os.Exit(run(
		context.Background(),
		os.Args[1:],
		os.Stdin,
		os.Stdout,
		os.Stderr,
	))
}

// run is split out from main so we can unit test the command without spawning
// an OS process.
//
// It returns a Unix-style exit code:
//   - 0 for success
//   - 2 for usage/config errors
//   - 1 for operational/runtime errors
func run(
	ctx context.Context,
	args []string,
	stdin io.Reader,
	stdout io.Writer,
	stderr io.Writer,
) int {
	fs := flag.NewFlagSet("apply_rule", flag.ContinueOnError)
	fs.SetOutput(stderr)

	ruleFlag := fs.String("rule", "", "Extraction rule to evaluate (required)")
	scopeFlag := fs.String("scope", "", "Optional scope rule; -rule evaluates inside its first match")
	listMode := fs.Bool("list", false, "Print every match, one per line, instead of the first")
	urlFlag := fs.String("url", "", "Optional: fetch the body from URL instead of stdin")
	timeout := fs.Duration("timeout", 20*time.Second, "Timeout for -url fetch")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *ruleFlag == "" {
		fmt.Fprintf(stderr, "missing -rule\n")
		return 2
	}

	body, err := loadBody(ctx, *urlFlag, *timeout, stdin)
	if err != nil {
		fmt.Fprintf(stderr, "load body: %v\n", err)
		return 1
	}

	page, err := extract.NewPage(body)
	if err != nil {
		fmt.Fprintf(stderr, "parse body: %v\n", err)
		return 1
	}

	var scope *extract.Node
	if *scopeFlag != "" {
		scopes := page.SelectList(extract.Compile(*scopeFlag), nil)
		if len(scopes) == 0 {
			fmt.Fprintf(stderr, "scope rule %q matched nothing\n", *scopeFlag)
			return 1
		}
		scope = &scopes[0]
	}

	rule := extract.Compile(*ruleFlag)

	if *listMode {
		nodes := page.SelectList(rule, scope)
		fmt.Fprintf(stderr, "%d match(es)\n", len(nodes))
		selfText := extract.Compile("")
		for i := range nodes {
			fmt.Fprintf(stdout, "#%d %s\n", i+1, page.SelectString(selfText, &nodes[i]))
		}
		return 0
	}

	fmt.Fprintln(stdout, page.SelectString(rule, scope))
	return 0
}

// loadBody reads the page body from the URL when given, else from stdin.
func loadBody(ctx context.Context, url string, timeout time.Duration, stdin io.Reader) ([]byte, error) {
	if url == "" {
		return io.ReadAll(stdin)
	}
	client := fetch.NewClient(fetch.NewHTTPTransport(timeout), fetch.Options{})
	body, _, err := client.Fetch(ctx, url)
	return body, err
}
