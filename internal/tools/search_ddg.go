package tools

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/net/html"
)

const duckDuckGoEndpoint = "https://html.duckduckgo.com/html/"

// DuckDuckGo scrapes the keyless DuckDuckGo HTML endpoint.
type DuckDuckGo struct {
	Endpoint string
}

func (d DuckDuckGo) Name() string    { return "duckduckgo" }
func (d DuckDuckGo) Available() bool { return true }

func (d DuckDuckGo) Search(ctx context.Context, client *http.Client, query string) ([]SearchResult, error) {
	endpoint := d.Endpoint
	if endpoint == "" {
		endpoint = duckDuckGoEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Capsule/0.3")
	body, err := fetch(client, req)
	if err != nil {
		return nil, err
	}
	return scrapeDuckDuckGo(string(body)), nil
}

// scrapeDuckDuckGo walks the result page in document order. Each
// result__a anchor opens a hit; the first result__snippet after it, before
// the next anchor, is that hit's snippet.
func scrapeDuckDuckGo(page string) []SearchResult {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil
	}
	var results []SearchResult
	for n := range doc.Descendants() {
		if n.Type != html.ElementNode {
			continue
		}
		switch {
		case hasClass(n, "result__a"):
			if len(results) == maxSearchResults {
				return results
			}
			results = append(results, SearchResult{Title: nodeText(n), URL: unwrapDDGLink(attr(n, "href"))})
		case hasClass(n, "result__snippet") && len(results) > 0:
			if last := &results[len(results)-1]; last.Snippet == "" {
				last.Snippet = nodeText(n)
			}
		}
	}
	return results
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	return slices.Contains(strings.Fields(attr(n, "class")), class)
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	for d := range n.Descendants() {
		if d.Type == html.TextNode {
			b.WriteString(d.Data)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// unwrapDDGLink returns the target of a DuckDuckGo /l/?uddg= redirect link.
func unwrapDDGLink(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return link
}
