package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// BraveSearch queries the Brave Search API. It needs an API key.
type BraveSearch struct {
	APIKey   string
	Endpoint string
}

func (b BraveSearch) Name() string    { return "brave_search" }
func (b BraveSearch) Available() bool { return b.APIKey != "" }

func (b BraveSearch) Search(ctx context.Context, client *http.Client, query string) ([]SearchResult, error) {
	endpoint := b.Endpoint
	if endpoint == "" {
		endpoint = braveEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("brave endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", strconv.Itoa(maxSearchResults))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.APIKey)
	body, err := fetch(client, req)
	if err != nil {
		return nil, err
	}
	return decodeBrave(body)
}

func decodeBrave(body []byte) ([]SearchResult, error) {
	var doc struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode brave response: %w", err)
	}
	results := make([]SearchResult, 0, len(doc.Web.Results))
	for _, r := range doc.Web.Results {
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: stripHTML(r.Description)})
	}
	return results, nil
}

// stripHTML flattens the highlight markup Brave puts in descriptions.
func stripHTML(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			b.Write(z.Text())
		}
	}
}
