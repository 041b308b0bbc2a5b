package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/brycewcole/capsule-agents-sub000/internal/shared"
)

type ReaderInput struct {
	URL string `json:"url"`
}

type ReaderOutput struct {
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

const (
	maxReadRedirects = 10
	maxReadBytes     = 2 << 20
	maxReadChars     = 8000
)

func registerReader(g *genkit.Genkit, reg *Registry) ai.Tool {
	return genkit.DefineTool(g, ToolReadURL,
		"Fetch a web page and return its readable text. Use it to read an article or documentation page found by search.",
		func(ctx *ai.ToolContext, in ReaderInput) (ReaderOutput, error) {
			return reg.Read(ctx, in.URL)
		},
	)
}

// metadataHosts are cloud instance-metadata endpoints.
var metadataHosts = map[string]bool{
	"metadata.google.internal": true,
	"100.100.100.200":          true,
}

// checkFetchURL allows http(s) URLs whose host is not a metadata endpoint
// or a link-local address.
func checkFetchURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || metadataHosts[host] {
		return fmt.Errorf("URL host %q is not allowed", host)
	}
	if ip, err := netip.ParseAddr(host); err == nil && ip.IsLinkLocalUnicast() {
		return fmt.Errorf("URL host %q is not allowed", host)
	}
	return nil
}

func readURL(ctx context.Context, base *http.Client, rawURL string) (ReaderOutput, error) {
	if strings.TrimSpace(rawURL) == "" {
		return ReaderOutput{}, errors.New("empty URL")
	}
	if err := checkFetchURL(rawURL); err != nil {
		return ReaderOutput{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ReaderOutput{}, err
	}
	req.Header.Set("User-Agent", "Capsule/0.3 (agent)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9")

	client := &http.Client{
		Timeout: 15 * time.Second,
		CheckRedirect: func(next *http.Request, via []*http.Request) error {
			if len(via) >= maxReadRedirects {
				return fmt.Errorf("stopped after %d redirects", maxReadRedirects)
			}
			if err := checkFetchURL(next.URL.String()); err != nil {
				return fmt.Errorf("redirect denied: %w", err)
			}
			return nil
		},
	}
	if base != nil {
		client.Transport = base.Transport
	}
	resp, err := client.Do(req)
	if err != nil {
		return ReaderOutput{}, fmt.Errorf("read URL: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return ReaderOutput{}, fmt.Errorf("read URL: HTTP %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxReadBytes)
	var out ReaderOutput
	switch ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); {
	case ct == "" || ct == "text/html" || ct == "application/xhtml+xml":
		out, err = extractText(body)
	case strings.HasPrefix(ct, "text/") || ct == "application/json":
		var raw []byte
		raw, err = io.ReadAll(body)
		out.Content = strings.TrimSpace(string(raw))
	default:
		return ReaderOutput{}, fmt.Errorf("read URL: unsupported content type %q", ct)
	}
	if err != nil {
		return ReaderOutput{}, fmt.Errorf("read URL: %w", err)
	}
	if len([]rune(out.Content)) > maxReadChars {
		out.Content = shared.Truncate(out.Content, maxReadChars) + "\n\n[Content truncated]"
	}
	return out, nil
}

// skipped elements contribute no text.
var skipped = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true,
	atom.Template: true, atom.Svg: true, atom.Iframe: true,
}

// blocks end the current line.
var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Blockquote: true, atom.Pre: true, atom.Hr: true, atom.Section: true,
	atom.Article: true, atom.Header: true, atom.Footer: true, atom.Table: true,
}

// extractText walks the token stream, keeping visible text and the title.
func extractText(r io.Reader) (ReaderOutput, error) {
	z := html.NewTokenizer(r)
	var (
		out     ReaderOutput
		b       strings.Builder
		skip    int
		inTitle bool
	)
	newline := func() {
		s := b.String()
		if s != "" && !strings.HasSuffix(s, "\n\n") {
			b.WriteByte('\n')
		}
	}
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return out, err
			}
			out.Content = tidyLines(b.String())
			return out, nil
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			switch {
			case skipped[a]:
				if tt == html.StartTagToken {
					skip++
				}
			case a == atom.Title:
				inTitle = true
			case blocks[a]:
				newline()
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			switch {
			case skipped[a] && skip > 0:
				skip--
			case a == atom.Title:
				inTitle = false
			case blocks[a]:
				newline()
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			text := strings.Join(strings.Fields(string(z.Text())), " ")
			if text == "" {
				continue
			}
			if inTitle {
				out.Title = strings.TrimSpace(out.Title + " " + text)
				continue
			}
			if s := b.String(); s != "" && !strings.HasSuffix(s, "\n") {
				b.WriteByte(' ')
			}
			b.WriteString(text)
		}
	}
}

// tidyLines trims each line and collapses runs of blank lines to one.
func tidyLines(s string) string {
	var lines []string
	blank := false
	for _, l := range strings.Split(s, "\n") {
		l = strings.TrimSpace(l)
		if l == "" {
			if !blank && len(lines) > 0 {
				lines = append(lines, "")
			}
			blank = true
			continue
		}
		blank = false
		lines = append(lines, l)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
