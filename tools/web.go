package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/PipeOpsHQ/flowexec/types"
)

const (
	maxPageBytes = 5 << 20
	maxPageText  = 20000
	maxPageLinks = 50
)

// Page is the readable content of a fetched web page.
type Page struct {
	URL        string   `json:"url"`
	Title      string   `json:"title,omitempty"`
	Text       string   `json:"text,omitempty"`
	Links      []string `json:"links,omitempty"`
	StatusCode int      `json:"statusCode"`
}

// NewWebFetch returns a tool that downloads an HTML page and reduces it to
// title, visible text and absolute links. The page text is also reported as a
// source document. A nil client uses a 30 second timeout.
func NewWebFetch(client *http.Client) Tool {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Absolute http(s) URL of the page to read.",
			},
		},
		"required": []string{"url"},
	}
	return NewFuncTool("web_fetch", "Fetch a web page and return its title, text and links.", schema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				URL string `json:"url"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("invalid web_fetch args: %w", err)
			}
			page, err := fetchPage(ctx, client, in.URL)
			if err != nil {
				return nil, err
			}
			return Result{
				Content: page,
				SourceDocuments: []types.SourceDocument{{
					PageContent: page.Text,
					Metadata:    map[string]any{"source": page.URL, "title": page.Title},
				}},
			}, nil
		})
}

func fetchPage(ctx context.Context, client *http.Client, raw string) (*Page, error) {
	base, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("url must be an absolute http(s) URL, got %q", raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "flowexec-web-fetch/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: HTTP %d", base, resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", base, err)
	}
	page := &Page{URL: base.String(), StatusCode: resp.StatusCode}
	var text strings.Builder
	seen := map[string]bool{}
	walkPage(doc, func(n *html.Node) bool {
		switch {
		case n.Type == html.ElementNode && skippedElement(n.Data):
			return false
		case n.Type == html.ElementNode && n.Data == "title" && page.Title == "":
			if n.FirstChild != nil {
				page.Title = strings.TrimSpace(n.FirstChild.Data)
			}
			return false
		case n.Type == html.ElementNode && n.Data == "a":
			if link := resolveLink(base, attr(n, "href")); link != "" && !seen[link] && len(page.Links) < maxPageLinks {
				seen[link] = true
				page.Links = append(page.Links, link)
			}
		case n.Type == html.TextNode:
			if s := strings.Join(strings.Fields(n.Data), " "); s != "" {
				text.WriteString(s)
				text.WriteByte(' ')
			}
		}
		return true
	})
	page.Text = strings.TrimSpace(text.String())
	if len(page.Text) > maxPageText {
		page.Text = page.Text[:maxPageText] + "... (truncated)"
	}
	return page, nil
}

// walkPage visits n depth first. visit returns false to skip the subtree.
func walkPage(n *html.Node, visit func(*html.Node) bool) {
	if !visit(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkPage(c, visit)
	}
}

func skippedElement(tag string) bool {
	switch tag {
	case "script", "style", "noscript", "iframe", "svg", "nav", "footer":
		return true
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func resolveLink(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)
	resolved.Fragment = ""
	return resolved.String()
}
