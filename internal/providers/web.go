package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/ChamsBouzaiene/forge/internal/resilience"
)

const (
	defaultSearchEndpoint = "https://serpapi.com/search"
	maxPageBytes          = 1 << 20
	userAgent             = "forge/1.0 (+research agent)"
)

// WebConfig configures HTTPWeb.
type WebConfig struct {
	SearchEndpoint string        `mapstructure:"search_endpoint"`
	SearchAPIKey   string        `mapstructure:"search_api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// HTTPWeb searches through a SerpAPI-compatible endpoint and fetches pages
// over plain HTTP, reducing HTML to readable text.
type HTTPWeb struct {
	client   *http.Client
	endpoint string
	apiKey   string
}

// NewHTTPWeb returns a web client. A nil httpClient gets one with
// cfg.Timeout (30s by default).
func NewHTTPWeb(cfg WebConfig, httpClient *http.Client) *HTTPWeb {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	endpoint := cfg.SearchEndpoint
	if endpoint == "" {
		endpoint = defaultSearchEndpoint
	}
	return &HTTPWeb{client: httpClient, endpoint: endpoint, apiKey: cfg.SearchAPIKey}
}

func (w *HTTPWeb) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if w.apiKey == "" {
		return nil, errors.New("web search is not configured: missing search api key")
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("engine", "google")
	if limit > 0 {
		params.Set("num", strconv.Itoa(limit))
	}
	// the key is added last so error messages never carry it
	display := w.endpoint + "?" + params.Encode()
	params.Set("api_key", w.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s", display)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, resilience.WrapHTTPError(fmt.Errorf("search request to %s failed: %w", display, stripURL(err)), 0, "")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, resilience.WrapHTTPError(fmt.Errorf("search API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), resp.StatusCode, resp.Header.Get("Retry-After"))
	}

	var data struct {
		OrganicResults []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic_results"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}
	if data.Error != "" {
		return nil, fmt.Errorf("search API error: %s", data.Error)
	}

	out := make([]SearchResult, 0, len(data.OrganicResults))
	for i, r := range data.OrganicResults {
		if limit > 0 && i >= limit {
			break
		}
		out = append(out, SearchResult{Rank: i + 1, Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	return out, nil
}

func (w *HTTPWeb) Fetch(ctx context.Context, rawURL string) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Page{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := w.client.Do(req)
	if err != nil {
		return Page{}, resilience.WrapHTTPError(fmt.Errorf("failed to fetch %s: %w", rawURL, err), 0, "")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Page{}, resilience.WrapHTTPError(fmt.Errorf("fetch %s: HTTP %d", rawURL, resp.StatusCode), resp.StatusCode, resp.Header.Get("Retry-After"))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return Page{}, resilience.WrapHTTPError(fmt.Errorf("failed to read %s: %w", rawURL, err), 0, "")
	}

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/plain") || strings.Contains(ct, "application/json") {
		return Page{URL: rawURL, Text: string(body)}, nil
	}
	title, text, err := ExtractText(string(body))
	if err != nil {
		return Page{}, fmt.Errorf("failed to parse HTML from %s: %w", rawURL, err)
	}
	return Page{URL: rawURL, Title: title, Text: text}, nil
}

var (
	skipTags = map[string]bool{
		"script": true, "style": true, "nav": true, "footer": true,
		"header": true, "aside": true, "noscript": true, "iframe": true,
		"svg": true, "template": true,
	}
	blockTags = map[string]bool{
		"p": true, "div": true, "section": true, "article": true, "main": true,
		"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
		"li": true, "tr": true, "br": true, "hr": true, "ul": true, "ol": true,
		"blockquote": true, "pre": true, "table": true,
	}
)

// ExtractText returns the title and the readable text of an HTML document,
// one block element per line.
func ExtractText(doc string) (title, text string, err error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", "", err
	}
	var lines []string
	var cur strings.Builder
	flush := func() {
		if s := strings.Join(strings.Fields(cur.String()), " "); s != "" {
			lines = append(lines, s)
		}
		cur.Reset()
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			tag := strings.ToLower(n.Data)
			if tag == "title" && title == "" && n.FirstChild != nil {
				title = strings.TrimSpace(n.FirstChild.Data)
				return
			}
			if skipTags[tag] || tag == "head" {
				return
			}
			if blockTags[tag] {
				flush()
				if tag == "li" {
					cur.WriteString("- ")
				}
			}
		}
		if n.Type == html.TextNode {
			cur.WriteString(n.Data)
			cur.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockTags[strings.ToLower(n.Data)] {
			flush()
		}
	}
	walk(root)
	flush()

	if title == "" {
		title = findTitle(root)
	}
	return title, strings.Join(lines, "\n"), nil
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

// stripURL drops the request URL from a *url.Error so the api key in the
// query string is not echoed.
func stripURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}
