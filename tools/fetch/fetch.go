// Package fetch provides the http_fetch tool, which downloads a URL and
// extracts its readable text. HTML goes through readability, PDF and
// Markdown documents are converted to plain text.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/net/html"

	"github.com/nevindra/chatflow"
	"github.com/nevindra/chatflow/plugins/toolcall"
	"github.com/nevindra/chatflow/tools"
)

// Name is the tool function name.
const Name = "http_fetch"

const (
	defaultMaxChars = 8000
	maxBodyBytes    = 1 << 20
	maxPDFBytes     = 10 << 20
)

// Tool fetches URLs and extracts readable content.
type Tool struct {
	client   *http.Client
	maxChars int
	agent    string
	logger   *slog.Logger
}

// Option configures a Tool.
type Option func(*Tool)

// WithClient sets the HTTP client.
func WithClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// WithMaxChars sets the content length after which output is truncated.
func WithMaxChars(n int) Option {
	return func(t *Tool) { t.maxChars = n }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(t *Tool) { t.agent = ua }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tool) { t.logger = l }
}

// New creates a fetch tool with a 15-second timeout.
func New(opts ...Option) *Tool {
	t := &Tool{
		client:   &http.Client{Timeout: 15 * time.Second},
		maxChars: defaultMaxChars,
		agent:    "Mozilla/5.0 (compatible; chatflow/0.1)",
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.New(slog.DiscardHandler)
	}
	return t
}

func (t *Tool) Definitions() []chatflow.Tool {
	return []chatflow.Tool{chatflow.FunctionTool(Name,
		"Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
		json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
	)}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (toolcall.Result, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return tools.Fail("invalid args: " + err.Error()), nil
	}
	if params.URL == "" {
		return tools.Fail("url is required"), nil
	}

	content, err := t.Fetch(ctx, params.URL)
	if err != nil {
		if abort := chatflow.AbortCause(ctx); abort != nil {
			return toolcall.Result{}, abort
		}
		return tools.Fail(err.Error()), nil
	}

	if t.maxChars > 0 && len(content) > t.maxChars {
		content = truncate(content, t.maxChars) + "\n... (truncated)"
	}
	return toolcall.Single(content), nil
}

// Fetch downloads a URL and extracts readable text.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil || (parsedURL.Scheme != "http" && parsedURL.Scheme != "https") {
		return "", fmt.Errorf("invalid URL: %s", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", t.agent)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	limit := int64(maxBodyBytes)
	if mediaType == "application/pdf" {
		limit = maxPDFBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	switch {
	case mediaType == "application/pdf" || bytes.HasPrefix(body, []byte("%PDF-")):
		return pdfText(body)
	case mediaType == "text/markdown" || mediaType == "text/x-markdown":
		return markdownText(body), nil
	case mediaType == "text/plain" || mediaType == "application/json":
		return strings.TrimSpace(string(body)), nil
	}

	page := string(body)
	article, err := readability.FromReader(strings.NewReader(page), parsedURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return strings.TrimSpace(article.TextContent), nil
	}
	t.logger.Debug("readability extraction failed, stripping markup", "url", rawURL, "error", err)
	return stripHTML(page), nil
}

// pdfText extracts the plain text of every readable page, pages separated
// by a blank line.
func pdfText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var pages []string
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pt, err := page.GetPlainText(nil)
		if err != nil {
			continue // skip unreadable pages
		}
		if pt = strings.TrimSpace(pt); pt != "" {
			pages = append(pages, pt)
		}
	}
	if len(pages) == 0 {
		return "", fmt.Errorf("pdf has no extractable text")
	}
	return strings.Join(pages, "\n\n"), nil
}

// markdownText renders Markdown to HTML and keeps the visible text, so the
// model does not see markup characters.
func markdownText(src []byte) string {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var buf bytes.Buffer
	if err := md.Convert(src, &buf); err != nil {
		return strings.TrimSpace(string(src))
	}
	return stripHTML(buf.String())
}

// stripHTML returns the visible text of an HTML document, one line per
// block. Input that is not HTML is returned trimmed.
func stripHTML(page string) string {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return strings.TrimSpace(page)
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "head":
				return
			}
		case html.TextNode:
			if text := strings.TrimSpace(n.Data); text != "" {
				if sb.Len() > 0 {
					sb.WriteByte('\n')
				}
				sb.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return sb.String()
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	for n > 0 && n < len(s) && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
