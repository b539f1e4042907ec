package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"NewsScanner/internal/domain"
	"NewsScanner/internal/scanner"
)

const (
	// DefaultListURL is the announcement listing of the campus internal site.
	DefaultListURL   = "https://nbw.sztu.edu.cn/list.jsp?urltype=tree.TreeTempUrl&wbtreeid=1029"
	defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
	fallbackMaxRunes = 5000
	maxPageBytes     = 8 << 20
)

var (
	authorExpr      = regexp.MustCompile(`作者[：:]\s*([^\s|]+)`)
	publishTimeExpr = regexp.MustCompile(`发布时间[：:]\s*(\d{4}年\d{1,2}月\d{1,2}日(?:\s*\d{1,2}:\d{2}(?::\d{2})?)?|\d{4}[-/]\d{1,2}[-/]\d{1,2}(?:\s+\d{1,2}:\d{2}(?::\d{2})?)?)`)

	contentSelectors = []string{
		"div#vsb_content",
		"div.article-content",
		"div.news-content",
		"div.content",
		"article",
		`div[class*="content"]`,
		`div[id*="content"]`,
	}
)

// SZTUOptions configures the listing endpoint and HTTP behaviour.
type SZTUOptions struct {
	ListURL   string
	UserAgent string
	Timeout   time.Duration
}

// SZTUScanner extracts announcements from the university listing and detail pages.
type SZTUScanner struct {
	client    *http.Client
	listURL   string
	userAgent string
	converter *md.Converter
	logger    *slog.Logger
}

var _ scanner.Scanner = (*SZTUScanner)(nil)

// NewSZTUScanner wires an HTTP client; a nil client gets a proxy-free one with opts.Timeout.
func NewSZTUScanner(client *http.Client, opts SZTUOptions, logger *slog.Logger) *SZTUScanner {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{
			Timeout:   opts.Timeout,
			Transport: &http.Transport{Proxy: nil},
		}
	}
	if opts.ListURL == "" {
		opts.ListURL = DefaultListURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SZTUScanner{
		client:    client,
		listURL:   opts.ListURL,
		userAgent: opts.UserAgent,
		converter: md.NewConverter("", true, nil),
		logger:    logger,
	}
}

// Name identifies the strategy inside the registry.
func (s *SZTUScanner) Name() string {
	return "sztu"
}

// ListPage fetches one listing page and returns its rows.
func (s *SZTUScanner) ListPage(ctx context.Context, page int) ([]domain.ArticleSummary, error) {
	pageURL := buildPageURL(s.listURL, page)

	raw, err := s.fetch(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("listing page %d: %w", page, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse listing page %d: %w", page, err)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid listing url %s: %w", pageURL, err)
	}

	summaries := parseListing(doc, base)
	s.logger.Debug("listing parsed", "page", page, "rows", len(summaries))
	return summaries, nil
}

// FetchDetail downloads the article page and merges it with its listing row.
func (s *SZTUScanner) FetchDetail(ctx context.Context, summary domain.ArticleSummary) (domain.Article, error) {
	if summary.URL == "" {
		return domain.Article{}, fmt.Errorf("detail for %q: empty url", summary.Title)
	}

	raw, err := s.fetch(ctx, summary.URL)
	if err != nil {
		return domain.Article{}, fmt.Errorf("detail %s: %w", summary.URL, err)
	}

	article, err := s.parseDetail(raw, summary.URL)
	if err != nil {
		return domain.Article{}, fmt.Errorf("parse detail %s: %w", summary.URL, err)
	}
	return article.MergeSummary(summary), nil
}

func (s *SZTUScanner) fetch(ctx context.Context, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("site returned %s", resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return raw, nil
}

func (s *SZTUScanner) parseDetail(raw []byte, pageURL string) (domain.Article, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return domain.Article{}, err
	}

	article := domain.Article{
		URL:   pageURL,
		Title: cleanText(doc.Find("h1.article-title").First().Text()),
	}

	meta := cleanText(doc.Find("div.article-sm").First().Text())
	if m := authorExpr.FindStringSubmatch(meta); m != nil {
		article.Author = m[1]
	}
	if m := publishTimeExpr.FindStringSubmatch(meta); m != nil {
		article.PublishTime = strings.Join(strings.Fields(m[1]), " ")
	}

	article.Content = s.extractContent(doc, raw, pageURL)
	return article, nil
}

// extractContent tries the known selectors first, then readability on the whole page.
func (s *SZTUScanner) extractContent(doc *goquery.Document, raw []byte, pageURL string) string {
	for i, selector := range contentSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		sel.Find("script, style").Remove()
		text := strings.TrimSpace(s.converter.Convert(sel))
		if text == "" {
			continue
		}
		if i > 0 {
			text = truncateRunes(text, fallbackMaxRunes)
		}
		return text
	}

	parsed, _ := url.Parse(pageURL)
	article, err := readability.FromReader(bytes.NewReader(raw), parsed)
	if err != nil {
		s.logger.Debug("readability fallback failed", "url", pageURL, "error", err)
		return ""
	}
	return truncateRunes(strings.TrimSpace(article.TextContent), fallbackMaxRunes)
}

func parseListing(doc *goquery.Document, base *url.URL) []domain.ArticleSummary {
	var summaries []domain.ArticleSummary

	doc.Find("li.clearfix").Each(func(_ int, item *goquery.Selection) {
		link := item.Find("div.width04 a").First()
		if link.Length() == 0 {
			return
		}

		title, _ := link.Attr("title")
		title = cleanText(title)
		if title == "" {
			title = cleanText(link.Find("span").First().Text())
		}
		if title == "" {
			title = cleanText(link.Text())
		}

		href, _ := link.Attr("href")
		summaries = append(summaries, domain.ArticleSummary{
			Serial:        cleanText(item.Find("div.width01").First().Text()),
			URL:           resolveURL(base, href),
			Title:         title,
			Category:      cleanText(item.Find("div.width02 a").First().Text()),
			Department:    cleanText(item.Find("div.width03 a").First().Text()),
			HasAttachment: item.Find("div.width05 img").Length() > 0,
			PublishDate:   cleanText(item.Find("div.width06").First().Text()),
		})
	})

	return summaries
}

// buildPageURL appends PAGENUM for pages after the first, keeping the original query order.
func buildPageURL(listURL string, page int) string {
	if page <= 1 {
		return listURL
	}
	sep := "?"
	if strings.Contains(listURL, "?") {
		sep = "&"
	}
	return listURL + sep + "PAGENUM=" + strconv.Itoa(page)
}

func resolveURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
