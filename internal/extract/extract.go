package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"github.com/DeafMist/page-companion/internal/logger"
	"github.com/DeafMist/page-companion/internal/models"
	"github.com/DeafMist/page-companion/internal/processing"
)

const (
	// MaxTextChars caps WebpageDocument.CleanedText, counted in Unicode scalars.
	MaxTextChars = 15000

	DefaultTimeout = 10 * time.Second
	MaxRedirects   = 5
	maxBodyBytes   = 5 << 20

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// These elements never contribute text.
const strippedElements = "script, style, nav, header, footer"

const (
	ReasonFetchFailed  = "fetch failed"
	ReasonEmptyContent = "empty content"
)

// ExtractionError is returned for every failed Extract call.
type ExtractionError struct {
	URL    string
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("extract %s: %s", e.URL, e.Reason)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Extractor fetches pages and reduces them to clean, size-capped text.
// Every call re-fetches; nothing is cached.
type Extractor struct {
	client *http.Client
	log    *slog.Logger
	now    func() time.Time
}

// New builds an Extractor with the given request timeout (DefaultTimeout when zero).
func New(timeout time.Duration, log *slog.Logger) *Extractor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Extractor{
		client: &http.Client{
			Timeout:       timeout,
			CheckRedirect: limitRedirects,
		},
		log: logger.OrDiscard(log),
		now: time.Now,
	}
}

func limitRedirects(req *http.Request, via []*http.Request) error {
	if len(via) > MaxRedirects {
		return fmt.Errorf("stopped after %d redirects", MaxRedirects)
	}
	return nil
}

// Extract downloads rawURL and returns its cleaned text.
func (e *Extractor) Extract(ctx context.Context, rawURL string) (models.WebpageDocument, error) {
	rawURL = strings.TrimSpace(rawURL)
	fail := func(reason string, err error) (models.WebpageDocument, error) {
		return models.WebpageDocument{}, &ExtractionError{URL: rawURL, Reason: reason, Err: err}
	}

	target, err := url.Parse(rawURL)
	if err != nil {
		return fail(ReasonFetchFailed, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return fail(ReasonFetchFailed, fmt.Errorf("unsupported scheme %q", target.Scheme))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fail(ReasonFetchFailed, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := e.client.Do(req)
	if err != nil {
		return fail(ReasonFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail(ReasonFetchFailed, fmt.Errorf("unexpected status %s", resp.Status))
	}

	// pages declaring a legacy charset are transcoded to UTF-8 before parsing
	body, err := charset.NewReader(io.LimitReader(resp.Body, maxBodyBytes), resp.Header.Get("Content-Type"))
	if err != nil {
		return fail(ReasonFetchFailed, fmt.Errorf("decode body: %w", err))
	}
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return fail(ReasonFetchFailed, fmt.Errorf("parse html: %w", err))
	}

	title := processing.SquashWhitespace(doc.Find("title").First().Text())
	text := Text(doc)
	if text == "" {
		return fail(ReasonEmptyContent, nil)
	}

	e.log.Debug("page extracted",
		slog.String("url", rawURL),
		slog.Int("status", resp.StatusCode),
		slog.Int("chars", len([]rune(text))),
	)

	return models.WebpageDocument{
		URL:         rawURL,
		Title:       title,
		CleanedText: text,
		ExtractedAt: e.now().UTC(),
	}, nil
}

// Text strips non-content elements from doc and returns the normalized,
// truncated text of its main element, or of the body when main is absent or empty.
// doc is modified.
func Text(doc *goquery.Document) string {
	doc.Find(strippedElements).Remove()

	if main := doc.Find("main").First(); main.Length() > 0 {
		if text := normalize(main.Text()); text != "" {
			return text
		}
	}

	body := doc.Find("body")
	if body.Length() == 0 {
		return normalize(doc.Text())
	}
	return normalize(body.Text())
}

func normalize(raw string) string {
	return strings.TrimSpace(processing.TruncateRunes(processing.SquashWhitespace(raw), MaxTextChars))
}

// IsEmptyContent reports whether err is an extraction that found no text.
func IsEmptyContent(err error) bool {
	var extractErr *ExtractionError
	return errors.As(err, &extractErr) && extractErr.Reason == ReasonEmptyContent
}
