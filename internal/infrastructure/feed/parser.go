package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"

	"feedsync/internal/domain"
	"feedsync/internal/ports"
)

const maxBodyBytes = 10 << 20

// Parser is the raw-feed collaborator: it retrieves a source URL, parses the
// RSS/Atom payload and normalizes entries into items. A URL that serves HTML
// gets one autodiscovery hop through its alternate-feed link.
type Parser struct {
	client *http.Client
	fp     *gofeed.Parser
	logger *slog.Logger
}

var _ ports.FeedFetcher = (*Parser)(nil)

// NewParser wires an HTTP client; timeout defaults to 20s.
func NewParser(client *http.Client, logger *slog.Logger) *Parser {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	// gofeed fills its translator fields lazily on first parse, which races
	// when one Parser serves concurrent Fetch calls. Set them up front.
	fp := gofeed.NewParser()
	fp.RSSTranslator = &gofeed.DefaultRSSTranslator{}
	fp.AtomTranslator = &gofeed.DefaultAtomTranslator{}
	fp.JSONTranslator = &gofeed.DefaultJSONTranslator{}
	return &Parser{client: client, fp: fp, logger: logger}
}

// Fetch retrieves and normalizes the source's current item list.
func (p *Parser) Fetch(ctx context.Context, src domain.Source) ([]domain.Item, error) {
	body, contentType, err := p.get(ctx, src.Identity)
	if err != nil {
		return nil, err
	}

	if looksLikeHTML(body, contentType) {
		feedURL, ok := discoverFeedURL(body, src.Identity)
		if !ok {
			return nil, fmt.Errorf("source %s serves HTML with no feed link", src.Identity)
		}
		p.debug("following autodiscovered feed", "source", src.DisplayName, "feed", feedURL)
		if body, _, err = p.get(ctx, feedURL); err != nil {
			return nil, err
		}
	}

	parsed, err := p.fp.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", src.Identity, err)
	}

	items := make([]domain.Item, 0, len(parsed.Items))
	for _, entry := range parsed.Items {
		if entry == nil {
			continue
		}
		items = append(items, toItem(src, entry))
	}
	return items, nil
}

func (p *Parser) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "feedsync/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("feed returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read feed body: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// toItem normalizes one feed entry. The id falls back through a priority
// chain: GUID, then link, then a deterministic UUID from source and title, so
// it is stable and non-empty even when every upstream identifier is missing.
func toItem(src domain.Source, entry *gofeed.Item) domain.Item {
	id := strings.TrimSpace(entry.GUID)
	if id == "" {
		id = strings.TrimSpace(entry.Link)
	}
	if id == "" {
		id = synthesizeID(src.Identity, entry.Title)
	}

	var published time.Time
	if entry.PublishedParsed != nil {
		published = *entry.PublishedParsed
	} else if entry.UpdatedParsed != nil {
		published = *entry.UpdatedParsed
	}

	excerpt := strings.TrimSpace(entry.Description)
	if excerpt == "" {
		excerpt = strings.TrimSpace(entry.Content)
	}

	return domain.Item{
		ID:          id,
		Title:       strings.TrimSpace(entry.Title),
		URL:         strings.TrimSpace(entry.Link),
		PublishedAt: published,
		Excerpt:     excerpt,
		SourceID:    src.Identity,
		SourceName:  src.DisplayName,
	}
}

func (p *Parser) debug(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Debug(msg, args...)
	}
}

func synthesizeID(identity, title string) string {
	seed := identity + "\n" + strings.TrimSpace(title)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(seed)).String()
}

func looksLikeHTML(body []byte, contentType string) bool {
	if strings.Contains(contentType, "text/html") {
		return true
	}
	head := strings.ToLower(string(bytes.TrimSpace(body[:min(len(body), 256)])))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

// discoverFeedURL extracts the first alternate RSS/Atom link from an HTML
// page, resolved against the page URL.
func discoverFeedURL(body []byte, pageURL string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", false
	}

	var found string
	doc.Find(`link[rel="alternate"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		typ, _ := sel.Attr("type")
		if !strings.Contains(typ, "rss") && !strings.Contains(typ, "atom") {
			return true
		}
		href, ok := sel.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return true
		}
		found = href
		return false
	})
	if found == "" {
		return "", false
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return found, true
	}
	ref, err := url.Parse(found)
	if err != nil {
		return "", false
	}
	return base.ResolveReference(ref).String(), true
}
