// Package scrape discovers asset pages and downloadable files on
// OpenGameArt and extracts page text for license checks.
package scrape

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openretro/retrohd/internal/fetcher"
	"github.com/openretro/retrohd/internal/resilience"
)

// DefaultBaseURL is the site scraped when no base URL is configured.
const DefaultBaseURL = "https://opengameart.org"

const (
	contentSelector = "a[href*='/content/']"
	assetSelector   = "a[href$='.zip'], a[href$='.png'], a[href$='.jpg'], a[href$='.jpeg']"
)

// AssetLink is a downloadable file found on a content page.
type AssetLink struct {
	URL      string
	Filename string
}

// Source finds content pages and their downloadable assets.
type Source interface {
	SearchLinks(ctx context.Context, query string, pages int) ([]string, error)
	AssetLinks(ctx context.Context, pageURL string) ([]AssetLink, error)
	PageText(ctx context.Context, pageURL string) (string, error)
}

// OpenGameArt scrapes opengameart.org (or a mirror at BaseURL).
type OpenGameArt struct {
	base    *url.URL
	fetcher fetcher.Fetcher
}

var _ Source = (*OpenGameArt)(nil)

// NewOpenGameArt creates a scraper rooted at baseURL.
func NewOpenGameArt(baseURL string, f fetcher.Fetcher) (*OpenGameArt, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, eris.Errorf("scrape: invalid base url %q", baseURL)
	}
	return &OpenGameArt{base: u, fetcher: f}, nil
}

// SearchURL returns the advanced-search URL for the 1-based page number.
func (o *OpenGameArt) SearchURL(query string, page int) string {
	q := url.Values{}
	q.Set("keys", query)
	q.Set("page", strconv.Itoa(page-1))
	return o.base.String() + "/art-search-advanced?" + q.Encode()
}

// SearchLinks returns the content page URLs listed on the first pages of
// search results, de-duplicated in first-seen order. A results page that
// cannot be fetched or parsed is logged and skipped; an error is returned
// only when every page failed.
func (o *OpenGameArt) SearchLinks(ctx context.Context, query string, pages int) ([]string, error) {
	if pages < 1 {
		pages = 1
	}
	seen := make(map[string]bool)
	links := []string{}
	var lastErr error
	failed := 0

	for p := 1; p <= pages; p++ {
		if err := ctx.Err(); err != nil {
			return links, eris.Wrap(err, "scrape: search cancelled")
		}
		pageURL := o.SearchURL(query, p)
		doc, err := o.document(ctx, pageURL)
		if err != nil {
			failed++
			lastErr = err
			zap.L().Warn("scrape: search page failed",
				zap.String("query", query),
				zap.Int("page", p),
				zap.Error(err),
			)
			continue
		}
		doc.Find(contentSelector).Each(func(_ int, s *goquery.Selection) {
			href, _ := s.Attr("href")
			href = strings.TrimSpace(href)
			if !strings.HasPrefix(href, "/content/") {
				return
			}
			full := o.base.String() + href
			if !seen[full] {
				seen[full] = true
				links = append(links, full)
			}
		})
	}

	if failed == pages {
		return links, eris.Wrapf(lastErr, "scrape: all %d search pages failed", pages)
	}
	zap.L().Info("scrape: search complete",
		zap.String("query", query),
		zap.Int("pages", pages),
		zap.Int("links", len(links)),
	)
	return links, nil
}

// AssetLinks returns the archive and image links on a content page.
func (o *OpenGameArt) AssetLinks(ctx context.Context, pageURL string) ([]AssetLink, error) {
	doc, err := o.document(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []AssetLink
	doc.Find(assetSelector).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		abs, name, ok := o.resolve(strings.TrimSpace(href))
		if !ok || seen[abs] {
			return
		}
		seen[abs] = true
		out = append(out, AssetLink{URL: abs, Filename: name})
	})
	return out, nil
}

// PageText returns the visible text of a page with whitespace collapsed.
func (o *OpenGameArt) PageText(ctx context.Context, pageURL string) (string, error) {
	doc, err := o.document(ctx, pageURL)
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript").Remove()
	return strings.Join(strings.Fields(doc.Find("body").Text()), " "), nil
}

// resolve makes href absolute against the base URL and derives the file name.
func (o *OpenGameArt) resolve(href string) (string, string, bool) {
	if href == "" {
		return "", "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", "", false
	}
	abs := o.base.ResolveReference(ref)
	name := path.Base(abs.Path)
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", "", false
	}
	return abs.String(), name, true
}

func (o *OpenGameArt) document(ctx context.Context, pageURL string) (*goquery.Document, error) {
	body, err := o.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		var se *resilience.StatusError
		if errors.As(err, &se) {
			if blocked, kind := DetectBlock(se.StatusCode, se.Header, se.Body); blocked {
				return nil, &BlockedError{URL: pageURL, Type: kind}
			}
		}
		return nil, err
	}
	if blocked, kind := DetectBlock(http.StatusOK, nil, body); blocked {
		return nil, &BlockedError{URL: pageURL, Type: kind}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrapf(err, "scrape: parse %s", pageURL)
	}
	return doc, nil
}
