package scraper

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/mangalytics/mangalytics/internal/types"
)

const arxivSearchBase = "https://arxiv.org/search/advanced"

// BuildSearchURL builds the arXiv advanced-search URL for the given
// parameters.
func BuildSearchURL(params types.SearchParams) string {
	return BuildSearchURLAt("", params)
}

// BuildSearchURLAt builds the search URL against an alternate endpoint.
// An empty base uses arXiv.
func BuildSearchURLAt(base string, params types.SearchParams) string {
	if base == "" {
		base = arxivSearchBase
	}
	query := url.Values{}
	query.Set("advanced", "1")
	query.Set("terms-0-term", params.Terms)
	query.Set("terms-0-operator", params.Operator)
	query.Set("terms-0-field", params.Field)
	query.Set("classification-physics_archives", "all")
	query.Set("classification-include_cross_list", "include")
	query.Set("date-filter_by", "all_dates")
	query.Set("date-year", "")
	query.Set("date-from_date", "")
	query.Set("date-to_date", "")
	query.Set("date-date_type", "submitted_date")
	query.Set("abstracts", params.Abstracts)
	query.Set("size", fmt.Sprintf("%d", params.Size))
	query.Set("order", params.Order)
	return base + "?" + query.Encode()
}

// ExtractPDFLinks parses a search result page and returns the absolute
// PDF links found on it, deduplicated in document order.
func ExtractPDFLinks(html, pageURL string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse search page: %w", err)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page URL: %w", err)
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		if !strings.Contains(href, "/pdf/") && !strings.HasSuffix(href, ".pdf") {
			return
		}

		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref).String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})

	return links, nil
}

// PaperID derives a stable document identifier from a PDF link. Falls
// back to a positional name when the link carries no usable id.
func PaperID(pdfURL string, position int) string {
	trimmed := strings.TrimSuffix(pdfURL, "/")
	segments := strings.Split(trimmed, "/")
	id := strings.TrimSuffix(segments[len(segments)-1], ".pdf")
	if id == "" {
		return fmt.Sprintf("paper_%d", position)
	}
	return id
}
