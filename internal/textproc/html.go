package textproc

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// HTMLToText extracts readable text from an HTML document. Script, style
// and page-chrome blocks (nav, footer, header, aside) are removed first,
// remaining markup is stripped, entities are decoded and whitespace is
// collapsed. Block boundaries become single newlines so the chunker can
// still see paragraph structure.
func HTMLToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script, style, nav, footer, header, aside, noscript").Remove()

	var b strings.Builder
	for _, line := range strings.Split(doc.Text(), "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	return b.String()
}

// ExtractLinks returns the absolute crawlable URLs found in an HTML page:
// same host as base, path under the base URL's directory, http(s) only.
// Fragments and query strings are stripped so the crawler's visited set
// deduplicates cleanly. Order follows document order, first occurrence wins.
func ExtractLinks(html, base string) []string {
	baseURL, err := url.Parse(base)
	if err != nil || baseURL.Host == "" {
		return nil
	}

	prefix := baseURL.Path
	if !strings.HasSuffix(prefix, "/") {
		if i := strings.LastIndex(prefix, "/"); i >= 0 {
			prefix = prefix[:i+1]
		}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		u, err := baseURL.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return
		}
		if u.Host != baseURL.Host || !strings.HasPrefix(u.Path, prefix) {
			return
		}
		normalized := NormalizeURL(u)
		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}
		links = append(links, normalized)
	})
	return links
}

// NormalizeURL strips the fragment and query from a URL for deduplication.
func NormalizeURL(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawQuery = ""
	return c.String()
}
